package coord

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron"
)

// maintenanceJob is one recurring chore.
type maintenanceJob struct {
	name string
	spec string
	run  func() error
}

// maintenance drives the background chores on cron schedules: removing
// consumed events and lapsed leases, re-scanning the wait graph so
// deadlocks surface even when no new edge arrives, and refreshing the
// coordinator's own health row.
type maintenance struct {
	cron   *cron.Cron
	logger *slog.Logger

	// mu covers stopping and inFlight. Ticks enter through begin, which
	// also counts them on wg, so stop's wait sees every admitted tick.
	mu       sync.Mutex
	stopping bool
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// StartMaintenance schedules the background jobs and starts the cron
// runner. Calling it again while running is a no-op; concurrent calls
// start at most one runner. Schedules come from the configuration; a
// spec cron cannot parse is an error and nothing is started.
func (c *Coordinator) StartMaintenance() error {
	c.maintMu.Lock()
	defer c.maintMu.Unlock()
	if c.maint != nil {
		return nil
	}

	jobs := []maintenanceJob{
		{"cleanup", c.cfg.CleanupSpec, func() error {
			_, err := c.Cleanup(0)
			return err
		}},
		{"deadlock_scan", c.cfg.DeadlockScanSpec, func() error {
			_, err := c.ScanDeadlocks()
			return err
		}},
		{"health_ping", c.cfg.HealthPingSpec, func() error {
			return c.ReportHealth(SourceCoordinator, HealthOK, "")
		}},
	}

	m := &maintenance{cron: cron.New(), logger: c.logger, inFlight: make(map[string]bool)}
	for _, job := range jobs {
		job := job
		if err := m.cron.AddFunc(job.spec, func() { m.runJob(job) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.name, job.spec, err)
		}
	}
	m.cron.Start()
	c.maint = m
	c.logger.Info("maintenance started",
		"cleanup", c.cfg.CleanupSpec,
		"deadlock_scan", c.cfg.DeadlockScanSpec,
		"health_ping", c.cfg.HealthPingSpec,
	)
	return nil
}

// StopMaintenance halts the cron runner and waits for any job already
// running to finish, so the store is quiet before Close tears it down.
// Ticks cron spawned but that have not begun by then are turned away.
func (c *Coordinator) StopMaintenance() {
	c.maintMu.Lock()
	defer c.maintMu.Unlock()
	if c.maint == nil {
		return
	}
	c.maint.stop()
	c.maint = nil
	c.logger.Info("maintenance stopped")
}

// runJob executes one tick. A tick that fires while the previous run of
// the same job is still working is skipped rather than stacked; every
// job is periodic, so the next tick covers it.
func (m *maintenance) runJob(job maintenanceJob) {
	if !m.begin(job.name) {
		m.logger.Debug("maintenance tick skipped", "job", job.name)
		return
	}
	defer m.end(job.name)

	if err := job.run(); err != nil {
		m.logger.Error("maintenance job failed", "job", job.name, "error", err)
	}
}

// begin admits a tick. It refuses the tick when the job's previous run
// is still working, and every tick once stop has begun. Counting on wg
// happens under mu, so a tick is either refused or seen by stop's wait,
// never neither.
func (m *maintenance) begin(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping || m.inFlight[name] {
		return false
	}
	m.inFlight[name] = true
	m.wg.Add(1)
	return true
}

func (m *maintenance) end(name string) {
	m.mu.Lock()
	delete(m.inFlight, name)
	m.mu.Unlock()
	m.wg.Done()
}

// stop halts the scheduler, closes admission, and waits out the ticks
// already admitted. cron runs each tick on its own goroutine, so a tick
// spawned just before Stop can still be on its way in.
func (m *maintenance) stop() {
	m.cron.Stop()
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	m.wg.Wait()
}
