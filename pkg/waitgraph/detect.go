package waitgraph

import (
	"sort"
	"strings"

	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/model"
)

// Cycle is one deadlock ring. Agents holds the ring in wait order
// starting from the lexicographically smallest agent; Resources[i] is
// what Agents[i] is blocked on, held by the next agent around the ring.
type Cycle struct {
	Agents    []string
	Resources []string
}

// Signature is the canonical identity of the ring: the normalized agent
// order, independent of which resource each hop waits on and of where
// detection entered the ring. Two reports of the same ring compare equal.
func (c Cycle) Signature() string {
	return strings.Join(c.Agents, " -> ")
}

// String renders the ring closed, e.g. "a -> b -> a".
func (c Cycle) String() string {
	if len(c.Agents) == 0 {
		return ""
	}
	return c.Signature() + " -> " + c.Agents[0]
}

// DFS node colors.
const (
	unvisited = iota
	onStack
	finished
)

// DetectCycles finds the deadlock cycles in a snapshot of wait edges.
// Pure function: no store access, no side effects, deterministic output
// order for a given edge set.
//
// Depth-first search over the waiter->holder graph. An edge reaching a
// node still on the recursion stack closes a cycle; the ring is read
// back off the stack. Nodes are never revisited once finished, and rings
// reached twice through parallel edges collapse by signature, so each
// distinct ring is reported once.
func DetectCycles(edges []model.WaitEdge) []Cycle {
	if len(edges) == 0 {
		return nil
	}

	adj := make(map[string][]model.WaitEdge)
	for _, e := range edges {
		adj[e.Waiter] = append(adj[e.Waiter], e)
	}
	waiters := make([]string, 0, len(adj))
	for w, out := range adj {
		waiters = append(waiters, w)
		sort.Slice(out, func(i, j int) bool {
			if out[i].Holder != out[j].Holder {
				return out[i].Holder < out[j].Holder
			}
			return out[i].Resource < out[j].Resource
		})
	}
	sort.Strings(waiters)

	state := make(map[string]int)
	var path []model.WaitEdge
	var cycles []Cycle
	seen := make(map[string]bool)

	var visit func(node string)
	visit = func(node string) {
		state[node] = onStack
		for _, e := range adj[node] {
			switch state[e.Holder] {
			case onStack:
				c := closeCycle(path, e)
				if sig := c.Signature(); !seen[sig] {
					seen[sig] = true
					cycles = append(cycles, c)
				}
			case unvisited:
				path = append(path, e)
				visit(e.Holder)
				path = path[:len(path)-1]
			}
		}
		state[node] = finished
	}

	for _, w := range waiters {
		if state[w] == unvisited {
			visit(w)
		}
	}
	return cycles
}

// closeCycle reads the ring off the recursion path. The closing edge
// runs from the path's tip back to an ancestor (or to its own waiter,
// for a self-wait); the ring is the path suffix from that ancestor plus
// the closing edge, rotated so the smallest agent leads.
func closeCycle(path []model.WaitEdge, closing model.WaitEdge) Cycle {
	start := len(path)
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Waiter == closing.Holder {
			start = i
			break
		}
	}

	ring := append([]model.WaitEdge{}, path[start:]...)
	ring = append(ring, closing)

	low := 0
	for i := range ring {
		if ring[i].Waiter < ring[low].Waiter {
			low = i
		}
	}

	n := len(ring)
	c := Cycle{
		Agents:    make([]string, 0, n),
		Resources: make([]string, 0, n),
	}
	for i := 0; i < n; i++ {
		e := ring[(low+i)%n]
		c.Agents = append(c.Agents, e.Waiter)
		c.Resources = append(c.Resources, e.Resource)
	}
	return c
}
