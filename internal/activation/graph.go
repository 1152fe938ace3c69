// Package activation implements the dependency DAG of activators described
// in spec.md §4.3: components expose readiness/start/stop and an optional
// Activatable callback pair, and the graph propagates those transitions to
// parents and children according to a fixed set of coalescing rules.
package activation

import (
	"fmt"
	"log/slog"
)

// Activatable is implemented by the object a Node wraps when activation or
// deactivation needs to do real work (open a socket, spin up a goroutine,
// …) rather than being trivially ready the moment its dependencies are.
type Activatable interface {
	// Activate begins bringing the object up. It may call the owning
	// Node's MarkReady() synchronously before returning, or asynchronously at
	// any later time. Returning an error triggers a self Stop().
	Activate() error
	// Deactivate tears the object down. Errors are logged; the node
	// transitions to inactive regardless.
	Deactivate() error
}

// Graph owns a set of Nodes and drains pending state transitions to a
// fixed point after every public mutation, so that from the caller's
// perspective each call to Start/Stop/MarkReady/MarkNotReady fully settles before
// returning.
type Graph struct {
	log     *slog.Logger
	names   map[string]*Node
	objects map[any]*Node

	queue    []*Node
	queued   map[*Node]bool
	draining bool
}

// New creates an empty Graph.
func New(log *slog.Logger) *Graph {
	if log == nil {
		log = slog.Default()
	}
	return &Graph{
		log:     log,
		names:   make(map[string]*Node),
		objects: make(map[any]*Node),
		queued:  make(map[*Node]bool),
	}
}

// NewNode registers a new node named name, wrapping object, depending on
// the given (already-registered) dependencies. Because dependencies must
// already exist, the graph can only grow leaves-first and cycles are
// structurally impossible.
func (g *Graph) NewNode(name string, object any, dependencies ...*Node) (*Node, error) {
	if _, exists := g.names[name]; exists {
		return nil, fmt.Errorf("activation: node name %q already registered", name)
	}
	if object != nil {
		if _, exists := g.objects[object]; exists {
			return nil, fmt.Errorf("activation: object already registered under another name")
		}
	}
	n := &Node{
		name:     name,
		object:   object,
		graph:    g,
		children: append([]*Node(nil), dependencies...),
	}
	for _, dep := range dependencies {
		dep.parents = append(dep.parents, n)
	}
	g.names[name] = n
	if object != nil {
		g.objects[object] = n
	}
	return n, nil
}

// Node looks up a registered node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.names[name]
	return n, ok
}

// enqueue schedules n for (re)evaluation and drains the queue unless a
// drain is already in progress higher up the call stack (reentrancy from
// inside a callback coalesces into the same pass's remaining work).
func (g *Graph) enqueue(n *Node) {
	if g.queued[n] {
		return
	}
	g.queued[n] = true
	g.queue = append(g.queue, n)
	if !g.draining {
		g.drain()
	}
}

func (g *Graph) drain() {
	g.draining = true
	defer func() { g.draining = false }()
	for len(g.queue) > 0 {
		n := g.queue[0]
		g.queue = g.queue[1:]
		delete(g.queued, n)
		g.evaluate(n)
	}
}

// evaluate applies the state-machine transition for n given its current
// flags, and propagates to parents/children as needed.
func (g *Graph) evaluate(n *Node) {
	// eligible: every precondition for being (or becoming) active except
	// the node's own readiness gate, which makeActive itself drives (by
	// calling Activate() and waiting for a later MarkReady()).
	eligible := n.started && !n.stopRequested && g.allChildrenActive(n)

	switch {
	case !n.active && eligible:
		g.makeActive(n)
	case n.active && !(eligible && n.ready):
		g.makeInactive(n)
	case n.stopRequested && !n.active && !n.activating && !n.deactivating:
		g.finishStop(n)
	}
}

func (g *Graph) allChildrenActive(n *Node) bool {
	for _, c := range n.children {
		if !c.active {
			return false
		}
	}
	return true
}

func (g *Graph) makeActive(n *Node) {
	if n.ready {
		n.active = true
		n.activating = false
		for _, p := range n.parents {
			g.enqueue(p)
		}
		return
	}
	if n.activating {
		return // activation already in flight; MarkReady()/MarkNotReady() will re-trigger us
	}
	n.activating = true
	if a, ok := n.object.(Activatable); ok {
		if err := a.Activate(); err != nil {
			g.log.Error("activation: activate failed, stopping node", "node", n.name, "error", err)
			n.activating = false
			g.requestStop(n)
			return
		}
		// Activate may have called MarkReady() synchronously already, in
		// which case n.ready is now true and re-evaluation (already
		// enqueued by MarkReady()) will flip n.active on the next pass.
		return
	}
	// No Activatable behavior: the node is ready the instant its
	// dependencies are.
	n.ready = true
	g.enqueue(n)
}

func (g *Graph) makeInactive(n *Node) {
	wasActive := n.active
	n.active = false
	if wasActive {
		if a, ok := n.object.(Activatable); ok {
			n.deactivating = true
			if err := a.Deactivate(); err != nil {
				g.log.Error("activation: deactivate failed", "node", n.name, "error", err)
			}
			n.deactivating = false
		}
	}
	for _, p := range n.parents {
		g.enqueue(p)
	}
	if n.stopRequested {
		g.propagateStop(n)
	}
	g.enqueue(n)
}

// requestStop is the internal path used when Activate() fails: the node
// stops itself without waiting for an external caller.
func (g *Graph) requestStop(n *Node) {
	n.stopRequested = true
	g.enqueue(n)
}

func (g *Graph) propagateStop(n *Node) {
	for _, c := range n.children {
		if c.allParentsStopped() && !c.preventParentStop {
			c.Stop()
		}
	}
}

func (g *Graph) finishStop(n *Node) {
	n.started = false
	n.stopRequested = false
	g.propagateStop(n)
}
