package activation

// Node is one component's position in the activation DAG. See spec.md §3
// "Activator node" for the invariants this type maintains:
//
//	active ⇒ ready ∧ started ∧ ∀c∈children. c.active
//	¬active ∧ (activating ∨ deactivating) ⇒ object is Activatable
//
// Children are dependencies (must be active before this node can be);
// parents are dependents, re-evaluated whenever this node's active state
// changes.
type Node struct {
	name   string
	object any
	graph  *Graph

	children []*Node
	parents  []*Node

	ready             bool
	started           bool
	activating        bool
	deactivating      bool
	active            bool
	stopRequested     bool
	notReadyReason    string
	preventParentStop bool
}

// Name returns the node's registered name.
func (n *Node) Name() string { return n.name }

// Active reports whether the node is currently active.
func (n *Node) Active() bool { return n.active }

// Ready reports whether the node's own readiness gate is set (independent
// of its children's activity).
func (n *Node) Ready() bool { return n.ready }

// NotReadyReason returns the diagnostic reason passed to the most recent
// NotReady call, if the node is not ready.
func (n *Node) NotReadyReason() string { return n.notReadyReason }

// SetPreventParentStop controls whether a parent's Stop() is allowed to
// recurse into this node when this is the parent's only active dependent
// relationship; true pins the node up regardless of parent state.
func (n *Node) SetPreventParentStop(prevent bool) {
	n.preventParentStop = prevent
}

// Start marks the node (and, recursively, any not-yet-started child) as
// started, which is a precondition for becoming active.
func (n *Node) Start() {
	if n.started {
		return
	}
	n.started = true
	for _, c := range n.children {
		c.Start()
	}
	n.graph.enqueue(n)
}

// Stop requests the node deactivate and, once inactive, recurses to each
// child whose other parents are all stopped and which doesn't prevent
// parent-initiated stop.
func (n *Node) Stop() {
	if n.stopRequested {
		return
	}
	n.stopRequested = true
	n.graph.enqueue(n)
}

// MarkReady signals that the wrapped object has finished activating (or
// was never doing asynchronous work to begin with). Safe to call from
// inside Activate() or at any later time.
func (n *Node) MarkReady() {
	n.ready = true
	n.notReadyReason = ""
	n.graph.enqueue(n)
}

// MarkNotReady signals the object is not (or no longer) ready, with a
// diagnostic reason retained for operators. If the node was active, this
// drives it inactive (invoking Deactivate if Activatable) and propagates
// upward.
func (n *Node) MarkNotReady(reason string) {
	n.ready = false
	n.notReadyReason = reason
	n.graph.enqueue(n)
}

// allParentsStopped reports whether every parent of this node has had
// Stop() called (stopRequested) or was never started.
func (n *Node) allParentsStopped() bool {
	for _, p := range n.parents {
		if p.started && !p.stopRequested {
			return false
		}
	}
	return true
}
