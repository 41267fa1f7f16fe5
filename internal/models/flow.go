package models

import (
	"fmt"
)

// FlowDefinition is the serialized form of a flow as produced by the editor.
type FlowDefinition struct {
	ID          string `json:"id"`
	Version     string `json:"version,omitempty"`
	Name        string `json:"name,omitempty"`
	EntryNodeID string `json:"entry_node_id,omitempty"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
}

// Flow is the validated, read-only graph of one flow version.
type Flow struct {
	id       string
	version  string
	name     string
	entry    string
	order    []string
	nodes    map[string]Node
	edges    []Edge
	outgoing map[string][]Edge
}

// NewFlow validates a definition and builds its graph. Every violation of the graph
// invariants is reported as a *MalformedFlowError.
func NewFlow(def FlowDefinition) (*Flow, error) {
	malformed := func(format string, args ...interface{}) error {
		return &MalformedFlowError{FlowID: def.ID, Reason: fmt.Sprintf(format, args...)}
	}
	if def.ID == "" {
		return nil, malformed("flow id is empty")
	}
	if len(def.Nodes) == 0 {
		return nil, malformed("flow has no nodes")
	}

	f := &Flow{
		id:       def.ID,
		version:  def.Version,
		name:     def.Name,
		nodes:    make(map[string]Node, len(def.Nodes)),
		outgoing: make(map[string][]Edge),
	}

	var starts []string
	for _, n := range def.Nodes {
		if n.ID == "" {
			return nil, malformed("node with empty id")
		}
		if _, dup := f.nodes[n.ID]; dup {
			return nil, malformed("duplicate node id %q", n.ID)
		}
		if n.Data == nil {
			data, err := newNodeData(n.Type)
			if err != nil {
				return nil, malformed("node %q: %v", n.ID, err)
			}
			n.Data = data
		}
		if n.Data.NodeType() != n.Type {
			return nil, malformed("node %q: type %q does not match payload %q", n.ID, n.Type, n.Data.NodeType())
		}
		if err := n.Data.validate(); err != nil {
			return nil, malformed("node %q: %v", n.ID, err)
		}
		if n.Type == NodeTypeStart {
			starts = append(starts, n.ID)
		}
		f.nodes[n.ID] = n
		f.order = append(f.order, n.ID)
	}

	for i, e := range def.Edges {
		if _, ok := f.nodes[e.Source]; !ok {
			return nil, malformed("edge %d references unknown source %q", i, e.Source)
		}
		if _, ok := f.nodes[e.Target]; !ok {
			return nil, malformed("edge %d references unknown target %q", i, e.Target)
		}
		f.edges = append(f.edges, e)
		f.outgoing[e.Source] = append(f.outgoing[e.Source], e)
	}

	for _, id := range f.order {
		if j, ok := f.nodes[id].Data.(*JumpData); ok && j.TargetFlowID == "" {
			if _, exists := f.nodes[j.TargetNodeID]; !exists {
				return nil, malformed("jump %q targets unknown node %q", id, j.TargetNodeID)
			}
		}
	}

	switch {
	case def.EntryNodeID != "":
		if _, ok := f.nodes[def.EntryNodeID]; !ok {
			return nil, malformed("entry node %q does not exist", def.EntryNodeID)
		}
		f.entry = def.EntryNodeID
	case len(starts) == 1:
		f.entry = starts[0]
	case len(starts) == 0:
		return nil, malformed("no entry node: set entry_node_id or add a start node")
	default:
		return nil, malformed("ambiguous entry: %d start nodes and no entry_node_id", len(starts))
	}

	return f, nil
}

// ID returns the flow id.
func (f *Flow) ID() string { return f.id }

// Version returns the flow version label, if any.
func (f *Flow) Version() string { return f.version }

// Name returns the human readable flow name, if any.
func (f *Flow) Name() string { return f.name }

// EntryNodeID returns the id of the designated entry node.
func (f *Flow) EntryNodeID() string { return f.entry }

// Len returns the number of nodes.
func (f *Flow) Len() int { return len(f.nodes) }

// Node returns the node with the given id, or an error wrapping ErrNodeNotFound.
func (f *Flow) Node(id string) (Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("flow %s: node %q: %w", f.id, id, ErrNodeNotFound)
	}
	return n, nil
}

// HasNode reports whether the flow contains a node with the given id.
func (f *Flow) HasNode(id string) bool {
	_, ok := f.nodes[id]
	return ok
}

// OutgoingEdges returns a copy of the edges leaving the node, in definition order.
func (f *Flow) OutgoingEdges(id string) []Edge {
	edges := f.outgoing[id]
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

// Definition returns a serializable copy of the flow.
func (f *Flow) Definition() FlowDefinition {
	def := FlowDefinition{ID: f.id, Version: f.version, Name: f.name, EntryNodeID: f.entry}
	for _, id := range f.order {
		def.Nodes = append(def.Nodes, f.nodes[id])
	}
	def.Edges = append(def.Edges, f.edges...)
	return def
}
