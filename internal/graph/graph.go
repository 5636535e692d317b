// Package graph models the dataset hierarchy (dataset -> parent -> group ->
// overall) as an arena of nodes addressed by integer index.
package graph

import (
	"fmt"
	"sort"
)

// Kind is the level of a node in the hierarchy.
type Kind int

const (
	KindOverall Kind = iota
	KindGroup
	KindParent
	KindDataset
)

func (k Kind) String() string {
	switch k {
	case KindOverall:
		return "overall"
	case KindGroup:
		return "group"
	case KindParent:
		return "parent"
	case KindDataset:
		return "dataset"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// NodeID indexes Graph.nodes. None marks the absent parent of the root.
type NodeID int

const None NodeID = -1

// Node is one vertex. Edges point from a node to its Parent.
type Node struct {
	ID       NodeID
	Name     string
	Kind     Kind
	Parent   NodeID
	Children []NodeID
	// Own is set on datasets whose buffer references turbine geometry.
	Own bool
}

// Graph is an arena of nodes rooted at the overall node (index 0). It is
// built single-threaded by the catalog resolver and read-only afterwards.
type Graph struct {
	nodes     []Node
	byName    map[string][]NodeID
	dependent []bool
	closed    bool
}

// New returns a graph holding only the overall root.
func New(overallName string) *Graph {
	g := &Graph{byName: map[string][]NodeID{}}
	g.add(overallName, KindOverall, None, false)
	return g
}

// Overall returns the root node id.
func (g *Graph) Overall() NodeID { return 0 }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns a copy of the node at id.
func (g *Graph) Node(id NodeID) Node { return g.nodes[id] }

func (g *Graph) add(name string, kind Kind, parent NodeID, own bool) NodeID {
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, Node{ID: id, Name: name, Kind: kind, Parent: parent, Own: own})
	if parent != None {
		g.nodes[parent].Children = append(g.nodes[parent].Children, id)
	}
	g.byName[name] = append(g.byName[name], id)
	g.closed = false
	return id
}

func (g *Graph) child(parent NodeID, name string, kind Kind) (NodeID, bool) {
	for _, c := range g.nodes[parent].Children {
		if g.nodes[c].Name == name && g.nodes[c].Kind == kind {
			return c, true
		}
	}
	return None, false
}

// AddGroup returns the group named name, creating it under overall if needed.
func (g *Graph) AddGroup(name string) NodeID {
	if id, ok := g.child(g.Overall(), name, KindGroup); ok {
		return id
	}
	return g.add(name, KindGroup, g.Overall(), false)
}

// AddParent returns the parent named name inside group, creating it if needed.
func (g *Graph) AddParent(group NodeID, name string) (NodeID, error) {
	if g.nodes[group].Kind != KindGroup {
		return None, fmt.Errorf("graph: parent %q must sit under a group, not a %s", name, g.nodes[group].Kind)
	}
	if id, ok := g.child(group, name, KindParent); ok {
		return id, nil
	}
	return g.add(name, KindParent, group, false), nil
}

// AddDataset adds a leaf under a group or parent. Dataset names are unique.
func (g *Graph) AddDataset(under NodeID, name string, dependent bool) (NodeID, error) {
	switch g.nodes[under].Kind {
	case KindGroup, KindParent:
	default:
		return None, fmt.Errorf("graph: dataset %q cannot sit under a %s", name, g.nodes[under].Kind)
	}
	if _, ok := g.Dataset(name); ok {
		return None, fmt.Errorf("graph: duplicate dataset %q", name)
	}
	return g.add(name, KindDataset, under, dependent), nil
}

// Dataset looks up a leaf by name.
func (g *Graph) Dataset(name string) (NodeID, bool) {
	for _, id := range g.byName[name] {
		if g.nodes[id].Kind == KindDataset {
			return id, true
		}
	}
	return None, false
}

// Lookup returns every node with the given name, in insertion order.
func (g *Graph) Lookup(name string) []NodeID {
	return append([]NodeID(nil), g.byName[name]...)
}

// ByKind returns all nodes of a kind in insertion order.
func (g *Graph) ByKind(kind Kind) []NodeID {
	var out []NodeID
	for _, n := range g.nodes {
		if n.Kind == kind {
			out = append(out, n.ID)
		}
	}
	return out
}

// Ancestors returns the nodes above id, nearest first, ending at overall.
func (g *Graph) Ancestors(id NodeID) []NodeID {
	var out []NodeID
	for p := g.nodes[id].Parent; p != None; p = g.nodes[p].Parent {
		out = append(out, p)
	}
	return out
}

// PathToRoot returns id followed by its ancestors.
func (g *Graph) PathToRoot(id NodeID) []NodeID {
	return append([]NodeID{id}, g.Ancestors(id)...)
}

// Descendants returns every node below id in breadth-first order.
func (g *Graph) Descendants(id NodeID) []NodeID {
	var out []NodeID
	queue := append([]NodeID(nil), g.nodes[id].Children...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		queue = append(queue, g.nodes[n].Children...)
	}
	return out
}

// Leaves returns the datasets at or below id.
func (g *Graph) Leaves(id NodeID) []NodeID {
	if g.nodes[id].Kind == KindDataset {
		return []NodeID{id}
	}
	var out []NodeID
	for _, d := range g.Descendants(id) {
		if g.nodes[d].Kind == KindDataset {
			out = append(out, d)
		}
	}
	return out
}

// Close computes turbine dependence: a node is dependent when it or any
// descendant leaf is. It must be called after the last Add.
func (g *Graph) Close() {
	g.dependent = make([]bool, len(g.nodes))
	// children always have larger indices than their parent
	for i := len(g.nodes) - 1; i >= 0; i-- {
		n := g.nodes[i]
		if n.Own {
			g.dependent[i] = true
		}
		if g.dependent[i] && n.Parent != None {
			g.dependent[n.Parent] = true
		}
	}
	g.closed = true
}

// Dependent reports whether the node's artifacts vary with turbine geometry.
func (g *Graph) Dependent(id NodeID) bool {
	if !g.closed {
		g.Close()
	}
	return g.dependent[id]
}

// Prune removes groups and parents without any dataset beneath them and
// returns the compacted graph.
func (g *Graph) Prune() *Graph {
	keep := make([]bool, len(g.nodes))
	keep[0] = true
	for _, id := range g.ByKind(KindDataset) {
		for _, p := range g.PathToRoot(id) {
			keep[p] = true
		}
	}
	out := New(g.nodes[0].Name)
	remap := map[NodeID]NodeID{0: 0}
	for _, n := range g.nodes[1:] {
		if !keep[n.ID] {
			continue
		}
		parent := remap[n.Parent]
		remap[n.ID] = out.add(n.Name, n.Kind, parent, n.Own)
	}
	out.Close()
	return out
}

// Names returns the sorted names of the given nodes.
func (g *Graph) Names(ids []NodeID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id].Name)
	}
	sort.Strings(out)
	return out
}
