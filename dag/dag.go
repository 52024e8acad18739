// Package dag renders a transaction's steps as a directed graph for diagnostics.
package dag

import (
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

// Graph is a directed graph whose graph, nodes and edges carry DOT attributes.
type Graph struct {
	*simple.DirectedGraph
	name  string
	attrs encoding.Attributes
}

// New creates an empty graph. name becomes the DOT graph title.
func New(name string) *Graph {
	return &Graph{DirectedGraph: simple.NewDirectedGraph(), name: name}
}

// AddNamedNode adds a node with the given DOT id and attributes.
func (g *Graph) AddNamedNode(id string, attrs ...encoding.Attribute) (*Node, error) {
	n := &Node{Node: g.DirectedGraph.NewNode(), id: id}
	for _, a := range attrs {
		if err := n.SetAttribute(a); err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
	}
	g.DirectedGraph.AddNode(n)
	return n, nil
}

// Connect adds an edge from -> to.
func (g *Graph) Connect(from, to *Node, attrs ...encoding.Attribute) error {
	if from == nil || to == nil {
		return fmt.Errorf("node does not exist")
	}
	e := &Edge{Edge: g.DirectedGraph.NewEdge(from, to)}
	for _, a := range attrs {
		if err := e.SetAttribute(a); err != nil {
			return err
		}
	}
	g.SetEdge(e)
	return nil
}

// NodeByID returns the node with the given DOT id.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	nodes := g.Nodes()
	for nodes.Next() {
		if n, ok := nodes.Node().(*Node); ok && n.id == id {
			return n, true
		}
	}
	return nil, false
}

func (g *Graph) Attributes() []encoding.Attribute {
	return g.attrs.Attributes()
}

func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.attrs.SetAttribute(attr)
}

// DOTAttributers implements dot.Attributers.
func (g *Graph) DOTAttributers() (graph, node, edge encoding.Attributer) {
	return &g.attrs, &encoding.Attributes{{Key: "shape", Value: "box"}}, &encoding.Attributes{}
}

// ExportToDot renders the graph in Graphviz format.
func (g *Graph) ExportToDot() (string, error) {
	data, err := dot.Marshal(g, g.name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export graph to DOT format: %w", err)
	}
	return string(data), nil
}

// Node is a graph node with a stable DOT id.
type Node struct {
	graph.Node
	id    string
	attrs encoding.Attributes
}

// DOTID implements dot.Node.
func (n *Node) DOTID() string { return n.id }

// Attribute returns the value of key, or "" if unset.
func (n *Node) Attribute(key string) string {
	for _, a := range n.attrs {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// Edge is a graph edge carrying DOT attributes.
type Edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *Edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *Edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}
