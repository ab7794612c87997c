// Package graph holds the view state of a concept's knowledge graph.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/crossdisc/internal/gateway"
)

const (
	unknownGroup = "未知"
	defaultVal   = 15
)

// Fetcher is the subset of the backend the graph view reads from.
type Fetcher interface {
	GetGraph(ctx context.Context, concept string) (gateway.Graph, error)
	ListConcepts(ctx context.Context) ([]string, error)
}

// Node is a graph node shaped for display. Group is the node's first
// domain and Val its display weight.
type Node struct {
	ID           string
	Label        string
	Description  string
	Group        string
	Val          int
	Domains      []string
	SourceChunks []string
}

// Edge is a directed relation between two node ids.
type Edge struct {
	Source      string
	Target      string
	Relation    string
	Description string
}

// View is a copy of the graph view state.
type View struct {
	Concept    string
	Nodes      []Node
	Edges      []Edge
	TotalNodes int
	TotalEdges int
	Groups     []string
	Loading    bool
	Error      string

	SelectedNode *Node
	SelectedEdge *Edge

	AvailableConcepts []string
}

// Adapt converts a backend graph into display nodes and edges and the
// distinct groups in first-seen order.
func Adapt(g gateway.Graph) (nodes []Node, edges []Edge, groups []string) {
	seen := map[string]bool{}
	nodes = make([]Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		node := Node{
			ID:           n.ID,
			Label:        n.Label,
			Description:  n.Description,
			Group:        unknownGroup,
			Val:          n.Size,
			Domains:      append([]string{}, n.Domains...),
			SourceChunks: append([]string{}, n.SourceChunks...),
		}
		if len(n.Domains) > 0 && n.Domains[0] != "" {
			node.Group = n.Domains[0]
		}
		if node.Val <= 0 {
			node.Val = defaultVal
		}
		if node.Label == "" {
			node.Label = node.ID
		}
		if !seen[node.Group] {
			seen[node.Group] = true
			groups = append(groups, node.Group)
		}
		nodes = append(nodes, node)
	}

	edges = make([]Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, Edge(e))
	}
	return nodes, edges, groups
}

// Store tracks the graph currently on display and the selection in it.
type Store struct {
	fetcher Fetcher
	logger  *slog.Logger

	mu    sync.RWMutex
	view  View
	fetch uint64
}

// NewStore creates an empty graph view backed by f.
func NewStore(f Fetcher) *Store {
	return &Store{fetcher: f, logger: slog.Default()}
}

// View returns a copy of the current view.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.view
	v.Nodes = append([]Node(nil), v.Nodes...)
	v.Edges = append([]Edge(nil), v.Edges...)
	v.Groups = append([]string(nil), v.Groups...)
	v.AvailableConcepts = append([]string(nil), v.AvailableConcepts...)
	if v.SelectedNode != nil {
		n := *v.SelectedNode
		v.SelectedNode = &n
	}
	if v.SelectedEdge != nil {
		e := *v.SelectedEdge
		v.SelectedEdge = &e
	}
	return v
}

// Fetch loads the graph for concept. On failure the view is cleared and
// the error recorded. A fetch overtaken by a later one is not applied.
func (s *Store) Fetch(ctx context.Context, concept string) (View, error) {
	s.mu.Lock()
	s.fetch++
	id := s.fetch
	s.view.Concept = concept
	s.view.Loading = true
	s.view.Error = ""
	s.mu.Unlock()

	g, err := s.fetcher.GetGraph(ctx, concept)

	s.mu.Lock()
	if id != s.fetch {
		s.mu.Unlock()
		return s.View(), nil
	}
	s.view.Loading = false
	s.view.SelectedNode = nil
	s.view.SelectedEdge = nil
	if err != nil {
		s.view.Nodes, s.view.Edges, s.view.Groups = nil, nil, nil
		s.view.TotalNodes, s.view.TotalEdges = 0, 0
		s.view.Error = err.Error()
		s.mu.Unlock()
		s.logger.Warn("fetching graph failed", "concept", concept, "error", err)
		return s.View(), fmt.Errorf("fetching graph for %q: %w", concept, err)
	}

	nodes, edges, groups := Adapt(g)
	s.view.Nodes, s.view.Edges, s.view.Groups = nodes, edges, groups
	s.view.TotalNodes = g.TotalNodes
	if s.view.TotalNodes == 0 {
		s.view.TotalNodes = len(nodes)
	}
	s.view.TotalEdges = g.TotalEdges
	if s.view.TotalEdges == 0 {
		s.view.TotalEdges = len(edges)
	}
	s.mu.Unlock()
	return s.View(), nil
}

// AvailableConcepts refreshes and returns the concepts with a built graph.
func (s *Store) AvailableConcepts(ctx context.Context) ([]string, error) {
	names, err := s.fetcher.ListConcepts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing concepts: %w", err)
	}
	s.mu.Lock()
	s.view.AvailableConcepts = append([]string{}, names...)
	s.mu.Unlock()
	return names, nil
}

// SelectNode selects the node with id and clears any edge selection.
func (s *Store) SelectNode(id string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.view.Nodes {
		if n.ID == id {
			s.view.SelectedNode = &n
			s.view.SelectedEdge = nil
			return n, true
		}
	}
	return Node{}, false
}

// SelectEdge selects the edge from source to target and clears any node
// selection.
func (s *Store) SelectEdge(source, target string) (Edge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.view.Edges {
		if e.Source == source && e.Target == target {
			s.view.SelectedEdge = &e
			s.view.SelectedNode = nil
			return e, true
		}
	}
	return Edge{}, false
}

// ClearSelection drops both node and edge selection.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	s.view.SelectedNode = nil
	s.view.SelectedEdge = nil
	s.mu.Unlock()
}

// Neighbors returns the edges touching node id.
func (s *Store) Neighbors(id string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Edge
	for _, e := range s.view.Edges {
		if e.Source == id || e.Target == id {
			out = append(out, e)
		}
	}
	return out
}
