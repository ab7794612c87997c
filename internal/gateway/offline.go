package gateway

import (
	"context"
	"sort"
	"strings"
)

// Offline serves canned data for the read-only operations. It backs the
// "offline" fallback policy and the demo backend.
type Offline struct {
	graphs map[string]Graph
}

// defaultGraphKey names the graph returned for unknown concepts.
const defaultGraphKey = "默认"

// NewOffline returns the built-in offline dataset.
func NewOffline() *Offline {
	return &Offline{graphs: map[string]Graph{
		"熵": buildGraph("熵",
			[]offlineNode{
				{"熵", "核心", 20},
				{"热力学", "物理学", 15},
				{"统计力学", "物理学", 12},
				{"信息论", "计算机科学", 15},
				{"香农熵", "计算机科学", 10},
				{"玻尔兹曼熵", "物理学", 10},
				{"最大熵原理", "统计学", 8},
				{"生命与熵", "生物学", 10},
				{"耗散结构", "化学", 8},
				{"麦克斯韦妖", "物理学", 8},
				{"数据压缩", "计算机科学", 6},
			},
			[][2]string{
				{"熵", "热力学"}, {"熵", "信息论"}, {"熵", "统计力学"},
				{"热力学", "玻尔兹曼熵"}, {"信息论", "香农熵"}, {"统计力学", "玻尔兹曼熵"},
				{"信息论", "数据压缩"}, {"统计力学", "最大熵原理"}, {"热力学", "麦克斯韦妖"},
				{"熵", "生命与熵"}, {"热力学", "耗散结构"}, {"生命与熵", "耗散结构"},
			},
		),
		defaultGraphKey: buildGraph(defaultGraphKey,
			[]offlineNode{
				{"查询词", "核心", 20},
				{"概念A", "领域1", 10},
				{"概念B", "领域2", 10},
				{"概念C", "领域3", 10},
			},
			[][2]string{
				{"查询词", "概念A"}, {"查询词", "概念B"}, {"查询词", "概念C"}, {"概念A", "概念B"},
			},
		),
	}}
}

type offlineNode struct {
	id     string
	domain string
	size   int
}

func buildGraph(concept string, nodes []offlineNode, edges [][2]string) Graph {
	g := Graph{Concept: concept}
	for _, n := range nodes {
		g.Nodes = append(g.Nodes, GraphNode{
			ID:           n.id,
			Label:        n.id,
			Domains:      []string{n.domain},
			Size:         n.size,
			SourceChunks: []string{},
		})
	}
	for _, e := range edges {
		g.Edges = append(g.Edges, GraphEdge{Source: e[0], Target: e[1], Relation: "相关"})
	}
	g.TotalNodes = len(g.Nodes)
	g.TotalEdges = len(g.Edges)
	return g
}

var offlineAnswer = strings.Join([]string{
	"根据**知识图谱**的关联分析，这个概念横跨了多个学科。",
	"在**热力学**中，它代表系统的无序程度（S = k ln Ω）。",
	"而在**信息论**中，它度量的是信息的不确定性（H = -Σ p(x) log p(x)）。",
	"有趣的是，这两个定义在数学形式上是惊人一致的。",
	"这种跨学科的联系暗示了物理世界与信息世界深层的统一性。",
}, "\n")

var offlineDisciplines = []string{"物理学", "计算机科学", "统计学", "生物学"}

// Classify returns a fixed discipline list for any concept.
func (o *Offline) Classify(_ context.Context, req ClassifyRequest) (ClassifyResult, error) {
	res := ClassifyResult{
		Concept:            req.Concept,
		PrimaryDiscipline:  offlineDisciplines[0],
		Defaults:           []string{},
		SuggestedAdditions: []SuggestedAddition{},
	}
	limit := len(offlineDisciplines)
	if req.MaxDisciplines > 0 && req.MaxDisciplines < limit {
		limit = req.MaxDisciplines
	}
	for i, name := range offlineDisciplines[:limit] {
		d := NamedDiscipline(name)
		d.IsPrimary = i == 0
		d.RelevanceScore = 1.0 - 0.1*float64(i)
		if i < req.DefaultSelected || (req.DefaultSelected <= 0 && i < 3) {
			d.IsDefaultSelected = true
			res.Defaults = append(res.Defaults, d.ID)
		}
		res.Disciplines = append(res.Disciplines, d)
	}
	return res, nil
}

// GetGraph returns the canned graph for concept, or the default graph.
func (o *Offline) GetGraph(_ context.Context, concept string) (Graph, error) {
	if g, ok := o.graphs[concept]; ok {
		return g, nil
	}
	g := o.graphs[defaultGraphKey]
	g.Concept = concept
	return g, nil
}

// ListConcepts returns the concepts with a canned graph.
func (o *Offline) ListConcepts(context.Context) ([]string, error) {
	var names []string
	for k := range o.graphs {
		if k != defaultGraphKey {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names, nil
}

// QA returns the canned answer.
func (o *Offline) QA(_ context.Context, req QARequest) (QAResponse, error) {
	return QAResponse{
		Concept:    req.Concept,
		SourceNode: req.SourceNode,
		TargetNode: req.TargetNode,
		Question:   req.Question,
		Answer:     offlineAnswer,
	}, nil
}
