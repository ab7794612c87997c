package gateway

import (
	"context"
	"fmt"
)

// NoContextAnswer is returned for questions asked with neither a concept
// nor a node pair to anchor them.
const NoContextAnswer = "请先选择一个概念进行探索，或者开始搜索来构建知识图谱。"

// AnswerQuery is a question plus the context it was asked in.
type AnswerQuery struct {
	Question string
	Concept  string
	Source   string
	Target   string
}

// QAer is the subset of Gateway needed to answer questions.
type QAer interface {
	QA(ctx context.Context, req QARequest) (QAResponse, error)
}

// Answer resolves q to one complete answer string. A distinct source and
// target ask about their relation; otherwise the concept anchors a general
// question; with neither, NoContextAnswer is returned without a call.
func Answer(ctx context.Context, g QAer, q AnswerQuery) (string, error) {
	var req QARequest
	switch {
	case q.Source != "" && q.Target != "" && q.Source != q.Target:
		req = QARequest{Concept: q.Concept, SourceNode: q.Source, TargetNode: q.Target, Question: q.Question}
	case q.Concept != "":
		req = QARequest{Concept: q.Concept, SourceNode: q.Concept, TargetNode: q.Concept, Question: q.Question}
	default:
		return NoContextAnswer, nil
	}

	res, err := g.QA(ctx, req)
	if err != nil {
		return "", fmt.Errorf("answering question: %w", err)
	}
	return res.Answer, nil
}
