package gateway

import (
	"context"
	"fmt"
	"log/slog"
)

// Policy decides what happens when a read-only call cannot reach the backend.
type Policy string

const (
	// PolicyPropagate returns every transport error to the caller.
	PolicyPropagate Policy = "propagate"
	// PolicyOffline answers classify, graph, concept list and QA from the
	// offline dataset when the backend is unreachable.
	PolicyOffline Policy = "offline"
)

// ParsePolicy validates a policy name. The empty string means propagate.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyPropagate:
		return PolicyPropagate, nil
	case PolicyOffline:
		return PolicyOffline, nil
	}
	return "", fmt.Errorf("unknown fallback policy %q (want %q or %q)", s, PolicyPropagate, PolicyOffline)
}

// Fallback applies one Policy uniformly to every read-only operation of
// the wrapped Gateway. Task lifecycle operations always propagate.
type Fallback struct {
	Gateway
	policy  Policy
	offline *Offline
	logger  *slog.Logger
}

// NewFallback wraps next with policy. With PolicyPropagate the wrapper is
// a transparent pass-through.
func NewFallback(next Gateway, policy Policy, offline *Offline) *Fallback {
	if offline == nil {
		offline = NewOffline()
	}
	return &Fallback{Gateway: next, policy: policy, offline: offline, logger: slog.Default()}
}

func (f *Fallback) useOffline(op string, err error) bool {
	if f.policy != PolicyOffline || !IsTransport(err) {
		return false
	}
	f.logger.Warn("backend unreachable, serving offline data", "op", op, "error", err)
	return true
}

func (f *Fallback) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error) {
	res, err := f.Gateway.Classify(ctx, req)
	if err != nil && f.useOffline("classify", err) {
		return f.offline.Classify(ctx, req)
	}
	return res, err
}

func (f *Fallback) GetGraph(ctx context.Context, concept string) (Graph, error) {
	g, err := f.Gateway.GetGraph(ctx, concept)
	if err != nil && f.useOffline("get graph", err) {
		return f.offline.GetGraph(ctx, concept)
	}
	return g, err
}

func (f *Fallback) ListConcepts(ctx context.Context) ([]string, error) {
	names, err := f.Gateway.ListConcepts(ctx)
	if err != nil && f.useOffline("list concepts", err) {
		return f.offline.ListConcepts(ctx)
	}
	return names, err
}

func (f *Fallback) QA(ctx context.Context, req QARequest) (QAResponse, error) {
	res, err := f.Gateway.QA(ctx, req)
	if err != nil && f.useOffline("qa", err) {
		return f.offline.QA(ctx, req)
	}
	return res, err
}
