package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cached memoizes the idempotent reads of a Gateway: classification,
// graphs and the concept list. Task status, results and QA pass through.
type Cached struct {
	Gateway
	cache *cache.Cache
}

// NewCached wraps next with a TTL cache. Expired entries are purged every
// 2*ttl.
func NewCached(next Gateway, ttl time.Duration) *Cached {
	return &Cached{Gateway: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *Cached) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error) {
	key := fmt.Sprintf("classify|%s|%d|%g|%d", req.Concept, req.MaxDisciplines, req.MinRelevance, req.DefaultSelected)
	if v, ok := c.cache.Get(key); ok {
		return v.(ClassifyResult), nil
	}
	res, err := c.Gateway.Classify(ctx, req)
	if err != nil {
		return ClassifyResult{}, err
	}
	c.cache.Set(key, res, cache.DefaultExpiration)
	return res, nil
}

func (c *Cached) GetGraph(ctx context.Context, concept string) (Graph, error) {
	key := "graph|" + concept
	if v, ok := c.cache.Get(key); ok {
		return v.(Graph), nil
	}
	g, err := c.Gateway.GetGraph(ctx, concept)
	if err != nil {
		return Graph{}, err
	}
	c.cache.Set(key, g, cache.DefaultExpiration)
	return g, nil
}

func (c *Cached) ListConcepts(ctx context.Context) ([]string, error) {
	const key = "concepts"
	if v, ok := c.cache.Get(key); ok {
		return v.([]string), nil
	}
	names, err := c.Gateway.ListConcepts(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, names, cache.DefaultExpiration)
	return names, nil
}

// Flush drops every cached entry.
func (c *Cached) Flush() {
	c.cache.Flush()
}
