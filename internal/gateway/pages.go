package gateway

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ResultsFetcher is the subset of Gateway needed to page through results.
type ResultsFetcher interface {
	GetResults(ctx context.Context, taskID string, opts ResultOptions) (Results, error)
}

// maxResultPages bounds how many pages CollectChunks will fetch.
const maxResultPages = 1000

// CollectChunks fetches every page of a finished task's results and
// returns the chunks in page order. opts.Page is ignored. The first page
// is fetched alone to learn the page count; the rest run concurrently.
func CollectChunks(ctx context.Context, f ResultsFetcher, taskID string, opts ResultOptions) ([]Chunk, error) {
	opts.Page = 1
	first, err := f.GetResults(ctx, taskID, opts)
	if err != nil {
		return nil, err
	}
	pages := resultPages(first.Pagination)
	if pages <= 1 {
		return first.Chunks, nil
	}
	if pages > maxResultPages {
		return nil, fmt.Errorf("task %s reports %d result pages, more than %d", taskID, pages, maxResultPages)
	}

	byPage := make([][]Chunk, pages)
	byPage[0] = first.Chunks

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to keep the backend responsive.

	for p := 2; p <= pages; p++ {
		pageOpts := opts
		pageOpts.Page = p
		g.Go(func() error {
			res, err := f.GetResults(gCtx, taskID, pageOpts)
			if err != nil {
				return fmt.Errorf("fetching page %d: %w", pageOpts.Page, err)
			}
			byPage[pageOpts.Page-1] = res.Chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Chunk
	for _, chunks := range byPage {
		all = append(all, chunks...)
	}
	return all, nil
}

// resultPages is the reported page count, capped by the count implied by
// Total and PageSize when the backend sends both.
func resultPages(p Pagination) int {
	pages := p.TotalPages
	if p.Total > 0 && p.PageSize > 0 {
		pages = min(pages, (p.Total+p.PageSize-1)/p.PageSize)
	}
	return pages
}
