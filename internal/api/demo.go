package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/crossdisc/internal/gateway"
)

var (
	errTaskNotFound    = errors.New("搜索任务不存在")
	errTaskNotFinished = errors.New("搜索任务未完成")
)

// demoStages are the processing stages a demo task walks through, one per
// status poll, before it completes.
var demoStages = []string{"search", "validation", "constructing", "ingesting"}

type demoTask struct {
	id          string
	concept     string
	disciplines []string
	config      gateway.SearchConfig
	status      gateway.Status
	stage       int
	createdAt   time.Time
	updatedAt   time.Time
	chunks      []gateway.Chunk
}

// DemoBackend is an in-memory stand-in for the search and knowledge
// services. Tasks advance one stage per status poll, so a client polling
// it sees the full lifecycle without any background work.
type DemoBackend struct {
	offline *gateway.Offline
	now     func() time.Time

	mu    sync.Mutex
	tasks map[string]*demoTask
}

// NewDemoBackend creates an empty demo backend serving graphs and answers
// from offline.
func NewDemoBackend(offline *gateway.Offline) *DemoBackend {
	if offline == nil {
		offline = gateway.NewOffline()
	}
	return &DemoBackend{offline: offline, now: time.Now, tasks: make(map[string]*demoTask)}
}

func (b *DemoBackend) Classify(ctx context.Context, req gateway.ClassifyRequest) (gateway.ClassifyResult, error) {
	return b.offline.Classify(ctx, req)
}

func (b *DemoBackend) GetGraph(ctx context.Context, concept string) (gateway.Graph, error) {
	return b.offline.GetGraph(ctx, concept)
}

func (b *DemoBackend) QA(ctx context.Context, req gateway.QARequest) (gateway.QAResponse, error) {
	return b.offline.QA(ctx, req)
}

// ListConcepts returns the offline concepts plus every concept a demo
// task completed for, sorted.
func (b *DemoBackend) ListConcepts(ctx context.Context) ([]string, error) {
	names, err := b.offline.ListConcepts(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}

	b.mu.Lock()
	for _, t := range b.tasks {
		if t.status == gateway.StatusCompleted && !seen[t.concept] {
			seen[t.concept] = true
			names = append(names, t.concept)
		}
	}
	b.mu.Unlock()

	sort.Strings(names)
	return names, nil
}

// StartSearch registers a pending task.
func (b *DemoBackend) StartSearch(_ context.Context, req gateway.StartRequest) (gateway.StartResult, error) {
	if req.Concept == "" {
		return gateway.StartResult{}, errors.New("concept is required")
	}
	if len(req.Disciplines) == 0 {
		return gateway.StartResult{}, errors.New("at least one discipline is required")
	}

	names := make([]string, len(req.Disciplines))
	for i, d := range req.Disciplines {
		names[i] = d.Name
	}
	cfg := req.Config
	if cfg.MaxResultsPerDiscipline <= 0 {
		cfg.MaxResultsPerDiscipline = gateway.DefaultSearchConfig().MaxResultsPerDiscipline
	}
	if cfg.EnableValidation == nil {
		cfg.EnableValidation = gateway.DefaultSearchConfig().EnableValidation
	}

	now := b.now().UTC()
	t := &demoTask{
		id:          uuid.New().String(),
		concept:     req.Concept,
		disciplines: names,
		config:      cfg,
		status:      gateway.StatusPending,
		createdAt:   now,
		updatedAt:   now,
	}

	b.mu.Lock()
	b.tasks[t.id] = t
	b.mu.Unlock()

	return gateway.StartResult{
		TaskID:                   t.id,
		Status:                   t.status,
		CreatedAt:                gateway.Timestamp{Time: now},
		EstimatedDurationSeconds: 2 * (len(demoStages) + 1),
	}, nil
}

// GetStatus advances the task by one stage and reports it.
func (b *DemoBackend) GetStatus(_ context.Context, taskID string) (gateway.Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return gateway.Observation{}, errTaskNotFound
	}
	if !t.status.Terminal() {
		b.advance(t)
	}
	return t.observation(), nil
}

func (b *DemoBackend) advance(t *demoTask) {
	t.updatedAt = b.now().UTC()
	if t.stage < len(demoStages) {
		t.status = gateway.StatusProcessing
		t.stage++
		return
	}
	t.status = gateway.StatusCompleted
	t.chunks = demoChunks(t)
}

func (t *demoTask) found() (total, validated int, byDiscipline map[string]int) {
	byDiscipline = make(map[string]int, len(t.disciplines))
	per := t.config.MaxResultsPerDiscipline
	if t.status != gateway.StatusCompleted {
		// Half the results per search-side stage, capped.
		per = min(per, int(math.Ceil(float64(per)*float64(t.stage)/2)))
	}
	for _, d := range t.disciplines {
		byDiscipline[d] = per
		total += per
	}
	if *t.config.EnableValidation && (t.stage > 1 || t.status == gateway.StatusCompleted) {
		validated = total * 4 / 5
	}
	return total, validated, byDiscipline
}

func (t *demoTask) observation() gateway.Observation {
	stages := make(map[string]gateway.StageProgress, len(demoStages))
	current := "pending"
	for i, name := range demoStages {
		switch {
		case t.status == gateway.StatusCompleted || i+1 < t.stage:
			stages[name] = "completed"
		case i+1 == t.stage:
			stages[name] = "in_progress"
			current = name
		default:
			stages[name] = "pending"
		}
	}
	overall := float64(t.stage) / float64(len(demoStages)+1)
	if t.status == gateway.StatusCompleted {
		current = "completed"
		overall = 1
	}

	total, validated, byDiscipline := t.found()
	started := t.createdAt
	return gateway.Observation{
		TaskID: t.id,
		Status: t.status,
		Progress: gateway.Progress{
			Overall:      overall,
			CurrentStage: current,
			Stages:       stages,
		},
		PartialResults: gateway.PartialResults{
			TotalChunksFound: total,
			ValidatedChunks:  validated,
			ByDiscipline:     byDiscipline,
		},
		StartedAt: &gateway.Timestamp{Time: started},
		UpdatedAt: gateway.Timestamp{Time: t.updatedAt},
	}
}

func demoChunks(t *demoTask) []gateway.Chunk {
	var chunks []gateway.Chunk
	for _, d := range t.disciplines {
		for i := range t.config.MaxResultsPerDiscipline {
			rel := math.Round((0.95-0.05*float64(i))*100) / 100
			chunks = append(chunks, gateway.Chunk{
				ID:         fmt.Sprintf("%s-%s-%d", t.id[:8], d, i+1),
				Content:    fmt.Sprintf("<p>%s在<b>%s</b>中的研究片段 #%d。</p>", t.concept, d, i+1),
				Discipline: d,
				Source: gateway.Source{
					URL:   fmt.Sprintf("https://example.org/%s/%d", d, i+1),
					Title: fmt.Sprintf("%s · %s 文献 %d", t.concept, d, i+1),
				},
				RelevanceScore: max(rel, 0.05),
				AcademicValue:  0.7,
				Validation: gateway.Validation{
					IsValidated: *t.config.EnableValidation,
					Confidence:  0.8,
				},
				ExtractedEntities: []string{t.concept, d},
			})
		}
	}
	return chunks
}

// GetResults pages through a completed task's chunks. Defaults follow the
// search service: page 1, page size 20 (at most 100).
func (b *DemoBackend) GetResults(_ context.Context, taskID string, opts gateway.ResultOptions) (gateway.Results, error) {
	b.mu.Lock()
	t, ok := b.tasks[taskID]
	if !ok {
		b.mu.Unlock()
		return gateway.Results{}, errTaskNotFound
	}
	if t.status != gateway.StatusCompleted {
		b.mu.Unlock()
		return gateway.Results{}, errTaskNotFinished
	}
	all := append([]gateway.Chunk(nil), t.chunks...)
	concept := t.concept
	b.mu.Unlock()

	page := max(opts.Page, 1)
	size := opts.PageSize
	if size <= 0 {
		size = 20
	}
	size = min(size, 100)

	var chunks []gateway.Chunk
	var relSum float64
	covered := map[string]bool{}
	for _, c := range all {
		if opts.Discipline != "" && c.Discipline != opts.Discipline {
			continue
		}
		if opts.MinRelevance != nil && c.RelevanceScore < *opts.MinRelevance {
			continue
		}
		chunks = append(chunks, c)
		relSum += c.RelevanceScore
		covered[c.Discipline] = true
	}

	total := len(chunks)
	summary := gateway.Summary{TotalChunks: total, DisciplinesCovered: len(covered)}
	if total > 0 {
		summary.AverageRelevance = relSum / float64(total)
	}

	start := min((page-1)*size, total)
	end := min(start+size, total)
	return gateway.Results{
		TaskID:  taskID,
		Concept: concept,
		Summary: summary,
		Chunks:  append([]gateway.Chunk{}, chunks[start:end]...),
		Pagination: gateway.Pagination{
			Page:       page,
			PageSize:   size,
			Total:      total,
			TotalPages: (total + size - 1) / size,
		},
	}, nil
}

// Cancel marks the task cancelled, whatever its state.
func (b *DemoBackend) Cancel(_ context.Context, taskID string) (gateway.CancelResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return gateway.CancelResult{}, errTaskNotFound
	}
	t.status = gateway.StatusCancelled
	t.updatedAt = b.now().UTC()
	return gateway.CancelResult{TaskID: taskID, Status: t.status}, nil
}
