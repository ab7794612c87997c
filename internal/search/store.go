package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/kalambet/crossdisc/internal/gateway"
	"github.com/kalambet/crossdisc/internal/storage"
)

// Gateway is the subset of the backend the store drives.
type Gateway interface {
	Classify(ctx context.Context, req gateway.ClassifyRequest) (gateway.ClassifyResult, error)
	StartSearch(ctx context.Context, req gateway.StartRequest) (gateway.StartResult, error)
	GetStatus(ctx context.Context, taskID string) (gateway.Observation, error)
	GetResults(ctx context.Context, taskID string, opts gateway.ResultOptions) (gateway.Results, error)
	Cancel(ctx context.Context, taskID string) (gateway.CancelResult, error)
}

// Recorder persists searches that reached a terminal status.
type Recorder interface {
	SaveSearch(r storage.SearchRecord) error
}

// TaskState is the lifecycle view of one background task. It is always
// replaced as a whole, never field by field.
type TaskState struct {
	TaskID         string
	Status         gateway.Status
	Progress       gateway.Progress
	PartialResults gateway.PartialResults
}

func initialTaskState() TaskState {
	return TaskState{
		Progress:       gateway.Progress{CurrentStage: "pending", Stages: map[string]gateway.StageProgress{}},
		PartialResults: gateway.PartialResults{ByDiscipline: map[string]int{}},
	}
}

func (t TaskState) clone() TaskState {
	t.Progress.Stages = maps.Clone(t.Progress.Stages)
	t.PartialResults.ByDiscipline = maps.Clone(t.PartialResults.ByDiscipline)
	return t
}

// Snapshot is a copy of the store state. Results is shared with the store
// and must not be modified.
type Snapshot struct {
	Concept            string
	PrimaryDiscipline  string
	Disciplines        Selection
	DefaultSelectedIDs []string
	SuggestedAdditions []gateway.SuggestedAddition

	IsClassifying bool
	ClassifyError string

	Task        TaskState
	Results     *gateway.Results
	IsSearching bool
	SearchError string
}

// DisciplineNames returns the selected discipline names in order.
func (s Snapshot) DisciplineNames() []string { return s.Disciplines.Names() }

// IsSearchInProgress reports whether the current task is pending or processing.
func (s Snapshot) IsSearchInProgress() bool { return s.Task.Status.Active() }

// IsSearchComplete reports whether the current task completed.
func (s Snapshot) IsSearchComplete() bool { return s.Task.Status == gateway.StatusCompleted }

func (s Snapshot) clone() Snapshot {
	s.Disciplines = s.Disciplines.clone()
	s.DefaultSelectedIDs = append([]string(nil), s.DefaultSelectedIDs...)
	s.SuggestedAdditions = append([]gateway.SuggestedAddition(nil), s.SuggestedAdditions...)
	s.Task = s.Task.clone()
	return s
}

func initialSnapshot() Snapshot {
	return Snapshot{Task: initialTaskState()}
}

// Store is the single source of truth for the current concept, its
// discipline selection and the search task launched from it.
//
// Every network call is made without holding the lock. Responses are
// tagged with the generation and task id they were issued for and are
// dropped with ErrTaskSuperseded if either changed in the meantime.
type Store struct {
	gw Gateway

	mu         sync.RWMutex
	state      Snapshot
	generation uint64
	classifyN  uint64 // bumped by each Classify and by Reset
	stopPoll   context.CancelFunc

	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	recorder     Recorder
	logger       *slog.Logger
}

// NewStore creates a Store backed by gw.
// If pollInterval is <= 0, it defaults to 2s.
func NewStore(gw Gateway, pollInterval time.Duration) *Store {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Store{
		gw:           gw,
		state:        initialSnapshot(),
		pollInterval: pollInterval,
		sleep:        sleepContext,
		logger:       slog.Default(),
	}
}

// SetRecorder installs a history recorder. Call before first use.
func (s *Store) SetRecorder(r Recorder) {
	s.recorder = r
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// --- Concept and discipline selection ---

// SetConcept replaces the current concept.
func (s *Store) SetConcept(concept string) {
	s.mu.Lock()
	s.state.Concept = concept
	s.mu.Unlock()
}

// SetDisciplines replaces the selection. Duplicate names keep the first entry.
func (s *Store) SetDisciplines(ds []gateway.Discipline) {
	s.mu.Lock()
	s.state.Disciplines = NewSelection(ds)
	s.mu.Unlock()
}

// AddDiscipline adds d unless a discipline with the same name is selected.
func (s *Store) AddDiscipline(d gateway.Discipline) {
	s.mu.Lock()
	s.state.Disciplines = s.state.Disciplines.Add(d)
	s.mu.Unlock()
}

// AddDisciplineName adds a bare discipline name.
func (s *Store) AddDisciplineName(name string) {
	s.mu.Lock()
	s.state.Disciplines = s.state.Disciplines.AddName(name)
	s.mu.Unlock()
}

// RemoveDiscipline removes the discipline named name, if selected.
func (s *Store) RemoveDiscipline(name string) {
	s.mu.Lock()
	s.state.Disciplines = s.state.Disciplines.Remove(name)
	s.mu.Unlock()
}

// DisciplineNames returns the selected discipline names in order.
func (s *Store) DisciplineNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Disciplines.Names()
}

// SelectDefaults narrows the selection to the disciplines the classifier
// marked as defaults. The selection is unchanged if none match.
func (s *Store) SelectDefaults() {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(s.state.DefaultSelectedIDs))
	for _, id := range s.state.DefaultSelectedIDs {
		want[id] = true
	}
	var sel Selection
	for _, d := range s.state.Disciplines {
		if want[d.ID] || want[d.Name] || d.IsDefaultSelected {
			sel = append(sel, d)
		}
	}
	if len(sel) > 0 {
		s.state.Disciplines = sel
	}
}

// --- Task lifecycle ---

// Classify asks the backend which disciplines apply to req.Concept and
// replaces the concept and selection with the answer. On failure the
// selection is left untouched and the error wraps ErrClassificationFailed.
// Zero MaxDisciplines and DefaultSelected default to 8 and 3.
func (s *Store) Classify(ctx context.Context, req gateway.ClassifyRequest) (gateway.ClassifyResult, error) {
	if req.MaxDisciplines <= 0 {
		req.MaxDisciplines = 8
	}
	if req.DefaultSelected <= 0 {
		req.DefaultSelected = 3
	}

	s.mu.Lock()
	s.state.IsClassifying = true
	s.state.ClassifyError = ""
	s.classifyN++
	n := s.classifyN
	s.mu.Unlock()

	res, err := s.gw.Classify(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n != s.classifyN {
		return res, ErrTaskSuperseded
	}
	s.state.IsClassifying = false
	if err != nil {
		s.state.ClassifyError = err.Error()
		s.logger.Warn("classification failed", "concept", req.Concept, "error", err)
		return gateway.ClassifyResult{}, fmt.Errorf("%w: %w", ErrClassificationFailed, err)
	}

	concept := res.Concept
	if concept == "" {
		concept = req.Concept
	}
	s.state.Concept = concept
	s.state.PrimaryDiscipline = res.PrimaryDiscipline
	s.state.Disciplines = NewSelection(res.Disciplines)
	s.state.DefaultSelectedIDs = append([]string{}, res.Defaults...)
	s.state.SuggestedAdditions = append([]gateway.SuggestedAddition{}, res.SuggestedAdditions...)
	return res, nil
}

// StartSearch launches a background search for the current concept and
// selection. It supersedes any previous task: late responses for it are
// discarded and its poll loop is stopped. If the start request fails, the
// previous task and results are restored.
func (s *Store) StartSearch(ctx context.Context, cfg gateway.SearchConfig) (gateway.StartResult, error) {
	s.mu.Lock()
	if s.state.Concept == "" {
		s.mu.Unlock()
		return gateway.StartResult{}, ErrNoConcept
	}
	if len(s.state.Disciplines) == 0 {
		s.mu.Unlock()
		return gateway.StartResult{}, ErrNoDisciplines
	}

	stop := s.stopPoll
	s.stopPoll = nil
	s.generation++
	gen := s.generation
	prevTask, prevResults := s.state.Task, s.state.Results
	s.state.Task = initialTaskState()
	s.state.Results = nil
	s.state.IsSearching = true
	s.state.SearchError = ""
	req := gateway.StartRequest{
		Concept:     s.state.Concept,
		Disciplines: s.state.Disciplines.clone(),
		Config:      cfg,
	}
	s.mu.Unlock()

	if stop != nil {
		stop()
	}

	res, err := s.gw.StartSearch(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		if err == nil {
			s.logger.Warn("discarding superseded search start", "task_id", res.TaskID)
		}
		return res, ErrTaskSuperseded
	}
	if err != nil {
		s.state.Task = prevTask
		s.state.Results = prevResults
		s.state.IsSearching = false
		s.state.SearchError = err.Error()
		return gateway.StartResult{}, fmt.Errorf("starting search: %w", err)
	}

	status := res.Status
	if status == "" {
		status = gateway.StatusPending
	}
	task := initialTaskState()
	task.TaskID = res.TaskID
	task.Status = status
	s.state.Task = task
	s.logger.Info("search started", "task_id", res.TaskID, "concept", req.Concept, "disciplines", len(req.Disciplines))
	return res, nil
}

// PollOnce fetches the current task's status and applies it.
func (s *Store) PollOnce(ctx context.Context) (gateway.Observation, error) {
	id, gen, err := s.activeTask()
	if err != nil {
		return gateway.Observation{}, err
	}
	return s.pollTask(ctx, id, gen)
}

// FetchResults fetches results for the current task and marks the search
// as no longer running. Options are passed through verbatim.
func (s *Store) FetchResults(ctx context.Context, opts gateway.ResultOptions) (gateway.Results, error) {
	id, gen, err := s.activeTask()
	if err != nil {
		return gateway.Results{}, err
	}
	return s.fetchTask(ctx, id, gen, opts)
}

// Cancel asks the backend to cancel the current task, then marks it
// cancelled locally and stops its poll loop. It is a no-op without a task.
// If the backend call fails nothing changes locally.
func (s *Store) Cancel(ctx context.Context) error {
	s.mu.RLock()
	id, gen := s.state.Task.TaskID, s.generation
	s.mu.RUnlock()
	if id == "" {
		return nil
	}

	if _, err := s.gw.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancelling task %s: %w", id, err)
	}

	s.mu.Lock()
	if gen != s.generation || s.state.Task.TaskID != id {
		s.mu.Unlock()
		return nil
	}
	var rec *storage.SearchRecord
	if !s.state.Task.Status.Terminal() {
		task := s.state.Task
		task.Status = gateway.StatusCancelled
		s.state.Task = task
		rec = s.recordLocked()
	}
	s.state.IsSearching = false
	stop := s.stopPoll
	s.stopPoll = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.record(rec)
	s.logger.Info("search cancelled", "task_id", id)
	return nil
}

// Reset restores the initial state and stops any running poll loop. It
// is safe to call at any time.
func (s *Store) Reset() {
	s.mu.Lock()
	stop := s.stopPoll
	s.stopPoll = nil
	s.generation++
	s.classifyN++
	s.state = initialSnapshot()
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (s *Store) activeTask() (string, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Task.TaskID == "" {
		return "", 0, ErrNoActiveTask
	}
	return s.state.Task.TaskID, s.generation, nil
}

// currentLocked reports whether (id, gen) still names the current task.
func (s *Store) currentLocked(id string, gen uint64) bool {
	return gen == s.generation && s.state.Task.TaskID == id
}

func (s *Store) pollTask(ctx context.Context, id string, gen uint64) (gateway.Observation, error) {
	obs, err := s.gw.GetStatus(ctx, id)
	if err != nil {
		return gateway.Observation{}, fmt.Errorf("polling task %s: %w", id, err)
	}
	rec, err := s.applyObservation(id, gen, obs)
	s.record(rec)
	return obs, err
}

func (s *Store) applyObservation(id string, gen uint64, obs gateway.Observation) (*storage.SearchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(id, gen) {
		s.logger.Debug("discarding stale observation", "task_id", id, "status", obs.Status)
		return nil, ErrTaskSuperseded
	}
	if obs.TaskID != "" && obs.TaskID != id {
		s.logger.Warn("observation for another task", "task_id", id, "observed", obs.TaskID)
		return nil, ErrTaskSuperseded
	}

	cur := s.state.Task
	if cur.Status.Terminal() {
		if obs.Status != cur.Status {
			s.logger.Warn("ignoring transition out of terminal state", "task_id", id, "status", cur.Status, "observed", obs.Status)
		}
		return nil, nil
	}
	if !validTransition(cur.Status, obs.Status) {
		s.logger.Warn("unexpected status transition", "task_id", id, "from", cur.Status, "to", obs.Status)
	}
	if obs.Progress.Overall < cur.Progress.Overall {
		s.logger.Debug("progress regressed", "task_id", id, "from", cur.Progress.Overall, "to", obs.Progress.Overall)
	}

	s.state.Task = TaskState{
		TaskID:         id,
		Status:         obs.Status,
		Progress:       obs.Progress,
		PartialResults: obs.PartialResults,
	}
	if obs.Status == gateway.StatusFailed || obs.Status == gateway.StatusCancelled {
		s.state.IsSearching = false
	}
	if obs.Status.Terminal() {
		return s.recordLocked(), nil
	}
	return nil, nil
}

func (s *Store) fetchTask(ctx context.Context, id string, gen uint64, opts gateway.ResultOptions) (gateway.Results, error) {
	res, err := s.gw.GetResults(ctx, id, opts)
	if err != nil {
		return gateway.Results{}, fmt.Errorf("fetching results for task %s: %w", id, err)
	}

	s.mu.Lock()
	if !s.currentLocked(id, gen) {
		s.mu.Unlock()
		return res, ErrTaskSuperseded
	}
	s.state.Results = &res
	s.state.IsSearching = false
	var rec *storage.SearchRecord
	if s.state.Task.Status == gateway.StatusCompleted {
		rec = s.recordLocked()
		if res.Summary.TotalChunks > rec.TotalChunks {
			rec.TotalChunks = res.Summary.TotalChunks
		}
	}
	s.mu.Unlock()

	s.record(rec)
	return res, nil
}

// validTransition reports whether from -> to is an edge of the task
// state machine. Repeating a non-terminal status is allowed.
func validTransition(from, to gateway.Status) bool {
	switch from {
	case "", gateway.StatusPending:
		return to == gateway.StatusPending || to == gateway.StatusProcessing || to.Terminal()
	case gateway.StatusProcessing:
		return to == gateway.StatusProcessing || to.Terminal()
	}
	return false
}

func (s *Store) recordLocked() *storage.SearchRecord {
	names, _ := json.Marshal(s.state.Disciplines.Names())
	return &storage.SearchRecord{
		TaskID:          s.state.Task.TaskID,
		Concept:         s.state.Concept,
		Disciplines:     string(names),
		Status:          string(s.state.Task.Status),
		TotalChunks:     s.state.Task.PartialResults.TotalChunksFound,
		ValidatedChunks: s.state.Task.PartialResults.ValidatedChunks,
		Error:           s.state.SearchError,
	}
}

func (s *Store) record(rec *storage.SearchRecord) {
	if rec == nil || s.recorder == nil {
		return
	}
	if err := s.recorder.SaveSearch(*rec); err != nil {
		s.logger.Warn("recording search", "task_id", rec.TaskID, "error", err)
	}
}
