package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a background search task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the task is still queued or running.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Discipline is a subject area attached to a concept.
//
// It decodes from either a bare JSON string or the full object form; both
// go through NamedDiscipline so the rest of the code sees one shape.
type Discipline struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	RelevanceScore    float64  `json:"relevance_score"`
	Reason            string   `json:"reason"`
	SearchKeywords    []string `json:"search_keywords"`
	IsPrimary         bool     `json:"is_primary"`
	IsDefaultSelected bool     `json:"is_default_selected,omitempty"`
}

// NamedDiscipline expands a bare discipline name into the full shape.
func NamedDiscipline(name string) Discipline {
	return Discipline{
		ID:             name,
		Name:           name,
		RelevanceScore: 1.0,
		SearchKeywords: []string{},
	}
}

func (d *Discipline) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*d = NamedDiscipline(name)
		return nil
	}

	type plain Discipline
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = p.Name
	}
	if p.SearchKeywords == nil {
		p.SearchKeywords = []string{}
	}
	*d = Discipline(p)
	return nil
}

// SuggestedAddition is a discipline the classifier thinks may also apply.
type SuggestedAddition struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ClassifyRequest is the body for POST /search/plan.
type ClassifyRequest struct {
	Concept         string  `json:"concept"`
	MaxDisciplines  int     `json:"max_disciplines"`
	MinRelevance    float64 `json:"min_relevance"`
	DefaultSelected int     `json:"default_selected"`
}

// ClassifyResult is the classification of a concept into disciplines.
type ClassifyResult struct {
	Concept            string              `json:"concept"`
	PrimaryDiscipline  string              `json:"primary_discipline"`
	Disciplines        []Discipline        `json:"disciplines"`
	Defaults           []string            `json:"defaults"`
	SuggestedAdditions []SuggestedAddition `json:"suggested_additions"`
}

// SearchConfig tunes a background search. Zero values are replaced by
// the backend defaults when the request is built.
type SearchConfig struct {
	Depth                   string `json:"depth"`
	MaxResultsPerDiscipline int    `json:"max_results_per_discipline"`
	EnableValidation        *bool  `json:"enable_validation"`
}

// DefaultSearchConfig returns the configuration the backend assumes.
func DefaultSearchConfig() SearchConfig {
	enabled := true
	return SearchConfig{Depth: "medium", MaxResultsPerDiscipline: 10, EnableValidation: &enabled}
}

func (c SearchConfig) withDefaults() SearchConfig {
	def := DefaultSearchConfig()
	if c.Depth == "" {
		c.Depth = def.Depth
	}
	if c.MaxResultsPerDiscipline <= 0 {
		c.MaxResultsPerDiscipline = def.MaxResultsPerDiscipline
	}
	if c.EnableValidation == nil {
		c.EnableValidation = def.EnableValidation
	}
	return c
}

// StartRequest describes a search to launch.
type StartRequest struct {
	Concept     string
	Disciplines []Discipline
	Config      SearchConfig
}

type disciplineInput struct {
	Name           string   `json:"name"`
	SearchKeywords []string `json:"search_keywords"`
}

type startBody struct {
	Concept      string            `json:"concept"`
	Disciplines  []disciplineInput `json:"disciplines"`
	SearchConfig SearchConfig      `json:"search_config"`
}

// StartResult is returned when the backend accepts a search.
type StartResult struct {
	TaskID                   string    `json:"task_id"`
	Status                   Status    `json:"status"`
	CreatedAt                Timestamp `json:"created_at"`
	EstimatedDurationSeconds int       `json:"estimated_duration_seconds"`
}

// Timestamp is a backend time. The search service sends naive UTC times
// without a zone ("2025-01-01T12:00:00.123456"); RFC 3339 is accepted too.
// null and "" decode to the zero time.
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		ts.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		ts.Time = time.Time{}
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		ts.Time = t
		return nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			ts.Time = t
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", s)
}

// StageProgress is the progress of one pipeline stage. The backend sends
// either a state word ("in_progress", "completed") or a number.
type StageProgress string

func (p *StageProgress) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = StageProgress(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("stage progress: %w", err)
	}
	*p = StageProgress(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

// Progress is the progress breakdown of a task.
type Progress struct {
	Overall      float64                  `json:"overall"`
	CurrentStage string                   `json:"current_stage"`
	Stages       map[string]StageProgress `json:"stages"`
}

// PartialResults counts what a running task has found so far.
type PartialResults struct {
	TotalChunksFound int            `json:"total_chunks_found"`
	ValidatedChunks  int            `json:"validated_chunks"`
	ByDiscipline     map[string]int `json:"by_discipline"`
}

// Observation is one status report for a task.
type Observation struct {
	TaskID         string         `json:"task_id"`
	Status         Status         `json:"status"`
	Progress       Progress       `json:"progress"`
	PartialResults PartialResults `json:"partial_results"`
	StartedAt      *Timestamp     `json:"started_at,omitempty"`
	UpdatedAt      Timestamp      `json:"updated_at"`
}

func (o *Observation) normalize() {
	if o.Progress.Stages == nil {
		o.Progress.Stages = map[string]StageProgress{}
	}
	if o.PartialResults.ByDiscipline == nil {
		o.PartialResults.ByDiscipline = map[string]int{}
	}
}

// ResultOptions filters and paginates search results. Zero values are
// omitted from the query string.
type ResultOptions struct {
	Page         int
	PageSize     int
	Discipline   string
	MinRelevance *float64
}

// Source is where a chunk was retrieved from.
type Source struct {
	URL           string `json:"url"`
	Title         string `json:"title,omitempty"`
	PublishedDate string `json:"published_date,omitempty"`
}

// Validation records whether a chunk passed validation.
type Validation struct {
	IsValidated bool    `json:"is_validated"`
	Confidence  float64 `json:"confidence"`
	Notes       string  `json:"notes,omitempty"`
}

// Chunk is one unit of retrieved content.
type Chunk struct {
	ID                string     `json:"id"`
	Content           string     `json:"content"`
	Discipline        string     `json:"discipline"`
	Source            Source     `json:"source"`
	RelevanceScore    float64    `json:"relevance_score"`
	AcademicValue     float64    `json:"academic_value"`
	Validation        Validation `json:"validation"`
	ExtractedEntities []string   `json:"extracted_entities"`
}

// Summary aggregates a finished search.
type Summary struct {
	TotalChunks        int     `json:"total_chunks"`
	DisciplinesCovered int     `json:"disciplines_covered"`
	AverageRelevance   float64 `json:"average_relevance"`
}

// Pagination describes one page of results.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Results is one page of a finished search.
type Results struct {
	TaskID     string     `json:"task_id"`
	Concept    string     `json:"concept"`
	Summary    Summary    `json:"summary"`
	Chunks     []Chunk    `json:"chunks"`
	Pagination Pagination `json:"pagination"`
}

// CancelResult acknowledges a cancel request.
type CancelResult struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
}

// GraphNode is a node as the backend reports it.
type GraphNode struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	Description  string   `json:"description"`
	Domains      []string `json:"domains"`
	Size         int      `json:"size"`
	SourceChunks []string `json:"source_chunks"`
}

// GraphEdge is a relation between two nodes.
type GraphEdge struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Relation    string `json:"relation"`
	Description string `json:"description"`
}

// Graph is the knowledge graph built for a concept.
type Graph struct {
	Concept    string      `json:"concept"`
	Nodes      []GraphNode `json:"nodes"`
	Edges      []GraphEdge `json:"edges"`
	TotalNodes int         `json:"total_nodes"`
	TotalEdges int         `json:"total_edges"`
}

// QARequest asks the knowledge engine about a relation.
type QARequest struct {
	Concept    string `json:"concept"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
	Question   string `json:"question,omitempty"`
}

// QAResponse is the complete answer to a QARequest.
type QAResponse struct {
	Concept    string `json:"concept"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
}

type conceptList struct {
	Concepts []string `json:"concepts"`
}
