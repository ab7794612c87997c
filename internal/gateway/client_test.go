package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

// newEnvelopeServer serves `{"code":200,"message":"success","data":<resp>}`
// for each "METHOD /path" key and records every request.
func newEnvelopeServer(t *testing.T, responses map[string]string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, recordedRequest{Method: r.Method, Path: r.URL.RequestURI(), Body: string(body)})

		key := r.Method + " " + r.URL.Path
		data, ok := responses[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"Task not found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":200,"message":"success","data":` + data + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestClassify(t *testing.T) {
	srv, reqs := newEnvelopeServer(t, map[string]string{
		"POST /api/search/plan": `{
			"concept":"熵","primary_discipline":"物理学",
			"defaults":["物理学"],
			"disciplines":[
				{"id":"物理学","name":"物理学","relevance_score":0.95,"reason":"核心","search_keywords":["entropy"],"is_primary":true,"is_default_selected":true},
				"信息论"
			]
		}`,
	})

	c := New(srv.URL+"/api", 0)
	res, err := c.Classify(context.Background(), ClassifyRequest{Concept: "熵", MaxDisciplines: 8, MinRelevance: 0.3, DefaultSelected: 3})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	if res.PrimaryDiscipline != "物理学" {
		t.Errorf("PrimaryDiscipline = %q, want 物理学", res.PrimaryDiscipline)
	}
	if len(res.Disciplines) != 2 {
		t.Fatalf("got %d disciplines, want 2", len(res.Disciplines))
	}
	if !res.Disciplines[0].IsPrimary || res.Disciplines[0].RelevanceScore != 0.95 {
		t.Errorf("Disciplines[0] = %+v", res.Disciplines[0])
	}
	bare := res.Disciplines[1]
	if bare.Name != "信息论" || bare.ID != "信息论" || bare.RelevanceScore != 1.0 || bare.Reason != "" {
		t.Errorf("bare discipline not normalized: %+v", bare)
	}
	if res.SuggestedAdditions == nil {
		t.Error("SuggestedAdditions should default to empty, got nil")
	}

	var body map[string]any
	if err := json.Unmarshal([]byte((*reqs)[0].Body), &body); err != nil {
		t.Fatalf("body parse: %v", err)
	}
	if body["max_disciplines"] != float64(8) || body["default_selected"] != float64(3) {
		t.Errorf("request body = %v", body)
	}
}

func TestStartSearch_DefaultsAndDisciplineShape(t *testing.T) {
	srv, reqs := newEnvelopeServer(t, map[string]string{
		"POST /api/search/start": `{"task_id":"task-1","status":"pending","created_at":"2026-01-01T00:00:00Z","estimated_duration_seconds":30}`,
	})

	c := New(srv.URL+"/api", 0)
	res, err := c.StartSearch(context.Background(), StartRequest{
		Concept:     "熵",
		Disciplines: []Discipline{NamedDiscipline("物理学"), {Name: "信息论", SearchKeywords: []string{"shannon"}}},
	})
	if err != nil {
		t.Fatalf("StartSearch: %v", err)
	}
	if res.TaskID != "task-1" || res.Status != StatusPending {
		t.Errorf("result = %+v", res)
	}

	var body struct {
		Concept     string `json:"concept"`
		Disciplines []struct {
			Name           string   `json:"name"`
			SearchKeywords []string `json:"search_keywords"`
		} `json:"disciplines"`
		SearchConfig struct {
			Depth                   string `json:"depth"`
			MaxResultsPerDiscipline int    `json:"max_results_per_discipline"`
			EnableValidation        bool   `json:"enable_validation"`
		} `json:"search_config"`
	}
	if err := json.Unmarshal([]byte((*reqs)[0].Body), &body); err != nil {
		t.Fatalf("body parse: %v", err)
	}
	if body.SearchConfig.Depth != "medium" || body.SearchConfig.MaxResultsPerDiscipline != 10 || !body.SearchConfig.EnableValidation {
		t.Errorf("search_config = %+v, want defaults", body.SearchConfig)
	}
	if len(body.Disciplines) != 2 || body.Disciplines[1].SearchKeywords[0] != "shannon" {
		t.Errorf("disciplines = %+v", body.Disciplines)
	}
	if body.Disciplines[0].SearchKeywords == nil {
		t.Error("search_keywords should be [] not null")
	}
}

func TestGetStatus_NormalizesMaps(t *testing.T) {
	srv, _ := newEnvelopeServer(t, map[string]string{
		"GET /api/search/status/task-1": `{
			"task_id":"task-1","status":"processing",
			"progress":{"overall":40,"current_stage":"validation","stages":{"search":"completed","validation":0.5}},
			"partial_results":{"total_chunks_found":12,"validated_chunks":4},
			"updated_at":"2026-01-01T00:00:05Z"
		}`,
	})

	c := New(srv.URL+"/api", 0)
	obs, err := c.GetStatus(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if obs.Status != StatusProcessing || obs.Progress.Overall != 40 {
		t.Errorf("obs = %+v", obs)
	}
	if obs.Progress.Stages["search"] != "completed" || obs.Progress.Stages["validation"] != "0.5" {
		t.Errorf("stages = %v", obs.Progress.Stages)
	}
	if obs.PartialResults.ByDiscipline == nil {
		t.Error("ByDiscipline should be an empty map, got nil")
	}
}

func TestStartSearch_NaiveTimestamp(t *testing.T) {
	srv, _ := newEnvelopeServer(t, map[string]string{
		"POST /api/search/start": `{"task_id":"task-1","status":"pending","created_at":"2025-01-01T12:00:00.123456","estimated_duration_seconds":30}`,
	})

	c := New(srv.URL+"/api", 0)
	res, err := c.StartSearch(context.Background(), StartRequest{
		Concept:     "熵",
		Disciplines: []Discipline{NamedDiscipline("物理学")},
	})
	if err != nil {
		t.Fatalf("StartSearch: %v", err)
	}
	want := time.Date(2025, 1, 1, 12, 0, 0, 123456000, time.UTC)
	if !res.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", res.CreatedAt, want)
	}
}

func TestGetStatus_NaiveTimestamps(t *testing.T) {
	srv, _ := newEnvelopeServer(t, map[string]string{
		"GET /api/search/status/task-1": `{
			"task_id":"task-1","status":"processing",
			"progress":{"overall":0.2,"current_stage":"search","stages":{}},
			"partial_results":{"total_chunks_found":0,"validated_chunks":0,"by_discipline":{}},
			"started_at":"2025-01-01T12:00:00.123456",
			"updated_at":"2025-01-01T12:00:05"
		}`,
	})

	c := New(srv.URL+"/api", 0)
	obs, err := c.GetStatus(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if obs.StartedAt == nil || !obs.StartedAt.Equal(time.Date(2025, 1, 1, 12, 0, 0, 123456000, time.UTC)) {
		t.Errorf("StartedAt = %v", obs.StartedAt)
	}
	if !obs.UpdatedAt.Equal(time.Date(2025, 1, 1, 12, 0, 5, 0, time.UTC)) {
		t.Errorf("UpdatedAt = %v", obs.UpdatedAt)
	}
}

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: `"2026-01-01T00:00:05Z"`, want: time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)},
		{in: `"2026-01-01T08:00:05+08:00"`, want: time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)},
		{in: `"2025-01-01T12:00:00.123456"`, want: time.Date(2025, 1, 1, 12, 0, 0, 123456000, time.UTC)},
		{in: `"2025-01-01T12:00:00"`, want: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)},
		{in: `"2025-01-01 12:00:00.5"`, want: time.Date(2025, 1, 1, 12, 0, 0, 500000000, time.UTC)},
		{in: `null`},
		{in: `""`},
		{in: `"yesterday"`, wantErr: true},
		{in: `42`, wantErr: true},
	}
	for _, tt := range tests {
		var ts Timestamp
		err := json.Unmarshal([]byte(tt.in), &ts)
		if (err != nil) != tt.wantErr {
			t.Errorf("Unmarshal(%s) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !ts.Equal(tt.want) {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.in, ts.Time, tt.want)
		}
	}
}

func TestGetResults_QueryString(t *testing.T) {
	srv, reqs := newEnvelopeServer(t, map[string]string{
		"GET /api/search/results/task-1": `{"task_id":"task-1","concept":"熵","summary":{"total_chunks":1,"disciplines_covered":1},"chunks":[{"id":"c1","content":"x","discipline":"物理学","source":{"url":"https://a"}}],"pagination":{"page":2,"page_size":5,"total":6,"total_pages":2}}`,
	})

	minRel := 0.5
	c := New(srv.URL+"/api", 0)
	res, err := c.GetResults(context.Background(), "task-1", ResultOptions{Page: 2, PageSize: 5, Discipline: "物理学", MinRelevance: &minRel})
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if len(res.Chunks) != 1 || res.Pagination.TotalPages != 2 {
		t.Errorf("res = %+v", res)
	}

	path := (*reqs)[0].Path
	for _, want := range []string{"page=2", "page_size=5", "min_relevance=0.5", "discipline="} {
		if !strings.Contains(path, want) {
			t.Errorf("path %q missing %q", path, want)
		}
	}
}

func TestGetResults_NoOptionsNoQuery(t *testing.T) {
	srv, reqs := newEnvelopeServer(t, map[string]string{
		"GET /api/search/results/task-1": `{"task_id":"task-1","chunks":null,"pagination":{"page":1,"page_size":20,"total":0,"total_pages":0}}`,
	})

	c := New(srv.URL+"/api", 0)
	res, err := c.GetResults(context.Background(), "task-1", ResultOptions{})
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if (*reqs)[0].Path != "/api/search/results/task-1" {
		t.Errorf("path = %q, want no query string", (*reqs)[0].Path)
	}
	if res.Chunks == nil {
		t.Error("Chunks should be empty, got nil")
	}
}

func TestCancel_UsesDelete(t *testing.T) {
	srv, reqs := newEnvelopeServer(t, map[string]string{
		"DELETE /api/search/tasks/task-1": `{"task_id":"task-1","status":"cancelled"}`,
	})

	c := New(srv.URL+"/api", 0)
	res, err := c.Cancel(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.Status != StatusCancelled {
		t.Errorf("status = %q", res.Status)
	}
	if (*reqs)[0].Method != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", (*reqs)[0].Method)
	}
}

func TestGetGraph_EscapesConcept(t *testing.T) {
	srv, reqs := newEnvelopeServer(t, map[string]string{
		"GET /api/graph/black hole": `{"concept":"black hole","nodes":[{"id":"n1","label":"N1","domains":["物理学"],"size":12}],"edges":[],"total_nodes":1,"total_edges":0}`,
	})

	c := New(srv.URL+"/api", 0)
	g, err := c.GetGraph(context.Background(), "black hole")
	if err != nil {
		t.Fatalf("GetGraph: %v", err)
	}
	if len(g.Nodes) != 1 || g.Nodes[0].Size != 12 {
		t.Errorf("graph = %+v", g)
	}
	if !strings.Contains((*reqs)[0].Path, "black%20hole") {
		t.Errorf("path = %q, want escaped concept", (*reqs)[0].Path)
	}
}

func TestErrorDetail(t *testing.T) {
	srv, _ := newEnvelopeServer(t, nil)

	c := New(srv.URL+"/api", 0)
	_, err := c.GetStatus(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	var ge *Error
	if !errors.As(err, &ge) {
		t.Fatalf("error %T is not *gateway.Error", err)
	}
	if ge.StatusCode != http.StatusNotFound || ge.Message != "Task not found" {
		t.Errorf("error = %+v", ge)
	}
}

func TestErrorFallbackMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	_, err := c.ListConcepts(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "HTTP 502") {
		t.Errorf("error = %q, want HTTP 502 fallback", err)
	}
}

func TestEnvelopeErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":500,"message":"engine offline","data":null}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	_, err := c.QA(context.Background(), QARequest{Concept: "熵", SourceNode: "a", TargetNode: "b"})
	if err == nil || !strings.Contains(err.Error(), "engine offline") {
		t.Errorf("error = %v, want envelope message", err)
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL, 0)
	_, err := c.Classify(context.Background(), ClassifyRequest{Concept: "熵"})
	if !IsTransport(err) {
		t.Errorf("error = %v, want transport error", err)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newEnvelopeServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	if err := New(srv.URL, 0).Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}
