package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/kalambet/crossdisc/internal/chat"
	"github.com/kalambet/crossdisc/internal/config"
	"github.com/kalambet/crossdisc/internal/gateway"
	"github.com/kalambet/crossdisc/internal/graph"
	"github.com/kalambet/crossdisc/internal/search"
)

var ctx = context.Background()

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	return config.Config{
		Gateway: config.GatewayConfig{
			BaseURL:  baseURL,
			Timeout:  5 * time.Second,
			Fallback: "propagate",
		},
		Search: config.SearchConfig{
			PollInterval:            time.Millisecond,
			Depth:                   "medium",
			MaxResultsPerDiscipline: 2,
			EnableValidation:        true,
		},
		Classify: config.ClassifyConfig{
			MaxDisciplines:  8,
			MinRelevance:    0.3,
			DefaultSelected: 3,
		},
		Storage: config.StorageConfig{DataDir: t.TempDir()},
		Log:     config.LogConfig{Level: "error"},
		Demo:    config.DemoConfig{Port: 8000},
	}
}

// newTestApp wires an app against an in-process demo agent.
func newTestApp(t *testing.T) *app {
	t.Helper()
	srv := httptest.NewServer(newDemoRouter())
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL+"/api")
	a, err := buildApp(cfg, gateway.New(cfg.Gateway.BaseURL, cfg.Gateway.Timeout))
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	if a.history == nil {
		t.Fatal("history store not opened")
	}
	t.Cleanup(a.Close)
	return a
}

func withOutput(t *testing.T, format string) {
	t.Helper()
	old := outputFormat
	outputFormat = format
	t.Cleanup(func() { outputFormat = old })
}

func newTestSearch(a *app) *search.Store {
	st := search.NewStore(a.gw, a.cfg.Search.PollInterval)
	st.SetRecorder(a.history)
	return st
}

func TestBuildApp_InvalidFallback(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/api")
	cfg.Gateway.Fallback = "sometimes"
	if _, err := buildApp(cfg, gateway.New(cfg.Gateway.BaseURL, time.Second)); err == nil {
		t.Fatal("expected error for unknown fallback policy")
	}
}

func TestRunClassify(t *testing.T) {
	withOutput(t, "text")
	a := newTestApp(t)

	var buf bytes.Buffer
	if err := runClassify(ctx, a, &buf, "熵"); err != nil {
		t.Fatalf("runClassify: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"熵", "primary: 物理学", "计算机科学", "统计学"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunSearch_DefaultDisciplines(t *testing.T) {
	withOutput(t, "text")
	a := newTestApp(t)

	var buf bytes.Buffer
	if err := runSearch(ctx, a, newTestSearch(a), &buf, "熵", nil); err != nil {
		t.Fatalf("runSearch: %v", err)
	}
	if !strings.Contains(buf.String(), "6 chunks from 3 disciplines") {
		t.Errorf("unexpected summary:\n%s", buf.String())
	}

	recs, err := a.history.RecentSearches(5)
	if err != nil {
		t.Fatalf("RecentSearches: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("recorded %d searches, want 1", len(recs))
	}
	if recs[0].Status != "completed" || recs[0].Concept != "熵" {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestRunSearch_ExplicitDisciplinesYAML(t *testing.T) {
	withOutput(t, "yaml")
	a := newTestApp(t)

	var buf bytes.Buffer
	if err := runSearch(ctx, a, newTestSearch(a), &buf, "熵", []string{"物理学", " 哲学 "}); err != nil {
		t.Fatalf("runSearch: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "concept: 熵") {
		t.Errorf("yaml output missing concept:\n%s", out)
	}
	if strings.Contains(out, "计算机科学") {
		t.Errorf("unselected discipline in results:\n%s", out)
	}
}

func TestRunSearch_CancelledContext(t *testing.T) {
	withOutput(t, "text")
	a := newTestApp(t)
	a.cfg.Search.PollInterval = time.Hour

	cctx, cancel := context.WithCancel(ctx)
	st := search.NewStore(a.gw, a.cfg.Search.PollInterval)
	done := make(chan error, 1)
	go func() {
		done <- runSearch(cctx, a, st, &bytes.Buffer{}, "熵", []string{"物理学"})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for st.Snapshot().Task.TaskID == "" {
		if time.Now().After(deadline) {
			t.Fatal("search never started")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runSearch after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runSearch did not return after cancel")
	}

	obs, err := a.gw.GetStatus(ctx, st.Snapshot().Task.TaskID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if obs.Status != gateway.StatusCancelled {
		t.Errorf("remote status = %q, want %q", obs.Status, gateway.StatusCancelled)
	}
}

func TestRunResults(t *testing.T) {
	a := newTestApp(t)

	withOutput(t, "text")
	if err := runSearch(ctx, a, newTestSearch(a), &bytes.Buffer{}, "熵", nil); err != nil {
		t.Fatalf("runSearch: %v", err)
	}
	recs, _ := a.history.RecentSearches(1)
	taskID := recs[0].TaskID

	t.Run("all pages as json", func(t *testing.T) {
		withOutput(t, "json")
		var buf bytes.Buffer
		if err := runResults(ctx, a, &buf, taskID, gateway.ResultOptions{PageSize: 4}, true); err != nil {
			t.Fatalf("runResults: %v", err)
		}
		var chunks []gateway.Chunk
		if err := json.Unmarshal(buf.Bytes(), &chunks); err != nil {
			t.Fatalf("decoding output: %v\n%s", err, buf.String())
		}
		if len(chunks) != 6 {
			t.Errorf("got %d chunks, want 6", len(chunks))
		}
	})

	t.Run("single page as text", func(t *testing.T) {
		withOutput(t, "text")
		var buf bytes.Buffer
		if err := runResults(ctx, a, &buf, taskID, gateway.ResultOptions{Page: 2, PageSize: 4}, false); err != nil {
			t.Fatalf("runResults: %v", err)
		}
		out := buf.String()
		if !strings.Contains(out, "5. ") || !strings.Contains(out, "page 2 of 2") {
			t.Errorf("unexpected page output:\n%s", out)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		err := runResults(ctx, a, &bytes.Buffer{}, "no-such-task", gateway.ResultOptions{}, false)
		if err == nil {
			t.Fatal("expected error")
		}
		var gerr *gateway.Error
		if !errors.As(err, &gerr) || gerr.StatusCode != 404 {
			t.Errorf("err = %v, want 404 gateway error", err)
		}
	})
}

func TestRunGraph(t *testing.T) {
	withOutput(t, "text")
	a := newTestApp(t)
	gs := graph.NewStore(a.gw)

	var buf bytes.Buffer
	if err := runGraph(ctx, gs, &buf, "熵"); err != nil {
		t.Fatalf("runGraph: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "11 nodes, 12 edges") {
		t.Errorf("missing counts:\n%s", out)
	}
	if !strings.Contains(out, "信息论 —相关→ 香农熵") {
		t.Errorf("missing edge:\n%s", out)
	}

	buf.Reset()
	if err := runConcepts(ctx, gs, &buf); err != nil {
		t.Fatalf("runConcepts: %v", err)
	}
	if !strings.Contains(buf.String(), "熵") {
		t.Errorf("concept list = %q", buf.String())
	}
}

func TestRunAsk(t *testing.T) {
	a := newTestApp(t)

	t.Run("no concept", func(t *testing.T) {
		var buf bytes.Buffer
		conv := newConversation(a, &buf)
		if err := runAsk(ctx, conv, &buf, "这是什么？", "", ""); err != nil {
			t.Fatalf("runAsk: %v", err)
		}
		if got := strings.TrimSpace(buf.String()); got != gateway.NoContextAnswer {
			t.Errorf("answer = %q, want %q", got, gateway.NoContextAnswer)
		}
	})

	t.Run("about edge", func(t *testing.T) {
		var buf bytes.Buffer
		conv := newConversation(a, &buf)
		conv.SetConcept("熵")
		if err := runAsk(ctx, conv, &buf, "", "", "热力学,信息论"); err != nil {
			t.Fatalf("runAsk: %v", err)
		}
		if !strings.Contains(buf.String(), "热力学") {
			t.Errorf("answer = %q", buf.String())
		}
		exs, err := a.history.RecentExchanges(5)
		if err != nil {
			t.Fatalf("RecentExchanges: %v", err)
		}
		if len(exs) == 0 || exs[0].Source != "热力学" || exs[0].Target != "信息论" {
			t.Errorf("exchanges = %+v", exs)
		}
	})

	t.Run("bad edge", func(t *testing.T) {
		conv := newConversation(a, &bytes.Buffer{})
		if err := runAsk(ctx, conv, &bytes.Buffer{}, "q", "", "onlyone"); err == nil {
			t.Fatal("expected error for malformed edge")
		}
	})
}

func TestParseEdge(t *testing.T) {
	tests := []struct {
		in      string
		want    graph.Edge
		wantErr bool
	}{
		{in: "a,b", want: graph.Edge{Source: "a", Target: "b"}},
		{in: "a, b ,类比", want: graph.Edge{Source: "a", Target: "b", Relation: "类比"}},
		{in: "a", wantErr: true},
		{in: ",b", wantErr: true},
		{in: "a,b,c,d", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseEdge(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseEdge(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseEdge(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestREPL(t *testing.T) {
	a := newTestApp(t)

	var out bytes.Buffer
	r := &repl{
		conv:  newConversation(a, &out),
		graph: graph.NewStore(a.gw),
		out:   &out,
	}
	in := strings.NewReader("/concept 熵\n\n/node 信息论\n/clear\n/quit\nnever sent\n")
	if err := r.run(ctx, in); err != nil {
		t.Fatalf("run: %v", err)
	}

	s := out.String()
	if !strings.Contains(s, chat.Greeting) {
		t.Error("greeting not printed")
	}
	if !strings.Contains(s, "信息论 —相关→ 香农熵") {
		t.Errorf("neighbors of selected node not printed:\n%s", s)
	}
	if got := len(r.conv.Messages()); got != 0 {
		t.Errorf("messages after /clear = %d, want 0", got)
	}
	if v := r.graph.View(); v.SelectedNode == nil || v.SelectedNode.ID != "信息论" {
		t.Errorf("selected node = %+v", v.SelectedNode)
	}
}

func TestHistoryCommands(t *testing.T) {
	withOutput(t, "text")
	a := newTestApp(t)

	var buf bytes.Buffer
	if err := runHistorySearches(a.history, &buf, 10); err != nil {
		t.Fatalf("runHistorySearches: %v", err)
	}
	if !strings.Contains(buf.String(), "No searches recorded.") {
		t.Errorf("empty history output = %q", buf.String())
	}

	if err := runSearch(ctx, a, newTestSearch(a), &bytes.Buffer{}, "熵", []string{"物理学"}); err != nil {
		t.Fatalf("runSearch: %v", err)
	}
	conv := newConversation(a, &bytes.Buffer{})
	conv.SetConcept("熵")
	conv.SendMessage(ctx, "熵是什么？")

	withOutput(t, "json")
	buf.Reset()
	if err := runHistorySearches(a.history, &buf, 10); err != nil {
		t.Fatalf("runHistorySearches: %v", err)
	}
	var entries []searchEntry
	if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
		t.Fatalf("decoding: %v\n%s", err, buf.String())
	}
	if len(entries) != 1 || len(entries[0].Disciplines) != 1 || entries[0].Disciplines[0] != "物理学" {
		t.Errorf("entries = %+v", entries)
	}

	withOutput(t, "text")
	buf.Reset()
	if err := runHistoryExchanges(a.history, &buf, 10); err != nil {
		t.Fatalf("runHistoryExchanges: %v", err)
	}
	if !strings.Contains(buf.String(), "Q: 熵是什么？") {
		t.Errorf("exchanges output:\n%s", buf.String())
	}
}

func TestRunConfigShow(t *testing.T) {
	withOutput(t, "json")
	cfg := testConfig(t, "http://example.test/api")

	var buf bytes.Buffer
	if err := runConfigShow(cfg, &buf); err != nil {
		t.Fatalf("runConfigShow: %v", err)
	}
	var keys []config.KeyInfo
	if err := json.Unmarshal(buf.Bytes(), &keys); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	got := map[string]string{}
	for _, k := range keys {
		got[k.Key] = k.Value
	}
	if got["gateway.base_url"] != "http://example.test/api" {
		t.Errorf("gateway.base_url = %q", got["gateway.base_url"])
	}
	if got["search.max_results_per_discipline"] != "2" {
		t.Errorf("search.max_results_per_discipline = %q", got["search.max_results_per_discipline"])
	}
}

func TestShowStatus(t *testing.T) {
	a := newTestApp(t)
	if err := showStatus(ctx, a); err != nil {
		t.Fatalf("showStatus against demo agent: %v", err)
	}

	cfg := testConfig(t, "http://127.0.0.1:1/api")
	down, err := buildApp(cfg, gateway.New(cfg.Gateway.BaseURL, time.Second))
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer down.Close()
	if err := showStatus(ctx, down); err == nil {
		t.Error("expected error for unreachable gateway")
	}
}

func TestOutputFlagValidation(t *testing.T) {
	withOutput(t, "text")
	rootCmd.SetArgs([]string{"--output", "xml", "config", "show"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid --output") {
		t.Errorf("err = %v, want invalid --output", err)
	}
}

func TestNoColor(t *testing.T) {
	old := color.NoColor
	t.Cleanup(func() { color.NoColor = old })

	color.NoColor = true
	if got := green("test message"); got != "test message" {
		t.Errorf("green with NoColor = %q, want plain text", got)
	}

	color.NoColor = false
	if got := green("test message"); !strings.Contains(got, "\033[") {
		t.Errorf("green without NoColor should contain ANSI codes, got %q", got)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{0.25, 25},
		{1, 100},
		{42, 42},
		{150, 100},
	}
	for _, tt := range tests {
		if got := percent(tt.in); got != tt.want {
			t.Errorf("percent(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHTMLToText(t *testing.T) {
	in := `<div><h2>热力学</h2><p>熵  描述   无序。</p><script>alert(1)</script><ul><li>一</li><li>二</li></ul></div>`
	got := htmlToText(in)
	want := "热力学\n\n熵 描述 无序。\n\n- 一\n- 二"
	if got != want {
		t.Errorf("htmlToText =\n%q\nwant\n%q", got, want)
	}

	if got := htmlToText("plain text"); got != "plain text" {
		t.Errorf("plain text = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("熵熵熵熵", 2); got != "熵熵..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}
