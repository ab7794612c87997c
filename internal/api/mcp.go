package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/crossdisc/internal/gateway"
	"github.com/kalambet/crossdisc/internal/search"
	"github.com/kalambet/crossdisc/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Gateway      gateway.Gateway
	History      *storage.Store // optional; searches are not recorded when nil
	Search       gateway.SearchConfig
	Classify     gateway.ClassifyRequest // limits applied to every classification
	PollInterval time.Duration
}

// NewMCPServer creates an MCP server with all crossdisc tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"crossdisc",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("crossdisc explores a concept across disciplines: classify it, search the literature, and query the resulting knowledge graph."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("classify_concept",
			mcp.WithDescription("List the academic disciplines a concept belongs to, with relevance scores and default selections."),
			mcp.WithString("concept", mcp.Description("The concept to classify"), mcp.Required()),
		),
		mcpClassify(deps),
	)

	s.AddTool(
		mcp.NewTool("run_search",
			mcp.WithDescription("Run a cross-disciplinary literature search for a concept and wait for its results."),
			mcp.WithString("concept", mcp.Description("The concept to search for"), mcp.Required()),
			mcp.WithArray("disciplines", mcp.Description("Disciplines to search; defaults to the classifier's default selection")),
			mcp.WithNumber("max_results", mcp.Description("Maximum results per discipline")),
		),
		mcpRunSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_question",
			mcp.WithDescription("Ask the knowledge engine about a concept or the relation between two graph nodes."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("concept", mcp.Description("Concept the question is about")),
			mcp.WithString("source", mcp.Description("Source node id")),
			mcp.WithString("target", mcp.Description("Target node id")),
		),
		mcpAskQuestion(deps),
	)

	s.AddTool(
		mcp.NewTool("get_graph",
			mcp.WithDescription("Fetch the knowledge graph built for a concept."),
			mcp.WithString("concept", mcp.Description("Concept name"), mcp.Required()),
		),
		mcpGetGraph(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"history://searches",
			"Search History",
			mcp.WithResourceDescription("Last 20 finished searches as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSearches(deps),
	)

	return s
}

func mcpClassify(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		concept, err := req.RequireString("concept")
		if err != nil {
			return mcpError("concept is required"), nil
		}

		creq := deps.Classify
		creq.Concept = concept
		res, err := deps.Gateway.Classify(ctx, creq)
		if err != nil {
			return mcpError(fmt.Sprintf("classification failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpRunSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		concept, err := req.RequireString("concept")
		if err != nil {
			return mcpError("concept is required"), nil
		}

		st := search.NewStore(deps.Gateway, deps.PollInterval)
		if deps.History != nil {
			st.SetRecorder(deps.History)
		}

		if names := req.GetStringSlice("disciplines", nil); len(names) > 0 {
			st.SetConcept(concept)
			for _, n := range names {
				st.AddDisciplineName(n)
			}
		} else {
			creq := deps.Classify
			creq.Concept = concept
			if _, err := st.Classify(ctx, creq); err != nil {
				return mcpError(err.Error()), nil
			}
			st.SelectDefaults()
		}

		cfg := deps.Search
		if n := req.GetInt("max_results", 0); n > 0 {
			cfg.MaxResultsPerDiscipline = n
		}

		res, err := st.RunFullSearch(ctx, cfg, nil)
		if err != nil {
			var te *search.TerminalError
			if errors.As(err, &te) {
				return mcpError(fmt.Sprintf("search %s", te.Status)), nil
			}
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type chunkResult struct {
			Discipline string  `json:"discipline"`
			Title      string  `json:"title,omitempty"`
			URL        string  `json:"url"`
			Relevance  float64 `json:"relevance"`
			Excerpt    string  `json:"excerpt"`
		}
		out := struct {
			TaskID      string          `json:"task_id"`
			Concept     string          `json:"concept"`
			Disciplines []string        `json:"disciplines"`
			Summary     gateway.Summary `json:"summary"`
			Chunks      []chunkResult   `json:"chunks"`
		}{
			TaskID:      res.TaskID,
			Concept:     concept,
			Disciplines: st.DisciplineNames(),
			Summary:     res.Summary,
			Chunks:      make([]chunkResult, len(res.Chunks)),
		}
		for i, c := range res.Chunks {
			out.Chunks[i] = chunkResult{
				Discipline: c.Discipline,
				Title:      c.Source.Title,
				URL:        c.Source.URL,
				Relevance:  c.RelevanceScore,
				Excerpt:    truncate(c.Content, 300),
			}
		}
		return mcpJSON(out)
	}
}

func mcpAskQuestion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		q := gateway.AnswerQuery{
			Question: question,
			Concept:  req.GetString("concept", ""),
			Source:   req.GetString("source", ""),
			Target:   req.GetString("target", ""),
		}
		answer, err := gateway.Answer(ctx, deps.Gateway, q)
		if err != nil {
			return mcpError(fmt.Sprintf("question failed: %v", err)), nil
		}

		if deps.History != nil {
			deps.History.SaveExchange(storage.Exchange{
				Concept:  q.Concept,
				Source:   q.Source,
				Target:   q.Target,
				Question: question,
				Answer:   answer,
			})
		}
		return mcpText(answer), nil
	}
}

func mcpGetGraph(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		concept, err := req.RequireString("concept")
		if err != nil {
			return mcpError("concept is required"), nil
		}

		g, err := deps.Gateway.GetGraph(ctx, concept)
		if err != nil {
			return mcpError(fmt.Sprintf("fetching graph: %v", err)), nil
		}
		return mcpJSON(g)
	}
}

func mcpResourceSearches(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.History == nil {
			return nil, errors.New("search history is not enabled")
		}
		records, err := deps.History.RecentSearches(20)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent searches: %w", err)
		}

		type searchSummary struct {
			TaskID      string          `json:"task_id"`
			Concept     string          `json:"concept"`
			Disciplines json.RawMessage `json:"disciplines"`
			Status      string          `json:"status"`
			TotalChunks int             `json:"total_chunks"`
			Error       string          `json:"error,omitempty"`
			CreatedAt   string          `json:"created_at"`
		}

		summaries := make([]searchSummary, len(records))
		for i, r := range records {
			summaries[i] = searchSummary{
				TaskID:      r.TaskID,
				Concept:     r.Concept,
				Disciplines: json.RawMessage(r.Disciplines),
				Status:      r.Status,
				TotalChunks: r.TotalChunks,
				Error:       r.Error,
				CreatedAt:   r.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal searches: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
