package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Gateway is the set of backend operations the client stores depend on.
type Gateway interface {
	Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error)
	StartSearch(ctx context.Context, req StartRequest) (StartResult, error)
	GetStatus(ctx context.Context, taskID string) (Observation, error)
	GetResults(ctx context.Context, taskID string, opts ResultOptions) (Results, error)
	Cancel(ctx context.Context, taskID string) (CancelResult, error)
	GetGraph(ctx context.Context, concept string) (Graph, error)
	ListConcepts(ctx context.Context) ([]string, error)
	QA(ctx context.Context, req QARequest) (QAResponse, error)
}

// Client talks to the central agent over its JSON API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client for the API rooted at baseURL (for example
// "http://127.0.0.1:8000/api"). A timeout <= 0 uses 30s.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
}

// NewWithHTTPClient creates a Client using a caller-supplied http.Client (for testing).
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	c := New(baseURL, 0)
	c.httpClient = hc
	return c
}

// envelope wraps every successful response body.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// errorBody is what the backend sends with a non-2xx status.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshalling request: %w", op, err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return networkError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkError(op, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpStatusError(op, resp.StatusCode, detailMessage(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: "decoding response: " + err.Error(), Err: err}
	}
	if env.Code != 0 && (env.Code < 200 || env.Code >= 300) {
		return httpStatusError(op, env.Code, env.Message)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: "decoding response data: " + err.Error(), Err: err}
	}
	return nil
}

// detailMessage extracts the server-provided detail from an error body.
// Validation errors arrive as a JSON array and are returned verbatim.
func detailMessage(raw []byte) string {
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err != nil || len(eb.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(eb.Detail, &s); err == nil {
		return s
	}
	return string(eb.Detail)
}

// Health reports whether the backend answers GET /health.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.do(ctx, "health", http.MethodGet, "/health", nil, nil)
}

// Classify asks the backend which disciplines a concept belongs to.
func (c *Client) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error) {
	var res ClassifyResult
	if err := c.do(ctx, "classify", http.MethodPost, "/search/plan", req, &res); err != nil {
		return ClassifyResult{}, err
	}
	if res.Defaults == nil {
		res.Defaults = []string{}
	}
	if res.SuggestedAdditions == nil {
		res.SuggestedAdditions = []SuggestedAddition{}
	}
	return res, nil
}

// StartSearch launches a background search and returns its task id.
func (c *Client) StartSearch(ctx context.Context, req StartRequest) (StartResult, error) {
	body := startBody{
		Concept:      req.Concept,
		Disciplines:  make([]disciplineInput, len(req.Disciplines)),
		SearchConfig: req.Config.withDefaults(),
	}
	for i, d := range req.Disciplines {
		kw := d.SearchKeywords
		if kw == nil {
			kw = []string{}
		}
		body.Disciplines[i] = disciplineInput{Name: d.Name, SearchKeywords: kw}
	}

	var res StartResult
	if err := c.do(ctx, "start search", http.MethodPost, "/search/start", body, &res); err != nil {
		return StartResult{}, err
	}
	c.logger.Debug("search started", "task_id", res.TaskID, "status", res.Status)
	return res, nil
}

// GetStatus fetches the current status of a task.
func (c *Client) GetStatus(ctx context.Context, taskID string) (Observation, error) {
	var obs Observation
	if err := c.do(ctx, "get status", http.MethodGet, "/search/status/"+url.PathEscape(taskID), nil, &obs); err != nil {
		return Observation{}, err
	}
	if obs.TaskID == "" {
		obs.TaskID = taskID
	}
	obs.normalize()
	return obs, nil
}

// GetResults fetches one page of results for a finished task.
func (c *Client) GetResults(ctx context.Context, taskID string, opts ResultOptions) (Results, error) {
	params := url.Values{}
	if opts.Page > 0 {
		params.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	if opts.Discipline != "" {
		params.Set("discipline", opts.Discipline)
	}
	if opts.MinRelevance != nil {
		params.Set("min_relevance", strconv.FormatFloat(*opts.MinRelevance, 'f', -1, 64))
	}

	path := "/search/results/" + url.PathEscape(taskID)
	if qs := params.Encode(); qs != "" {
		path += "?" + qs
	}

	var res Results
	if err := c.do(ctx, "get results", http.MethodGet, path, nil, &res); err != nil {
		return Results{}, err
	}
	if res.Chunks == nil {
		res.Chunks = []Chunk{}
	}
	return res, nil
}

// Cancel asks the backend to stop a task.
func (c *Client) Cancel(ctx context.Context, taskID string) (CancelResult, error) {
	var res CancelResult
	if err := c.do(ctx, "cancel", http.MethodDelete, "/search/tasks/"+url.PathEscape(taskID), nil, &res); err != nil {
		return CancelResult{}, err
	}
	return res, nil
}

// GetGraph fetches the knowledge graph built for a concept.
func (c *Client) GetGraph(ctx context.Context, concept string) (Graph, error) {
	var g Graph
	if err := c.do(ctx, "get graph", http.MethodGet, "/graph/"+url.PathEscape(concept), nil, &g); err != nil {
		return Graph{}, err
	}
	return g, nil
}

// ListConcepts returns the concepts that already have a graph.
func (c *Client) ListConcepts(ctx context.Context) ([]string, error) {
	var cl conceptList
	if err := c.do(ctx, "list concepts", http.MethodGet, "/graph/concepts", nil, &cl); err != nil {
		return nil, err
	}
	if cl.Concepts == nil {
		return []string{}, nil
	}
	return cl.Concepts, nil
}

// QA asks the knowledge engine a question about a pair of nodes.
func (c *Client) QA(ctx context.Context, req QARequest) (QAResponse, error) {
	var res QAResponse
	if err := c.do(ctx, "qa", http.MethodPost, "/qa", req, &res); err != nil {
		return QAResponse{}, err
	}
	return res, nil
}
