package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/crossdisc/internal/gateway"
)

const maxRequestBodySize = 1 << 20 // 1MB

// envelope mirrors the response wrapper every backend route returns.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type disciplineInput struct {
	Name           string   `json:"name"`
	SearchKeywords []string `json:"search_keywords"`
}

type startPayload struct {
	Concept      string               `json:"concept"`
	Disciplines  []disciplineInput    `json:"disciplines"`
	SearchConfig gateway.SearchConfig `json:"search_config"`
}

// NewHandler serves the search and knowledge API over g under /api.
// With a DemoBackend it is a complete offline backend for the client.
func NewHandler(g gateway.Gateway) http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handleHealth)

		r.Post("/search/plan", handleClassify(g))
		r.Post("/search/start", handleStart(g))
		r.Get("/search/status/{taskID}", handleStatus(g))
		r.Get("/search/results/{taskID}", handleResults(g))
		r.Delete("/search/tasks/{taskID}", handleCancel(g))

		r.Get("/graph/concepts", handleConcepts(g))
		r.Get("/graph/{concept}", handleGraph(g))

		r.Post("/qa", handleQA(g))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, "success", map[string]string{"status": "ok"})
}

func handleClassify(g gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gateway.ClassifyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Concept == "" {
			httpError(w, http.StatusUnprocessableEntity, "concept is required")
			return
		}

		res, err := g.Classify(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, "success", res)
	}
}

func handleStart(g gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body startPayload
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Concept == "" || len(body.Disciplines) == 0 {
			httpError(w, http.StatusUnprocessableEntity, "concept and disciplines are required")
			return
		}

		req := gateway.StartRequest{Concept: body.Concept, Config: body.SearchConfig}
		for _, d := range body.Disciplines {
			disc := gateway.NamedDiscipline(d.Name)
			if d.SearchKeywords != nil {
				disc.SearchKeywords = d.SearchKeywords
			}
			req.Disciplines = append(req.Disciplines, disc)
		}

		res, err := g.StartSearch(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		slog.Debug("demo search started", "task_id", res.TaskID, "concept", body.Concept)
		writeData(w, "success", res)
	}
}

func handleStatus(g gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		obs, err := g.GetStatus(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, "success", obs)
	}
}

func handleResults(g gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var opts gateway.ResultOptions
		var err error

		if v := q.Get("page"); v != "" {
			if opts.Page, err = strconv.Atoi(v); err != nil || opts.Page < 1 {
				httpError(w, http.StatusUnprocessableEntity, "page must be a positive integer")
				return
			}
		}
		if v := q.Get("page_size"); v != "" {
			if opts.PageSize, err = strconv.Atoi(v); err != nil || opts.PageSize < 1 || opts.PageSize > 100 {
				httpError(w, http.StatusUnprocessableEntity, "page_size must be between 1 and 100")
				return
			}
		}
		if v := q.Get("min_relevance"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 || f > 1 {
				httpError(w, http.StatusUnprocessableEntity, "min_relevance must be between 0 and 1")
				return
			}
			opts.MinRelevance = &f
		}
		opts.Discipline = q.Get("discipline")

		res, err := g.GetResults(r.Context(), chi.URLParam(r, "taskID"), opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, "success", res)
	}
}

func handleCancel(g gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := g.Cancel(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, "Task cancelled successfully", res)
	}
}

func handleConcepts(g gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := g.ListConcepts(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if names == nil {
			names = []string{}
		}
		writeData(w, "success", map[string][]string{"concepts": names})
	}
}

func handleGraph(g gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		concept, err := url.PathUnescape(chi.URLParam(r, "concept"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid concept")
			return
		}
		graph, err := g.GetGraph(r.Context(), concept)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, "success", graph)
	}
}

func handleQA(g gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gateway.QARequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.SourceNode == "" || req.TargetNode == "" {
			httpError(w, http.StatusUnprocessableEntity, "source_node and target_node are required")
			return
		}

		res, err := g.QA(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, "success", res)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeData(w http.ResponseWriter, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envelope{Code: http.StatusOK, Message: message, Data: data})
}

// writeError maps backend errors to the status codes the search service uses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errTaskNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errTaskNotFinished):
		httpError(w, http.StatusBadRequest, err.Error())
	case gateway.IsTransport(err):
		httpError(w, http.StatusBadGateway, err.Error())
	default:
		httpError(w, http.StatusInternalServerError, err.Error())
	}
}

func httpError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
