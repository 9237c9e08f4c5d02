// ============================================================================
// renderjob HTTP API
// ============================================================================
//
// Routes:
//
//   GET  /healthz                 liveness
//   GET  /status                  controller summary (JSON)
//   GET  /jobs                    sorted job ids (JSON array)
//   POST /jobs                    register a job from a data.json body
//   GET  /jobs/{id}               the job's data.json, byte for byte
//   POST /jobs/{id}/status        {"status": "...", "task_id": "..."}
//   POST /jobs/{id}/tasks         {"id": "...", "descriptor": "..."}
//   POST /jobs/{id}/atomize       {"frames": "1-250:10", "chunk_size": 10}
//   GET  /metrics                 Prometheus exposition
//
// ============================================================================

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/renderjob/internal/controller"
	"github.com/ChuLiYu/renderjob/internal/jobmanager"
	"github.com/ChuLiYu/renderjob/internal/metrics"
	"github.com/ChuLiYu/renderjob/pkg/types"
)

var log = slog.Default()

// maxDocumentSize bounds request bodies.
const maxDocumentSize = 8 << 20

// Store is the part of the controller the API needs.
type Store interface {
	Document(id string) ([]byte, error)
	SubmitDocument(doc []byte) (string, error)
	SetStatus(jobID string, status types.Status) error
	SetTaskStatus(jobID, taskID string, status types.Status) error
	AddTask(jobID, taskID, descriptor string) (string, error)
	Atomize(jobID string, frames types.FrameRange, chunkSize int) ([]string, error)
	JobIDs() []string
	GetStatus() map[string]interface{}
}

type api struct {
	store Store
}

// NewRouter builds the HTTP handler over store. /metrics serves the
// default Prometheus registry.
func NewRouter(store Store) http.Handler {
	a := &api{store: store}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/status", a.handleStatus)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", a.handleListJobs)
		r.Post("/", a.handleSubmitJob)
		r.Get("/{id}", a.handleGetJob)
		r.Post("/{id}/status", a.handleSetStatus)
		r.Post("/{id}/tasks", a.handleAddTask)
		r.Post("/{id}/atomize", a.handleAtomize)
	})
	return r
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.store.GetStatus())
}

func (a *api) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	ids := a.store.JobIDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (a *api) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentSize))
	if err != nil {
		writeBodyError(w, err)
		return
	}
	id, err := a.store.SubmitDocument(body)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+id)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *api) handleGetJob(w http.ResponseWriter, r *http.Request) {
	doc, err := a.store.Document(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

type statusRequest struct {
	Status string `json:"status"`
	TaskID string `json:"task_id,omitempty"`
}

func (a *api) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	status, err := types.ParseStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if req.TaskID == "" {
		err = a.store.SetStatus(id, status)
	} else {
		err = a.store.SetTaskStatus(id, req.TaskID, status)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	a.handleGetJob(w, r)
}

type taskRequest struct {
	ID         string `json:"id,omitempty"`
	Descriptor string `json:"descriptor"`
}

func (a *api) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	taskID, err := a.store.AddTask(chi.URLParam(r, "id"), req.ID, req.Descriptor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": taskID})
}

type atomizeRequest struct {
	Frames    string `json:"frames"`
	ChunkSize int    `json:"chunk_size"`
}

func (a *api) handleAtomize(w http.ResponseWriter, r *http.Request) {
	var req atomizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	frames, err := types.ParseFrameRange(req.Frames)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = 1
	}
	ids, err := a.store.Atomize(chi.URLParam(r, "id"), frames, req.ChunkSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]string{"ids": ids})
}

// ============================================================================
// Helpers
// ============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentSize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// StatusCode maps a store error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound), errors.Is(err, types.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobmanager.ErrDuplicateJob), errors.Is(err, types.ErrDuplicateTaskID),
		errors.Is(err, types.ErrInvalidTransition), errors.Is(err, types.ErrMergeConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrMalformedDocument),
		errors.Is(err, types.ErrUnknownStatus),
		errors.Is(err, types.ErrUnencodable),
		errors.Is(err, types.ErrInvalidFrameRange),
		errors.Is(err, controller.ErrInvalidJobID):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		log.Error("Request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeBodyError reports a request body that could not be read or decoded.
func writeBodyError(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		code = http.StatusRequestEntityTooLarge
	}
	writeJSON(w, code, map[string]string{"error": "invalid request body: " + err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
