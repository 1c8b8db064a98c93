package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"github.com/atvirokodosprendimai/compmut/internal/core/ports"
)

const (
	timeFormat         = "2006-01-02T15:04:05.999999999Z07:00"
	maxJSONBodySize    = 1 << 16
	healthCheckTimeout = 2 * time.Second
	defaultListLimit   = 50
)

// Producer is the part of usecase.Producer the router needs.
type Producer interface {
	Enqueue(ctx context.Context, kind domain.Kind, refs domain.PayloadRefs, actor string, fast bool) (domain.MutationRecord, error)
}

// Queue is the operator view of the mutation table.
type Queue interface {
	Get(ctx context.Context, id int64) (domain.MutationRecord, error)
	List(ctx context.Context, filter domain.MutationFilter) ([]domain.MutationRecord, error)
	Requeue(ctx context.Context, id int64) error
	Resolve(ctx context.Context, id int64) error
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	producer Producer
	queue    Queue
	wake     ports.WakePinger
	health   HealthChecker
	log      *zap.Logger
}

func NewHandler(producer Producer, queue Queue, wake ports.WakePinger, health HealthChecker, log *zap.Logger) *Handler {
	return &Handler{producer: producer, queue: queue, wake: wake, health: health, log: log}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Get("/openapi.json", h.openapi)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/mutations", func(mr chi.Router) {
		mr.Get("/", h.list)
		mr.Get("/{id}", h.get)
		mr.Post("/{id}/requeue", h.requeue)
		mr.Post("/{id}/resolve", h.resolve)
		mr.Post("/kinds/{kind}", h.enqueue)
	})

	return r
}

type enqueueRequest struct {
	SeasonID         *int64 `json:"season_id"`
	SubCompetitionID *int64 `json:"sub_competition_id"`
	ClassID          *int64 `json:"class_id"`
	ParticipantID    *int64 `json:"participant_id"`
	CutOld           *int   `json:"cut_old"`
	CutNew           *int   `json:"cut_new"`
	Actor            string `json:"actor"`
	Fast             bool   `json:"fast"`
}

type mutationResponse struct {
	ID            int64              `json:"id"`
	Kind          string             `json:"kind"`
	Refs          domain.PayloadRefs `json:"refs"`
	CreatedBy     string             `json:"created_by"`
	CreatedAt     string             `json:"created_at"`
	Applied       bool               `json:"applied"`
	Status        domain.Status      `json:"status"`
	Attempts      int                `json:"attempts"`
	NextAttemptAt string             `json:"next_attempt_at"`
	LastError     string             `json:"last_error,omitempty"`
	AppliedAt     string             `json:"applied_at,omitempty"`
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	var body json.RawMessage
	if err := decoder.Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := validateBody(kind, body); err != nil {
		h.handleDomainError(w, err)
		return
	}

	var req enqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := h.producer.Enqueue(r.Context(), kind, domain.PayloadRefs{
		SeasonID:         req.SeasonID,
		SubCompetitionID: req.SubCompetitionID,
		ClassID:          req.ClassID,
		ParticipantID:    req.ParticipantID,
		CutOld:           req.CutOld,
		CutNew:           req.CutNew,
	}, actorFromRequest(r, req.Actor), req.Fast)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	status := http.StatusAccepted
	if rec.Applied {
		status = http.StatusOK
	}
	h.writeJSON(w, status, toMutationResponse(rec))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	rec, err := h.queue.Get(r.Context(), id)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toMutationResponse(rec))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}

	filter := domain.MutationFilter{Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		filter.Status = domain.Status(raw)
		if !filter.Status.Valid() {
			h.writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
	}
	if raw := r.URL.Query().Get("after_id"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			h.writeError(w, http.StatusBadRequest, "after_id must be a non-negative integer")
			return
		}
		filter.AfterID = after
	}

	records, err := h.queue.List(r.Context(), filter)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	result := make([]mutationResponse, 0, len(records))
	for _, rec := range records {
		result = append(result, toMutationResponse(rec))
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"items": result})
}

// requeue gives a dead record a fresh set of attempts and wakes the worker.
func (h *Handler) requeue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.queue.Requeue(r.Context(), id); err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.log.Info("mutation requeued", zap.Int64("id", id), zap.String("actor", actorFromRequest(r, "")))
	h.wake.Ping(r.Context())
	h.respondCurrent(w, r, id)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.queue.Resolve(r.Context(), id); err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.log.Info("mutation resolved by operator", zap.Int64("id", id), zap.String("actor", actorFromRequest(r, "")))
	h.respondCurrent(w, r, id)
}

func (h *Handler) respondCurrent(w http.ResponseWriter, r *http.Request, id int64) {
	rec, err := h.queue.Get(r.Context(), id)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toMutationResponse(rec))
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.log.Warn("health check failed", zap.Error(err))
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ok": false})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) openapi(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, openapiSpec())
}

func toMutationResponse(rec domain.MutationRecord) mutationResponse {
	resp := mutationResponse{
		ID:            rec.ID,
		Kind:          rec.Kind.String(),
		Refs:          rec.Refs,
		CreatedBy:     rec.CreatedBy,
		CreatedAt:     rec.CreatedAt.UTC().Format(timeFormat),
		Applied:       rec.Applied,
		Status:        rec.Status,
		Attempts:      rec.Attempts,
		NextAttemptAt: rec.NextAttemptAt.UTC().Format(timeFormat),
		LastError:     rec.LastError,
	}
	if rec.AppliedAt != nil {
		resp.AppliedAt = rec.AppliedAt.UTC().Format(timeFormat)
	}
	return resp
}

// actorFromRequest prefers the body field, then the X-Actor header.
func actorFromRequest(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "limit must be integer")
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		h.log.Error("encode json response", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		h.log.Debug("write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"error": message})
}

func (h *Handler) handleDomainError(w http.ResponseWriter, err error) {
	var violation *schemaViolation
	switch {
	case errors.As(err, &violation):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "request body violates schema",
			"details": violation.Errors,
		})
	case errors.Is(err, domain.ErrInvalidKind), errors.Is(err, domain.ErrUnknownKind):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidRefs):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}

func openapiSpec() map[string]any {
	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "compmut",
			"version": "1.0.0",
		},
		"paths": map[string]any{
			"/v1/mutations": map[string]any{
				"get": map[string]any{"summary": "List mutation records, optionally by status"},
			},
			"/v1/mutations/kinds/{kind}": map[string]any{
				"post": map[string]any{"summary": "Request a competition mutation"},
			},
			"/v1/mutations/{id}": map[string]any{
				"get": map[string]any{"summary": "Get mutation record"},
			},
			"/v1/mutations/{id}/requeue": map[string]any{
				"post": map[string]any{"summary": "Return a dead record to the queue"},
			},
			"/v1/mutations/{id}/resolve": map[string]any{
				"post": map[string]any{"summary": "Mark a record as resolved by hand"},
			},
		},
	}
}
