package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/statusdesk/draftsync/internal/draftstore"
)

// upsertSchemaJSON constrains the draft upsert body before it reaches
// storage: key and payload are mandatory, the payload is an open object, and
// identity fields are nullable strings.
const upsertSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["draftKey", "payload", "updatedAt"],
	"properties": {
		"draftKey": {"type": "string", "minLength": 1},
		"documentId": {"type": ["string", "null"]},
		"relatedEntityId": {"type": ["string", "null"]},
		"documentVariant": {"type": "string"},
		"payload": {"type": "object"},
		"updatedAt": {"type": "string", "format": "date-time"}
	},
	"additionalProperties": false
}`

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	backend      draftstore.Backend
	cfg          ServerConfig
	rateLimiter  *rateLimiter
	upsertSchema *jsonschema.Schema
	hub          *eventHub
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(backend draftstore.Backend) *Server {
	return NewServerWithConfig(backend, ServerConfig{})
}

func NewServerWithConfig(backend draftstore.Backend, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		backend:      backend,
		cfg:          cfg,
		rateLimiter:  limiter,
		upsertSchema: mustCompileUpsertSchema(),
		hub:          newEventHub(),
	}
}

func mustCompileUpsertSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(upsertSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse upsert schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("draft-upsert.json", doc); err != nil {
		panic(fmt.Sprintf("add upsert schema: %v", err))
	}
	schema, err := compiler.Compile("draft-upsert.json")
	if err != nil {
		panic(fmt.Sprintf("compile upsert schema: %v", err))
	}
	return schema
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "workspaces" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	workspaceID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "drafts" && r.Method == http.MethodGet:
		requiredScope = ScopeDraftsRead
		route = "drafts_get"
	case len(parts) == 4 && parts[3] == "drafts" && r.Method == http.MethodPut:
		requiredScope = ScopeDraftsWrite
		route = "drafts_upsert"
	case len(parts) == 4 && parts[3] == "drafts" && r.Method == http.MethodDelete:
		requiredScope = ScopeDraftsWrite
		route = "drafts_delete"
	case len(parts) == 5 && parts[3] == "drafts" && parts[4] == "events" && r.Method == http.MethodGet:
		requiredScope = ScopeDraftsRead
		route = "drafts_events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, workspaceID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && route != "drafts_events" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && route != "drafts_events" {
		key := workspaceID + "|" + claims.UserID
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "drafts_get":
		s.handleDraftsGet(w, r, workspaceID, correlationID)
	case "drafts_upsert":
		s.handleDraftUpsert(w, r, workspaceID, correlationID)
	case "drafts_delete":
		s.handleDraftDelete(w, r, workspaceID, correlationID)
	case "drafts_events":
		s.handleDraftEvents(w, r, workspaceID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleDraftsGet returns a single draft when the key query is present, and
// the workspace's full draft listing otherwise.
func (s *Server) handleDraftsGet(w http.ResponseWriter, r *http.Request, workspaceID, correlationID string) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		records, err := s.backend.List(r.Context(), workspaceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Drafts []draftstore.Record `json:"drafts"`
		}{Drafts: records})
		return
	}
	rec, err := s.backend.Get(r.Context(), workspaceID, key)
	if err != nil {
		if errors.Is(err, draftstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no draft for key", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDraftUpsert(w http.ResponseWriter, r *http.Request, workspaceID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.upsertSchema.Validate(instance); err != nil {
		writeError(w, http.StatusBadRequest, "schema_violation", err.Error(), correlationID)
		return
	}

	var rec draftstore.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if queryKey := strings.TrimSpace(r.URL.Query().Get("key")); queryKey != "" && queryKey != rec.DraftKey {
		writeError(w, http.StatusBadRequest, "bad_request", "key query does not match draftKey in body", correlationID)
		return
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if err := s.backend.Upsert(r.Context(), workspaceID, rec); err != nil {
		if errors.Is(err, draftstore.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	s.hub.broadcast(workspaceID, DraftEvent{
		Type:      DraftUpserted,
		DraftKey:  rec.DraftKey,
		UpdatedAt: rec.UpdatedAt,
	})
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDraftDelete(w http.ResponseWriter, r *http.Request, workspaceID, correlationID string) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing key query", correlationID)
		return
	}
	if err := s.backend.Delete(r.Context(), workspaceID, key); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	s.hub.broadcast(workspaceID, DraftEvent{
		Type:      DraftDeleted,
		DraftKey:  key,
		UpdatedAt: time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
