// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Server exposes the tool surface over HTTP: POST /tools/{name} with a
// JSON Request body returns the Response envelope. The transport is a
// thin shell; all tier policy lives in the Dispatcher.
type Server struct {
	d     *Dispatcher
	log   *zap.Logger
	audit *json.Encoder
	srv   *http.Server
}

// AuditConfig configures the rotating per-call audit trail.
type AuditConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func NewServer(addr string, d *Dispatcher, audit AuditConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{d: d, log: log}
	if audit.Path != "" {
		sink := &lumberjack.Logger{
			Filename:   audit.Path,
			MaxSize:    audit.MaxSizeMB,
			MaxBackups: audit.MaxBackups,
			MaxAge:     audit.MaxAgeDays,
			Compress:   true,
		}
		s.audit = json.NewEncoder(sink)
	}

	r := mux.NewRouter()
	r.HandleFunc("/tools", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/tools/{name}", s.handleCall).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", s.handleTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleCancel).Methods(http.MethodDelete)
	r.Use(s.recoveryMiddleware, requestIDMiddleware)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // T4 calls may hold the connection to their soft timeout
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) Start() error { return s.srv.ListenAndServe() }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

type auditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Tool      string    `json:"tool"`
	Database  string    `json:"database"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Duration  string    `json:"duration"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	type toolInfo struct {
		Name        string `json:"name"`
		Tier        Tier   `json:"tier"`
		DefaultTopK int    `json:"default_top_k,omitempty"`
		TopKCap     int    `json:"top_k_cap,omitempty"`
		Background  bool   `json:"background"`
	}
	var out []toolInfo
	for _, t := range s.d.Tools() {
		out = append(out, toolInfo{Name: t.Name, Tier: t.Tier, DefaultTopK: t.DefaultTopK, TopKCap: t.TopKCap, Background: t.Background})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(name, "", unknownFooter(""), KindInputInvalid, "malformed request body"))
		return
	}
	start := time.Now()
	resp := s.d.Call(r.Context(), name, req)
	s.writeAudit(r, name, req.Database, resp, time.Since(start))
	writeJSON(w, statusFor(resp), resp)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, ok := s.d.Tasks().Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task"})
		return
	}
	out := map[string]interface{}{
		"task_id":  t.ID,
		"tool":     t.Tool,
		"database": t.Database,
		"status":   string(t.Status),
		"progress": t.Progress,
	}
	if t.Status == TaskCompleted {
		out["result"] = t.Result
	}
	if t.Err != nil {
		out["error"] = t.Err
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.d.Tasks().Cancel(id) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "task is not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(TaskCancelled)})
}

func (s *Server) writeAudit(r *http.Request, tool, database string, resp Response, took time.Duration) {
	if s.audit == nil {
		return
	}
	entry := auditEntry{
		Timestamp: time.Now().UTC(),
		RequestID: requestIDFrom(r.Context()),
		Tool:      tool,
		Database:  database,
		Duration:  took.String(),
	}
	if resp.Metadata.Error != nil {
		entry.ErrorKind = string(resp.Metadata.Error.Kind)
	}
	if err := s.audit.Encode(entry); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}

// statusFor maps the response's error kind to an HTTP status; the
// envelope itself is identical either way.
func statusFor(resp Response) int {
	if resp.Metadata.Error == nil {
		return http.StatusOK
	}
	switch resp.Metadata.Error.Kind {
	case KindInputInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBusy:
		return http.StatusTooManyRequests
	case KindDeadlineExceeded:
		return http.StatusAccepted
	case KindBackendUnavailable, KindEngineTransient:
		return http.StatusServiceUnavailable
	case KindEnginePermanent:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic in tool handler", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, errorResponse("", "", unknownFooter(""), KindInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
