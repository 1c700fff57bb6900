package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
	"tracktrace/internal/engine"
	"tracktrace/internal/telemetry"
	"tracktrace/internal/tracktrace"
	"tracktrace/internal/types"
	"tracktrace/internal/util"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TraceHeader 请求中携带 Trace ID 的 HTTP 头
const TraceHeader = "X-Trace-ID"

// Server 对外提供履历查询、消息接入和快照推送
type Server struct {
	engine *engine.Engine
	hub    *Hub
	logger *slog.Logger
}

// NewServer 创建 HTTP 服务
func NewServer(e *engine.Engine, hub *Hub, logger *slog.Logger) *Server {
	return &Server{engine: e, hub: hub, logger: logger.With("component", "http")}
}

// ingestRequest POST /messages 的请求体，payload 可以是 JSON 对象或 JSON 字符串
type ingestRequest struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// TrackTraceResponse 单个工件的追溯视图
type TrackTraceResponse struct {
	WorkpieceID   string               `json:"workpieceId"`
	WorkpieceType types.WorkpieceType  `json:"workpieceType,omitempty"`
	Segments      []tracktrace.Segment `json:"segments"`
}

// Handler 返回注册了全部路由的 http.Handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.hub.ServeWs)
	mux.HandleFunc("POST /api/envs/{env}/init", s.handleInit)
	mux.HandleFunc("DELETE /api/envs/{env}/history", s.handleClear)
	mux.HandleFunc("GET /api/envs/{env}/history", s.handleHistory)
	mux.HandleFunc("GET /api/envs/{env}/workpieces/{id}", s.handleWorkpiece)
	mux.HandleFunc("GET /api/envs/{env}/workpieces/{id}/tracktrace", s.handleTrackTrace)
	mux.HandleFunc("GET /api/envs/{env}/workpieces/{id}/quality-checks", s.handleQualityChecks)
	mux.HandleFunc("POST /api/envs/{env}/messages", s.handleIngest)
	return s.withTrace(mux)
}

// withTrace 从请求头中提取 Trace ID (没有则生成)，并写回响应头
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(TraceHeader); id != "" {
			ctx = util.ContextWithTraceID(ctx, id)
		}
		ctx, traceID := util.EnsureTraceID(ctx)
		w.Header().Set(TraceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	env := r.PathValue("env")
	if err := s.engine.Initialize(env); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "initialized", "env": env})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	env := r.PathValue("env")
	if err := s.engine.Clear(r.Context(), env); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewSnapshotMessage(s.engine.Snapshot(r.PathValue("env"))))
}

func (s *Server) workpiece(w http.ResponseWriter, r *http.Request) (*types.WorkpieceHistory, bool) {
	h, ok := s.engine.Workpiece(r.PathValue("env"), r.PathValue("id"))
	if !ok {
		http.Error(w, "workpiece not found", http.StatusNotFound)
	}
	return h, ok
}

func (s *Server) handleWorkpiece(w http.ResponseWriter, r *http.Request) {
	if h, ok := s.workpiece(w, r); ok {
		writeJSON(w, http.StatusOK, h)
	}
}

func (s *Server) handleTrackTrace(w http.ResponseWriter, r *http.Request) {
	h, ok := s.workpiece(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, TrackTraceResponse{
		WorkpieceID:   h.WorkpieceID,
		WorkpieceType: h.WorkpieceType,
		Segments:      tracktrace.Build(h),
	})
}

func (s *Server) handleQualityChecks(w http.ResponseWriter, r *http.Request) {
	h, ok := s.workpiece(w, r)
	if !ok {
		return
	}
	checks := tracktrace.QualityChecks(h)
	if checks == nil {
		checks = []types.StationEvent{}
	}
	writeJSON(w, http.StatusOK, checks)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("解析消息请求失败", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Topic == "" || len(req.Payload) == 0 {
		http.Error(w, "topic and payload are required", http.StatusBadRequest)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	msg := telemetry.Message{Topic: req.Topic, Payload: []byte(req.Payload), Timestamp: req.Timestamp}
	if err := s.engine.Submit(r.Context(), r.PathValue("env"), msg); err != nil {
		s.writeError(w, r, err)
		return
	}
	traceID, _ := util.TraceIDFromContext(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "traceId": traceID})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotInitialized):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	traceID, _ := util.TraceIDFromContext(r.Context())
	s.logger.Warn("请求处理失败", "path", r.URL.Path, "error", err, "trace_id", traceID)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
