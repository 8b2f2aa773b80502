package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/diagnostic"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/replay"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	contentTypeJSON  = "application/json"
)

// Runner executes diagnostics and replays on behalf of the API.
type Runner interface {
	Environments() []string
	DefaultPolicy() diagnostic.Policy
	Diagnose(ctx context.Context, env string, policy diagnostic.Policy, obs diagnostic.Observer) (*diagnostic.DebugReport, error)
	ReplayMock(ctx context.Context, callID string) (replay.CallReplayResult, error)
	ReplayTools(ctx context.Context, env, callID string) (replay.CallReplayResult, error)
	ReplayConversation(ctx context.Context, env, callID string) (replay.ConversationalReplayResult, error)
	ProbeDirect(ctx context.Context, env, observationID string) (replay.DirectProbeResult, error)
	Calls(ctx context.Context, limit int) ([]capture.CallSummary, error)
}

// Service is the operator HTTP API.
type Service struct {
	cfg    *config.ServerConfig
	logger logger.Logger
	runner Runner
	store  storage.Store
	hub    *WebsocketHub
	runs   *RunLog
}

// NewService builds a Service. store may be nil, in which case report and
// replay history endpoints answer 503.
func NewService(cfg *config.ServerConfig, runner Runner, store storage.Store, log logger.Logger) *Service {
	return &Service{
		cfg:    cfg,
		logger: log,
		runner: runner,
		store:  store,
		hub:    NewWebsocketHub(log),
		runs:   NewRunLog(200),
	}
}

// RegisterRoutes wires API routes into the provided router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	var api *mux.Router
	if base := normalizePath(s.cfg.AdminPath); base == "/" {
		api = router.NewRoute().Subrouter()
	} else {
		api = router.PathPrefix(base).Subrouter()
	}
	api.Use(s.authMiddleware)

	api.HandleFunc("/modes", s.handleModes).Methods(http.MethodGet)
	api.HandleFunc("/environments", s.handleEnvironments).Methods(http.MethodGet)
	api.HandleFunc("/diagnostics", s.handleDiagnose).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	api.HandleFunc("/reports", s.handleReports).Methods(http.MethodGet)
	api.HandleFunc("/reports/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/reports/{id}", s.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/calls", s.handleCalls).Methods(http.MethodGet)
	api.HandleFunc("/replays", s.handleReplays).Methods(http.MethodGet)
	api.HandleFunc("/replays/mock", s.handleReplayMock).Methods(http.MethodPost)
	api.HandleFunc("/replays/conversation", s.handleReplayConversation).Methods(http.MethodPost)
	api.HandleFunc("/replays/direct", s.handleReplayDirect).Methods(http.MethodPost)
	api.HandleFunc("/replays/tool", s.handleReplayTool).Methods(http.MethodPost)
	api.HandleFunc("/replays/{id}", s.handleReplay).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
}

// Close releases resources.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.hub.Close()
}

type diagnoseRequest struct {
	Environment        string   `json:"environment"`
	Layers             []string `json:"layers"`
	StopOnFirstFailure *bool    `json:"stopOnFirstFailure"`
	StopWithinLayer    bool     `json:"stopWithinLayer"`
}

func (s *Service) handleModes(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": replay.Modes()})
}

func (s *Service) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": s.runner.Environments()})
}

func (s *Service) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	var req diagnoseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	policy := s.runner.DefaultPolicy()
	if req.StopOnFirstFailure != nil {
		policy.StopOnFirstFailure = *req.StopOnFirstFailure
	}
	policy.StopWithinLayer = req.StopWithinLayer
	for _, name := range req.Layers {
		hop, err := protocol.ParseHop(name)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		policy.Layers = append(policy.Layers, hop)
	}

	run := s.runs.Start(replay.ModeDiagnose, req.Environment, req.Environment)
	observer := func(ev diagnostic.Event) {
		if ev.Type == diagnostic.EventState && ev.State.Phase == diagnostic.PhaseNotStarted {
			s.runs.Attach(run.ID, ev.RunID)
		}
		s.hub.Broadcast(hubMessage{Type: "diagnostic", RunID: ev.RunID, Environment: req.Environment, Data: ev})
	}

	// A dropped client must not turn the run into an incomplete report.
	report, err := s.runner.Diagnose(context.WithoutCancel(r.Context()), req.Environment, policy, observer)
	if err != nil {
		s.runs.Finish(run.ID, err)
		s.respondRunError(w, err)
		return
	}
	s.runs.Finish(run.ID, nil)
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := clampLimit(parseIntDefault(query.Get("limit"), defaultListLimit))
	items, total := s.runs.List(RunListOptions{
		Kind:   query.Get("kind"),
		Status: query.Get("status"),
		Limit:  limit,
		Offset: parseIntDefault(query.Get("offset"), 0),
	})
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": items, "total": total})
}

func (s *Service) handleReports(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	query := r.URL.Query()
	limit := clampLimit(parseIntDefault(query.Get("limit"), defaultListLimit))
	offset := parseIntDefault(query.Get("offset"), 0)

	items, total, err := s.store.ListReports(r.Context(), storage.ListOptions{
		Environment: query.Get("environment"),
		Status:      query.Get("status"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.logger.Error("Failed to list reports", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":   items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Service) handleReport(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := mux.Vars(r)["id"]
	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to load report", "report_id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	if report == nil {
		s.respondError(w, http.StatusNotFound, "report not found")
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	query := r.URL.Query()
	format := strings.ToLower(query.Get("format"))
	if format == "" {
		format = "json"
	}
	contentType, ext, ok := ExportFormat(format)
	if !ok {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported export format: %s", format))
		return
	}

	opts := storage.ListOptions{Environment: query.Get("environment"), Status: query.Get("status")}
	iter := func(yield func(storage.ReportSummary) bool) error {
		return s.store.IterateReports(r.Context(), opts, yield)
	}

	filename := fmt.Sprintf("layerprobe_reports_%d.%s", time.Now().Unix(), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	if err := StreamReports(w, iter, format); err != nil {
		s.logger.Error("Export failed", "error", err)
	}
}

func (s *Service) handleCalls(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(parseIntDefault(r.URL.Query().Get("limit"), defaultListLimit))
	calls, err := s.runner.Calls(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list captured calls", "error", err)
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": calls, "total": len(calls)})
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	filter := clientFilter{
		RunID:       r.URL.Query().Get("run"),
		Environment: r.URL.Query().Get("environment"),
	}
	if _, err := s.hub.Upgrade(w, r, filter); err != nil {
		s.logger.Error("Failed to upgrade websocket", "error", err)
	}
}

func (s *Service) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if s.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Service) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "storage unavailable")
		return false
	}
	return true
}

// respondRunError maps engine errors onto HTTP statuses.
func (s *Service) respondRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, config.ErrUnknownEnvironment):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, replay.ErrReplayInProgress):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, capture.ErrObservationNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("Run failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Service) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
