package web

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/replay"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/storage"
)

type replayRequest struct {
	CallID        string `json:"callId"`
	ObservationID string `json:"observationId"`
	Environment   string `json:"environment"`
}

// handleReplayMock replays a call's tool invocations against its captures
func (s *Service) handleReplayMock(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CallID) == "" {
		s.respondError(w, http.StatusBadRequest, "callId is required")
		return
	}

	run := s.runs.Start(replay.ModeMock, req.CallID, "")
	res, err := s.runner.ReplayMock(r.Context(), req.CallID)
	s.finishReplay(w, run, req.CallID, replay.ModeMock, res, err)
}

// handleReplayConversation resends a call's utterances in a fresh session
func (s *Service) handleReplayConversation(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CallID) == "" {
		s.respondError(w, http.StatusBadRequest, "callId is required")
		return
	}

	run := s.runs.Start(replay.ModeConversation, req.CallID, req.Environment)
	res, err := s.runner.ReplayConversation(r.Context(), req.Environment, req.CallID)
	s.finishReplay(w, run, req.CallID, replay.ModeConversation, res, err)
}

// handleReplayDirect re-issues one captured exchange against the backend
func (s *Service) handleReplayDirect(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ObservationID) == "" {
		s.respondError(w, http.StatusBadRequest, "observationId is required")
		return
	}

	run := s.runs.Start(replay.ModeDirect, req.ObservationID, req.Environment)
	res, err := s.runner.ProbeDirect(r.Context(), req.Environment, req.ObservationID)
	s.finishReplay(w, run, res.CallID, replay.ModeDirect, res, err)
}

// handleReplayTool re-runs a call's tool invocations against live middleware
func (s *Service) handleReplayTool(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CallID) == "" {
		s.respondError(w, http.StatusBadRequest, "callId is required")
		return
	}

	run := s.runs.Start(replay.ModeTool, req.CallID, req.Environment)
	res, err := s.runner.ReplayTools(r.Context(), req.Environment, req.CallID)
	s.finishReplay(w, run, req.CallID, replay.ModeTool, res, err)
}

func (s *Service) finishReplay(w http.ResponseWriter, run RunRecord, callID, mode string, result interface{}, err error) {
	s.runs.Finish(run.ID, err)
	if err != nil {
		s.respondRunError(w, err)
		return
	}
	s.hub.Broadcast(hubMessage{Type: "replay", RunID: run.ID, CallID: callID, Environment: run.Env, Data: map[string]interface{}{
		"mode":   mode,
		"result": result,
	}})
	s.logger.Info("Replay finished", "mode", mode, "run_id", run.ID, "target", run.Target)
	s.respondJSON(w, http.StatusOK, result)
}

// handleReplays lists stored replay results
func (s *Service) handleReplays(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	query := r.URL.Query()
	replays, err := s.store.ListReplays(r.Context(), storage.ListOptions{
		Mode:   query.Get("mode"),
		CallID: query.Get("callId"),
		Limit:  clampLimit(parseIntDefault(query.Get("limit"), defaultListLimit)),
	})
	if err != nil {
		s.logger.Error("Failed to list replays", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list replays")
		return
	}
	if replays == nil {
		replays = []*storage.StoredReplay{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":  replays,
		"total": len(replays),
	})
}

// handleReplay returns one stored replay result
func (s *Service) handleReplay(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := mux.Vars(r)["id"]
	stored, err := s.store.GetReplay(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to load replay", "replay_id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load replay")
		return
	}
	if stored == nil {
		s.respondError(w, http.StatusNotFound, "replay not found")
		return
	}
	s.respondJSON(w, http.StatusOK, stored)
}
