package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/solosolocodes/lablab-engine/internal/market"
	"github.com/solosolocodes/lablab-engine/internal/progress"
	"github.com/solosolocodes/lablab-engine/internal/session"
)

// Response is the generic envelope for session endpoints.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type sessionRequest struct {
	UserID   string            `json:"userId"`
	StageID  string            `json:"stageId,omitempty"`
	Seconds  int               `json:"seconds,omitempty"`
	Answers  map[string]string `json:"answers,omitempty"`
	AssetID  string            `json:"assetId,omitempty"`
	Type     string            `json:"type,omitempty"`
	Quantity int               `json:"quantity,omitempty"`
}

type stateResponse struct {
	OK       bool              `json:"ok"`
	Progress progress.Progress `json:"progress"`
	Stage    interface{}       `json:"stage,omitempty"`
	Scenario *market.RunState  `json:"scenario,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

func decodeSessionRequest(w http.ResponseWriter, r *http.Request) (*sessionRequest, bool) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_ = json.NewEncoder(w).Encode(Response{OK: false, Error: "method not allowed"})
		return nil, false
	}

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(Response{OK: false, Error: "invalid JSON"})
		return nil, false
	}
	if req.UserID == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(Response{OK: false, Error: "userId required"})
		return nil, false
	}
	if manager == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(Response{OK: false, Error: "no experiment loaded"})
		return nil, false
	}
	return &req, true
}

// writeResult maps engine errors onto the wire. Recoverable participant
// errors (rejected trades, stale transitions) come back as ok:false with
// HTTP 200; only engine faults are 5xx.
func writeResult(w http.ResponseWriter, err error) {
	if err == nil {
		_ = json.NewEncoder(w).Encode(Response{OK: true})
		return
	}
	if errors.Is(err, session.ErrStaleTransition) ||
		errors.Is(err, session.ErrSessionCompleted) ||
		errors.Is(err, session.ErrWrongStageType) ||
		errors.Is(err, session.ErrNoActiveScenario) ||
		errors.Is(err, market.ErrInsufficientFunds) ||
		errors.Is(err, market.ErrInsufficientHoldings) ||
		errors.Is(err, market.ErrInvalidQuantity) ||
		errors.Is(err, market.ErrUnknownAsset) ||
		errors.Is(err, market.ErrScenarioInactive) {
		_ = json.NewEncoder(w).Encode(Response{OK: false, Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(Response{OK: false, Error: err.Error()})
}

func sessionStartHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	runner, err := manager.Session(req.UserID)
	if err != nil {
		writeResult(w, err)
		return
	}
	writeResult(w, runner.Start())
}

func sessionStateHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(Response{OK: false, Error: "userId required"})
		return
	}
	if manager == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(Response{OK: false, Error: "no experiment loaded"})
		return
	}
	runner, err := manager.Session(userID)
	if err != nil {
		writeResult(w, err)
		return
	}

	resp := stateResponse{OK: true, Progress: runner.Progress()}
	if stage, ok := runner.CurrentStage(); ok {
		resp.Stage = stage
	}
	if st, ok := runner.ScenarioState(); ok {
		resp.Scenario = &st
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func ackHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	runner, err := manager.Session(req.UserID)
	if err != nil {
		writeResult(w, err)
		return
	}
	writeResult(w, runner.AcknowledgeStage(req.StageID))
}

func surveyHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	runner, err := manager.Session(req.UserID)
	if err != nil {
		writeResult(w, err)
		return
	}
	writeResult(w, runner.SubmitSurvey(req.StageID, req.Answers))
}

func tickHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	seconds := req.Seconds
	if seconds <= 0 {
		seconds = 1
	}
	runner, err := manager.Session(req.UserID)
	if err != nil {
		writeResult(w, err)
		return
	}
	writeResult(w, runner.Tick(seconds))
}

type tradeResponse struct {
	OK          bool                `json:"ok"`
	Error       string              `json:"error,omitempty"`
	Balances    *market.Balances    `json:"balances,omitempty"`
	Transaction *market.Transaction `json:"transaction,omitempty"`
}

func tradeHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	runner, err := manager.Session(req.UserID)
	if err != nil {
		writeResult(w, err)
		return
	}
	balances, tx, err := runner.Trade(req.AssetID, market.TradeType(req.Type), req.Quantity)
	if err != nil {
		// Rejected trades surface to the participant; nothing mutated.
		_ = json.NewEncoder(w).Encode(tradeResponse{OK: false, Error: err.Error(), Balances: &balances})
		return
	}
	_ = json.NewEncoder(w).Encode(tradeResponse{OK: true, Balances: &balances, Transaction: &tx})
}

func suspendHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	runner, err := manager.Session(req.UserID)
	if err != nil {
		writeResult(w, err)
		return
	}
	writeResult(w, runner.Suspend())
}

func resumeHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	runner, err := manager.Session(req.UserID)
	if err != nil {
		writeResult(w, err)
		return
	}
	writeResult(w, runner.Resume())
}

func resetHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	writeResult(w, manager.Reset(req.UserID))
}
