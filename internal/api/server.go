// Package api exposes the engine to its collaborators: a health probe,
// the engine event stream (snapshot, history, live WebSocket), and the
// session endpoints participants drive. No HTML and no auth live here;
// presentation is the external collaborator's concern.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/solosolocodes/lablab-engine/internal/events"
	"github.com/solosolocodes/lablab-engine/internal/session"
	"github.com/solosolocodes/lablab-engine/internal/storage"
	"github.com/solosolocodes/lablab-engine/internal/version"
)

var manager *session.Manager

// SetManager sets the session manager used by the session endpoints.
func SetManager(m *session.Manager) {
	manager = m
}

// EventLog is the durable event history the API queries.
type EventLog interface {
	QueryEvents(limit int) ([]storage.EventRow, error)
}

var eventLog EventLog

// SetEventLog sets the durable event log used by /events/history.
func SetEventLog(l EventLog) {
	eventLog = l
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	resp := HealthResponse{
		Status:    "ok",
		Service:   "engine",
		Version:   version.Version,
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func eventsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events.Snapshot())
}

func eventHistoryHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if eventLog == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(Response{OK: false, Error: "event log not available"})
		return
	}
	rows, err := eventLog.QueryEvents(200)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(Response{OK: false, Error: err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(rows)
}

// ListenAndServe starts the API server on the given port.
// It blocks until the server exits.
func ListenAndServe(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/events", eventsHandler)
	mux.HandleFunc("/events/history", eventHistoryHandler)
	mux.HandleFunc("/ws/events", wsEventsHandler)

	mux.HandleFunc("/session/start", sessionStartHandler)
	mux.HandleFunc("/session/state", sessionStateHandler)
	mux.HandleFunc("/session/ack", ackHandler)
	mux.HandleFunc("/session/survey", surveyHandler)
	mux.HandleFunc("/session/tick", tickHandler)
	mux.HandleFunc("/session/trade", tradeHandler)
	mux.HandleFunc("/session/suspend", suspendHandler)
	mux.HandleFunc("/session/resume", resumeHandler)
	mux.HandleFunc("/session/reset", resetHandler)

	addr := fmt.Sprintf(":%d", port)
	log.Printf("API listening on %s\n", addr)
	return http.ListenAndServe(addr, mux)
}

// Start starts the API server in a goroutine.
// Errors are logged but do not stop the caller.
func Start(port int) {
	go func() {
		if err := ListenAndServe(port); err != nil {
			log.Printf("api server error: %v", err)
		}
	}()
}
