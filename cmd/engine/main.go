package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/solosolocodes/lablab-engine/internal/api"
	"github.com/solosolocodes/lablab-engine/internal/config"
	"github.com/solosolocodes/lablab-engine/internal/events"
	"github.com/solosolocodes/lablab-engine/internal/experiment"
	"github.com/solosolocodes/lablab-engine/internal/market"
	"github.com/solosolocodes/lablab-engine/internal/monitor"
	"github.com/solosolocodes/lablab-engine/internal/session"
	"github.com/solosolocodes/lablab-engine/internal/storage"
	"github.com/solosolocodes/lablab-engine/internal/storage/postgres"
	"github.com/solosolocodes/lablab-engine/internal/storage/sqlite"
	"github.com/solosolocodes/lablab-engine/internal/version"
)

type LogLine struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func logEvent(level, event, msg string, fields map[string]interface{}) {
	line := LogLine{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Event:     event,
		Message:   msg,
		Fields:    fields,
	}
	b, _ := json.Marshal(line)
	fmt.Println(string(b))
}

func main() {
	configPath := flag.String("config", "platform.yaml", "path to platform.yaml")
	flag.Parse()

	hostname, _ := os.Hostname()
	logEvent("info", "system.startup", "engine starting", map[string]interface{}{
		"service":  "engine",
		"version":  version.Version,
		"hostname": hostname,
		"pid":      os.Getpid(),
	})

	cfg, err := config.LoadPlatformConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load platform.yaml: %v", err)
	}

	exp, err := experiment.LoadExperiment(cfg.Documents.Experiment)
	if err != nil {
		log.Fatalf("failed to load experiment: %v", err)
	}
	scenarios, err := market.LoadScenarios(cfg.Documents.Scenarios)
	if err != nil {
		log.Fatalf("failed to load scenarios: %v", err)
	}
	surveys, err := experiment.LoadSurveys(cfg.Documents.Surveys)
	if err != nil {
		log.Fatalf("failed to load surveys: %v", err)
	}

	scenarioIDs := make(map[string]struct{}, len(scenarios))
	for id := range scenarios {
		scenarioIDs[id] = struct{}{}
	}
	graph, err := experiment.NewGraph(exp, experiment.GraphDeps{
		Surveys:   surveys,
		Scenarios: scenarioIDs,
	})
	if err != nil {
		log.Fatalf("experiment rejected: %v", err)
	}
	for _, warning := range graph.Warnings {
		log.Printf("graph warning: %s", warning)
	}

	var store storage.Store
	switch cfg.StorageDriver() {
	case "postgres":
		store, err = postgres.New(cfg.Lab.ID)
	case "sqlite":
		store, err = sqlite.Open(cfg.SQLitePath(), cfg.Lab.ID)
	}
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	events.SetSink(store)

	mqttClient := monitor.NewClient("lablab-engine-" + cfg.Lab.ID)
	var publisher *monitor.Publisher
	if mqttClient.StartWithRetry() {
		publisher = monitor.StartPublisher(mqttClient, monitor.EventTopic(cfg.Lab.ID))
		defer publisher.Stop()
	}

	manager := session.NewManager(graph, scenarios, store)
	api.SetManager(manager)
	api.SetEventLog(store)

	api.Start(cfg.APIPort())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	events.Emit("info", "system.shutdown", "engine stopping", map[string]interface{}{
		"service": "engine",
	})
	if mqttClient.IsConnected() {
		mqttClient.Disconnect()
	}
}
