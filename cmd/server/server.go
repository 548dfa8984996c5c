package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trip-agent/agent_go/internal/llm"
	"trip-agent/agent_go/internal/utils"
	"trip-agent/agent_go/pkg/agentstream"
	"trip-agent/agent_go/pkg/logger"
	"trip-agent/agent_go/pkg/mailbox"
	"trip-agent/agent_go/pkg/pipeline"
	"trip-agent/agent_go/pkg/research"
	"trip-agent/agent_go/pkg/store"
	"trip-agent/agent_go/pkg/summary"
)

// ServerCmd represents the server command
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the research API server",
	Long: `Start the HTTP server that drives agent research requests, persists
versioned cost estimates, and serves the per-session change mailbox to
polling clients.

The server provides:
- POST /api/research to run a full research request
- GET  /api/sessions/{session_id}/changes to drain pending itinerary changes
- POST /api/costs/save to persist cost items directly (internal)
- Read-only scenario endpoints for versions and rollups

Examples:
  trip-agent server                         # Start with default settings
  trip-agent server --port 8000             # Custom port
  trip-agent server --agent-base-url http://localhost:9000
  trip-agent server --cors-origins "*"      # Enable CORS for all origins`,
	Run: runServer,
}

// ServerConfig holds the externally configurable server settings.
type ServerConfig struct {
	Port           int           `json:"port"`
	Host           string        `json:"host"`
	CORSOrigins    []string      `json:"cors_origins"`
	AgentBaseURL   string        `json:"agent_base_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
	ToolThreshold  int           `json:"tool_response_threshold"`
	MaxTurns       int           `json:"max_turns"`
	DBPath         string        `json:"db_path"`
	MailboxLimit   int           `json:"mailbox_limit"`

	// Summary LLM configuration
	SummaryProvider    string  `json:"summary_provider"`
	SummaryModel       string  `json:"summary_model"`
	SummaryTemperature float64 `json:"summary_temperature"`
}

func init() {
	ServerCmd.Flags().Int("port", 8080, "server port")
	ServerCmd.Flags().String("host", "0.0.0.0", "server host")
	ServerCmd.Flags().StringSlice("cors-origins", []string{"http://localhost:3000"}, "allowed CORS origins")
	ServerCmd.Flags().String("agent-base-url", "http://localhost:9000", "agent runtime base URL")
	ServerCmd.Flags().Duration("request-timeout", 3*time.Minute, "overall research request timeout")
	ServerCmd.Flags().Int("tool-response-threshold", 3, "completed tool responses before tools stop being advertised")
	ServerCmd.Flags().Int("max-turns", 10, "maximum model turns per research request")
	ServerCmd.Flags().String("db-path", "data/trip-agent.db", "SQLite database path")
	ServerCmd.Flags().Int("mailbox-limit", 0, "per-session mailbox capacity (0 = unbounded)")
	ServerCmd.Flags().String("summary-provider", "openai", "LLM provider for summary synthesis")
	ServerCmd.Flags().String("summary-model", "", "model ID for summary synthesis (provider default if empty)")
	ServerCmd.Flags().Float64("summary-temperature", 0.3, "temperature for summary synthesis")

	viper.BindPFlag("port", ServerCmd.Flags().Lookup("port"))
	viper.BindPFlag("host", ServerCmd.Flags().Lookup("host"))
	viper.BindPFlag("cors-origins", ServerCmd.Flags().Lookup("cors-origins"))
	viper.BindPFlag("agent-base-url", ServerCmd.Flags().Lookup("agent-base-url"))
	viper.BindPFlag("request-timeout", ServerCmd.Flags().Lookup("request-timeout"))
	viper.BindPFlag("tool-response-threshold", ServerCmd.Flags().Lookup("tool-response-threshold"))
	viper.BindPFlag("max-turns", ServerCmd.Flags().Lookup("max-turns"))
	viper.BindPFlag("db-path", ServerCmd.Flags().Lookup("db-path"))
	viper.BindPFlag("mailbox-limit", ServerCmd.Flags().Lookup("mailbox-limit"))
	viper.BindPFlag("summary-provider", ServerCmd.Flags().Lookup("summary-provider"))
	viper.BindPFlag("summary-model", ServerCmd.Flags().Lookup("summary-model"))
	viper.BindPFlag("summary-temperature", ServerCmd.Flags().Lookup("summary-temperature"))
}

func loadConfig() *ServerConfig {
	return &ServerConfig{
		Port:               viper.GetInt("port"),
		Host:               viper.GetString("host"),
		CORSOrigins:        viper.GetStringSlice("cors-origins"),
		AgentBaseURL:       viper.GetString("agent-base-url"),
		RequestTimeout:     viper.GetDuration("request-timeout"),
		ToolThreshold:      viper.GetInt("tool-response-threshold"),
		MaxTurns:           viper.GetInt("max-turns"),
		DBPath:             viper.GetString("db-path"),
		MailboxLimit:       viper.GetInt("mailbox-limit"),
		SummaryProvider:    viper.GetString("summary-provider"),
		SummaryModel:       viper.GetString("summary-model"),
		SummaryTemperature: viper.GetFloat64("summary-temperature"),
	}
}

// ResearchAPI bundles the server's shared components.
type ResearchAPI struct {
	config   *ServerConfig
	pipeline *pipeline.Pipeline
	store    store.Store
	mailbox  *mailbox.Mailbox
	logger   utils.ExtendedLogger
}

func runServer(cmd *cobra.Command, args []string) {
	log := createServerLogger()
	defer log.Close()

	config := loadConfig()
	log.Infof("starting trip-agent server - host: %s, port: %d, agent_base_url: %s, db_path: %s",
		config.Host, config.Port, config.AgentBaseURL, config.DBPath)

	st, err := store.NewSQLiteStore(config.DBPath, log)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	provider, err := llm.ValidateProvider(config.SummaryProvider)
	if err != nil {
		log.Fatalf("invalid summary provider: %v", err)
	}
	model, err := llm.NewModel(provider, config.SummaryModel)
	if err != nil {
		log.Fatalf("failed to create summary model: %v", err)
	}

	mbox := mailbox.New(config.MailboxLimit)
	client := agentstream.NewClient(config.AgentBaseURL, config.RequestTimeout, log)
	synth := summary.NewSynthesizer(model, config.SummaryTemperature, 0, log)

	api := &ResearchAPI{
		config: config,
		pipeline: pipeline.New(client, st, mbox, synth, pipeline.Config{
			ToolResponseThreshold: config.ToolThreshold,
			MaxTurns:              config.MaxTurns,
			RequestTimeout:        config.RequestTimeout,
		}, log),
		store:   st,
		mailbox: mbox,
		logger:  log,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/health", api.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/capabilities", api.handleCapabilities).Methods(http.MethodGet)
	router.HandleFunc("/api/research", api.handleResearch).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/{session_id}/changes", api.handleChanges).Methods(http.MethodGet)
	router.HandleFunc("/api/costs/save", api.handleSaveCosts).Methods(http.MethodPost)

	// Read-only scenario endpoints live in a gin group mounted under the
	// same listener.
	router.PathPrefix("/api/scenarios").Handler(ScenarioRoutes(st))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      api.corsMiddleware(router),
		ReadTimeout:  30 * time.Second,
		// Research requests stay open for minutes; the write timeout has
		// to outlast the request timeout.
		WriteTimeout: config.RequestTimeout + 30*time.Second,
	}

	go func() {
		log.Infof("server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("forced shutdown: %v", err)
	}
	log.Info("server stopped")
}

func createServerLogger() utils.ExtendedLogger {
	logFile := viper.GetString("log-file")
	logLevel := viper.GetString("log-level")
	logFormat := viper.GetString("log-format")
	if viper.GetBool("debug") {
		logLevel = "debug"
	}
	log, err := logger.CreateLogger(logFile, logLevel, logFormat, true)
	if err != nil {
		return logger.CreateDefaultLogger()
	}
	return log
}

func (api *ResearchAPI) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range api.config.CORSOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (api *ResearchAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := api.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		api.logger.Errorf("health check: store unreachable: %v", err)
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (api *ResearchAPI) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"capabilities": map[string]any{
			"research":                true,
			"change_polling":          true,
			"versioned_scenarios":     true,
			"summary_synthesis":       true,
			"tool_response_threshold": api.config.ToolThreshold,
		},
	})
}

// handleResearch runs one full research request. Each request gets its own
// goroutine via net/http; all coordination state is request-scoped inside
// the pipeline.
func (api *ResearchAPI) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if missing := firstMissing(
		field{"session_id", req.SessionID},
		field{"scenario_id", req.ScenarioID},
		field{"destination_id", req.DestinationID},
		field{"destination_name", req.DestinationName},
	); missing != "" {
		writeError(w, http.StatusBadRequest, missing+" is required")
		return
	}

	resp, err := api.pipeline.Run(r.Context(), req)
	if err != nil {
		var streamErr *agentstream.StreamError
		if errors.As(err, &streamErr) {
			api.logger.Errorf("research stream failed - session_id: %s: %v", req.SessionID, err)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		api.logger.Errorf("research failed - session_id: %s: %v", req.SessionID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChanges drains the session's mailbox. Each entry is delivered to
// at most one poll.
func (api *ResearchAPI) handleChanges(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	entries := api.mailbox.Drain(sessionID)
	if entries == nil {
		entries = []mailbox.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"changes": entries,
	})
}

type saveCostsRequest struct {
	ScenarioID      string                  `json:"scenario_id"`
	DestinationID   string                  `json:"destination_id"`
	DestinationName string                  `json:"destination_name"`
	CostItems       []research.CostLineItem `json:"cost_items"`
}

// handleSaveCosts is the internal persistence endpoint.
func (api *ResearchAPI) handleSaveCosts(w http.ResponseWriter, r *http.Request) {
	var req saveCostsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if missing := firstMissing(
		field{"scenario_id", req.ScenarioID},
		field{"destination_id", req.DestinationID},
	); missing != "" {
		writeError(w, http.StatusBadRequest, missing+" is required")
		return
	}

	outcome, err := api.store.Save(r.Context(), req.ScenarioID, req.DestinationID, req.DestinationName, req.CostItems)
	if err != nil {
		api.logger.Errorf("direct save failed - scenario_id: %s: %v", req.ScenarioID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"saved":       outcome.Saved,
		"version":     outcome.Version,
		"costs_saved": outcome.CostsSaved,
		"total_costs": outcome.TotalCosts,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"status": "error", "error": message})
}

type field struct {
	name  string
	value string
}

func firstMissing(fields ...field) string {
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return f.name
		}
	}
	return ""
}
