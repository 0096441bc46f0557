package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIServer provides an HTTP interface for observing the bot.
type APIServer struct {
	server  *http.Server
	manager *TradeManager
	logger  *zap.Logger
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(manager *TradeManager, port int, logger *zap.Logger) *APIServer {
	mux := http.NewServeMux()
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	s := &APIServer{
		server:  server,
		manager: manager,
		logger:  logger.Named("api-server"),
	}

	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		UUID         string `json:"uuid"`
		Strategy     string `json:"strategy"`
		Symbol       string `json:"symbol"`
		InPosition   bool   `json:"in_position"`
		Preloaded    bool   `json:"preloaded"`
		WindowLength int    `json:"window_length"`
		StartTime    string `json:"start_time"`
		Uptime       string `json:"uptime"`
	}{
		UUID:         s.manager.UUID,
		Strategy:     s.manager.StrategyName(),
		Symbol:       s.manager.Symbol(),
		InPosition:   s.manager.InPosition(),
		Preloaded:    s.manager.Preloaded(),
		WindowLength: s.manager.WindowLength(),
		StartTime:    s.manager.StartTime.Format(time.RFC3339),
		Uptime:       time.Since(s.manager.StartTime).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to write status response", zap.Error(err))
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
	}
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
