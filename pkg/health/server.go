package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/payout-hq/tx-broadcaster/pkg/broadcaster"
	"github.com/payout-hq/tx-broadcaster/pkg/chainregistry"
	"github.com/payout-hq/tx-broadcaster/pkg/circuitbreaker"
	"github.com/payout-hq/tx-broadcaster/pkg/coordstore"
	"github.com/payout-hq/tx-broadcaster/pkg/logger"
	"github.com/payout-hq/tx-broadcaster/pkg/metrics"
)

// Server exposes health, readiness, status and metrics endpoints
type Server struct {
	addr            string
	registry        *chainregistry.Registry
	store           coordstore.Store
	broadcaster     *broadcaster.Broadcaster
	circuitBreakers map[int64]*circuitbreaker.CircuitBreaker
	metricsAPIKey   string
	logger          logger.Logger
}

// NewServer creates a new health check server
func NewServer(
	addr string,
	registry *chainregistry.Registry,
	store coordstore.Store,
	bc *broadcaster.Broadcaster,
	circuitBreakers map[int64]*circuitbreaker.CircuitBreaker,
	log logger.Logger,
) *Server {
	return &Server{
		addr:            addr,
		registry:        registry,
		store:           store,
		broadcaster:     bc,
		circuitBreakers: circuitBreakers,
		metricsAPIKey:   os.Getenv("METRICS_API_KEY"),
		logger:          log,
	}
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// healthy reports whether the coordination store and at least one chain RPC
// are reachable
func (s *Server) healthy(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.store.Ping(checkCtx); err != nil {
		return fmt.Errorf("coordination store unreachable: %v", err)
	}

	chainIDs := s.registry.ChainIDs()
	for _, chainID := range chainIDs {
		if _, err := s.broadcaster.NetworkStatus(checkCtx, chainID); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no chain RPC reachable (%d configured)", len(chainIDs))
}

// Start starts the health check server. Blocks until the listener fails.
func (s *Server) Start() {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.healthy(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Readiness check
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if len(s.registry.ChainIDs()) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("No chains configured"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	})

	// Chain status endpoint
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := make(map[string]interface{})

		for _, chainID := range s.registry.ChainIDs() {
			spec, _ := s.registry.Spec(chainID)

			circuitStatus := "closed"
			if cb, ok := s.circuitBreakers[chainID]; ok && cb.IsOpen() {
				circuitStatus = "open"
			}

			chainStatus := map[string]interface{}{
				"chain":   spec.Chain,
				"network": spec.Network,
				"circuit": circuitStatus,
			}

			if info, err := s.broadcaster.NetworkStatus(r.Context(), chainID); err == nil {
				chainStatus["latest_block"] = info.BlockNumber
				chainStatus["gas_price"] = info.GasPrice.String()

				gasPriceGwei := float64(info.GasPrice.Int64()) / 1e9
				metrics.GasPrice.WithLabelValues(strconv.FormatInt(chainID, 10)).Set(gasPriceGwei)
			} else {
				chainStatus["rpc_error"] = err.Error()
			}

			status[fmt.Sprintf("chain_%d", chainID)] = chainStatus
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			s.logger.Error("Error encoding status JSON: %v", err)
		}
	})

	// Circuit breaker admin control endpoint
	mux.HandleFunc("/circuit/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		chainIDStr := r.URL.Query().Get("chain")
		if chainIDStr == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("Missing chain parameter"))
			return
		}

		chainID, err := strconv.ParseInt(chainIDStr, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("Invalid chain ID"))
			return
		}

		cb, ok := s.circuitBreakers[chainID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(fmt.Sprintf("No circuit breaker for chain %d", chainID)))
			return
		}

		cb.Reset()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(fmt.Sprintf("Circuit breaker for chain %d reset", chainID)))
	})

	// Expose Prometheus metrics with API key authentication
	mux.Handle("/metrics", s.metricsAuthMiddleware(promhttp.Handler()))

	s.logger.Info("Starting health and metrics server on %s", s.addr)
	if err := http.ListenAndServe(s.addr, mux); err != nil {
		s.logger.Error("Health server error: %v", err)
	}
}
