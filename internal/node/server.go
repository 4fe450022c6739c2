package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/coldbell/p2pswap/internal/config"
	"github.com/coldbell/p2pswap/internal/ledger"
)

// Server exposes a ledger over HTTP. It speaks a small REST surface under
// /api/v1 and the subset of the Solana JSON-RPC protocol that the indexer,
// the keeper and solana-go clients rely on.
type Server struct {
	cfg       config.NodeConfig
	ledger    *ledger.Ledger
	programID solana.PublicKey
	logger    *slog.Logger
	router    *mux.Router
}

func New(cfg config.NodeConfig, l *ledger.Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		ledger:    l,
		programID: cfg.SwapProgramID,
		logger:    logger,
		router:    mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/blockhash", s.handleGetBlockhash).Methods(http.MethodGet)
	api.HandleFunc("/transactions", s.handleSubmitTransaction).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{signature}", s.handleGetTransaction).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods(http.MethodGet)
	api.HandleFunc("/programs/{program}/accounts", s.handleGetProgramAccounts).Methods(http.MethodGet)
	api.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{address}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/treasury", s.handleGetTreasury).Methods(http.MethodGet)
	api.HandleFunc("/airdrop", s.handleAirdrop).Methods(http.MethodPost)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.handleJSONRPC).Methods(http.MethodPost)
}

// Handler returns the router wrapped with the configured CORS policy.
func (s *Server) Handler() http.Handler {
	origins := make([]string, 0, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Run serves until ctx is cancelled. When a slot interval is configured the
// ledger also advances on its own so that blockhashes keep rolling while the
// node is idle.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	if s.cfg.SlotInterval > 0 {
		go s.advanceSlots(ctx, s.cfg.SlotInterval)
	}

	s.logger.Info("ledger-node started",
		"listen_addr", s.cfg.ListenAddr,
		"store", s.cfg.Store,
		"swap_program_id", s.programID.String(),
		"slot_interval", s.cfg.SlotInterval.String(),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("ledger-node stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown ledger-node: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

func (s *Server) advanceSlots(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ledger.Advance()
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "err", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, errorResponse{Error: message})
}
