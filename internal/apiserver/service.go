package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/cors"

	"github.com/coldbell/p2pswap/internal/config"
	"github.com/coldbell/p2pswap/internal/indexer"
)

// readStore is the read side of the indexer database.
type readStore interface {
	ListOrders(ctx context.Context, filter indexer.OrderFilter) ([]indexer.OrderRecord, int, int, error)
	GetOrder(ctx context.Context, pubkey string) (*indexer.OrderRecord, error)
	ListOrderEvents(ctx context.Context, filter indexer.OrderEventFilter) ([]indexer.OrderEventRecord, int, int, error)
	GetTreasury(ctx context.Context) (*indexer.TreasuryRecord, error)
	GetSyncState(ctx context.Context) (*indexer.SyncState, error)
	Close() error
}

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            readStore
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := indexer.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return newService(cfg, logger, store), nil
}

func newService(cfg config.APIServerConfig, logger *slog.Logger, store readStore) *Service {
	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/orders", s.handleOrders)
	mux.HandleFunc("/api/v1/orders/", s.handleOrder)
	mux.HandleFunc("/api/v1/order-events", s.handleOrderEvents)
	mux.HandleFunc("/api/v1/treasury", s.handleTreasury)
	mux.HandleFunc("/ws", s.handleWebsocket)

	origins := []string{"*"}
	if !s.allowAllOrigins {
		origins = make([]string, 0, len(s.allowedOriginSet))
		for origin := range s.allowedOriginSet {
			origins = append(origins, origin)
		}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}).Handler(mux)
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

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

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
		"ws_push_interval", s.cfg.WSPushInterval.String(),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK       bool   `json:"ok"`
	LastSlot uint64 `json:"last_slot"`
	SyncedAt int64  `json:"synced_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	state, err := s.store.GetSyncState(r.Context())
	if err != nil {
		s.logger.Error("get sync state failed", "err", err)
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	resp := healthResponse{OK: true}
	if state != nil {
		resp.LastSlot = state.LastSlot
		resp.SyncedAt = state.UpdatedAt
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Service) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	filter, err := parseOrderFilter(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListOrders(r.Context(), filter)
	if err != nil {
		s.logger.Error("list orders failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.OrderRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/orders/"), "/")
	pubkey, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid order address: %v", err))
		return
	}

	order, err := s.store.GetOrder(r.Context(), pubkey.String())
	if err != nil {
		s.logger.Error("get order failed", "order", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get order")
		return
	}
	if order == nil {
		s.respondError(w, http.StatusNotFound, "order not found")
		return
	}
	s.respondJSON(w, http.StatusOK, order)
}

func (s *Service) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	orderPubkey, err := parseOptionalPubkey(r, "order")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	maker, err := parseOptionalPubkey(r, "maker")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	eventType := strings.TrimSpace(r.URL.Query().Get("event_type"))
	if eventType != "" && !isEventType(eventType) {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid event_type: %q", eventType))
		return
	}
	afterID, err := parseOptionalInt64(r, "after_id", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListOrderEvents(r.Context(), indexer.OrderEventFilter{
		OrderPubkey: orderPubkey,
		EventType:   eventType,
		Maker:       maker,
		AfterID:     afterID,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.logger.Error("list order events failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list order events")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.OrderEventRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleTreasury(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	treasury, err := s.store.GetTreasury(r.Context())
	if err != nil {
		s.logger.Error("get treasury failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get treasury")
		return
	}
	if treasury == nil {
		s.respondError(w, http.StatusNotFound, "treasury not indexed")
		return
	}
	s.respondJSON(w, http.StatusOK, treasury)
}

func parseOrderFilter(r *http.Request) (indexer.OrderFilter, error) {
	var filter indexer.OrderFilter
	var err error
	if filter.Maker, err = parseOptionalPubkey(r, "maker"); err != nil {
		return filter, err
	}
	if filter.Taker, err = parseOptionalPubkey(r, "taker"); err != nil {
		return filter, err
	}
	if filter.MakerMint, err = parseOptionalPubkey(r, "maker_mint"); err != nil {
		return filter, err
	}
	if filter.TakerMint, err = parseOptionalPubkey(r, "taker_mint"); err != nil {
		return filter, err
	}
	filter.Status = strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	if filter.Status != "" && !isOrderStatus(filter.Status) {
		return filter, fmt.Errorf("invalid status: %q (expected open|settled|closed)", filter.Status)
	}
	if filter.Limit, err = parseOptionalInt(r, "limit", 0); err != nil {
		return filter, err
	}
	if filter.Offset, err = parseOptionalInt(r, "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

func isOrderStatus(status string) bool {
	switch status {
	case "open", "settled", indexer.OrderStatusClosed:
		return true
	default:
		return false
	}
}

func isEventType(eventType string) bool {
	switch eventType {
	case indexer.EventCreated, indexer.EventAmended, indexer.EventTakerChanged, indexer.EventSettled, indexer.EventClosed:
		return true
	default:
		return false
	}
}

// parseOptionalPubkey returns the canonical base58 form, or "" when absent.
func parseOptionalPubkey(r *http.Request, key string) (string, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return "", nil
	}
	pubkey, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", key, err)
	}
	return pubkey.String(), nil
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseOptionalInt64(r *http.Request, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
