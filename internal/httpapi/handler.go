package httpapi

import (
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/syncd/internal/auth"
	"pkt.systems/syncd/internal/precondition"
	"pkt.systems/syncd/internal/synctime"
	"pkt.systems/syncd/internal/txn"
)

const (
	defaultMaxRequestBytes = 2 << 20
	defaultRetryAfter      = 2 * time.Second
)

// Config groups the dependencies required by Handler. It is built once at
// startup and never mutated afterwards.
type Config struct {
	Transactions      *txn.Manager
	Verifier          *auth.Verifier
	Clock             synctime.Clock
	Logger            pslog.Logger
	MaxRequestBytes   int64
	RetryAfter        time.Duration
	EnableHTTPTracing bool
}

// Handler wires HTTP endpoints to the request pipeline.
type Handler struct {
	txns               *txn.Manager
	verifier           *auth.Verifier
	clock              synctime.Clock
	logger             pslog.Logger
	maxRequestBytes    int64
	retryAfter         int64
	httpTracingEnabled bool
	tracer             trace.Tracer
	preconditions      *precondition.Metrics
	metrics            *pipelineMetrics
}

// New validates cfg and constructs a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Transactions == nil {
		return nil, errors.New("httpapi: transaction manager required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("httpapi: verifier required")
	}
	if cfg.Clock == nil {
		cfg.Clock = synctime.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	maxBytes := cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBytes
	}
	retryAfter := cfg.RetryAfter
	if retryAfter <= 0 {
		retryAfter = defaultRetryAfter
	}
	return &Handler{
		txns:               cfg.Transactions,
		verifier:           cfg.Verifier,
		clock:              cfg.Clock,
		logger:             logger,
		maxRequestBytes:    maxBytes,
		retryAfter:         int64((retryAfter + time.Second - 1) / time.Second),
		httpTracingEnabled: cfg.EnableHTTPTracing,
		tracer:             otel.Tracer("pkt.systems/syncd/httpapi"),
		preconditions:      precondition.NewMetrics(logger),
		metrics:            newPipelineMetrics(logger),
	}, nil
}

// Register wires the storage routes and the heartbeat endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /1.5/{uid}/info/collections", h.wrap("info.collections", h.handleInfoCollections))
	mux.Handle("GET /1.5/{uid}/storage/{collection}", h.wrap("collection.get", h.handleCollectionGet))
	mux.Handle("POST /1.5/{uid}/storage/{collection}", h.wrap("collection.post", h.handleCollectionPost))
	mux.Handle("DELETE /1.5/{uid}/storage/{collection}", h.wrap("collection.delete", h.handleCollectionDelete))
	mux.Handle("GET /1.5/{uid}/storage/{collection}/{item}", h.wrap("item.get", h.handleItemGet))
	mux.Handle("PUT /1.5/{uid}/storage/{collection}/{item}", h.wrap("item.put", h.handleItemPut))
	mux.Handle("DELETE /1.5/{uid}/storage/{collection}/{item}", h.wrap("item.delete", h.handleItemDelete))
	mux.HandleFunc("GET /__heartbeat__", h.handleHeartbeat)
	mux.HandleFunc("GET /__lbheartbeat__", h.handleLBHeartbeat)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.txns.Ping(r.Context()); err != nil {
		h.logger.Warn("http.heartbeat.backend_unavailable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "storage": "unavailable"}, nil)
		return
	}
	stats := h.txns.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"storage":      "ok",
		"pool_size":    stats.PoolSize,
		"pool_in_use":  stats.PoolInUse,
		"locked_count": stats.LockedKeys,
	}, nil)
}

func (h *Handler) handleLBHeartbeat(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{}, nil)
}
