// Package txn binds each request to a storage transaction drawn from a
// bounded pool and serializes access to a tenant's collection through the
// shared lock table. A Txn is owned by exactly one request and is finalized
// by exactly one Commit or Rollback.
package txn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/syncd/internal/auth"
	"pkt.systems/syncd/internal/locks"
	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/svcfields"
	"pkt.systems/syncd/internal/synctime"
)

// Mode is the lock mode requested for a collection.
type Mode = locks.Mode

const (
	ModeRead  = locks.Read
	ModeWrite = locks.Write
)

// ModeForMethod maps an HTTP method onto a lock mode: GET and HEAD read,
// everything else writes.
func ModeForMethod(method string) Mode {
	switch method {
	case http.MethodGet, http.MethodHead:
		return ModeRead
	default:
		return ModeWrite
	}
}

// LockRequest scopes a lock to exactly one (identity, collection) pair.
type LockRequest struct {
	Identity   auth.Identity
	Collection string
	Mode       Mode
}

func (r LockRequest) key() locks.Key {
	return locks.Key{UserID: r.Identity.UserID, Collection: r.Collection}
}

// Config wires a Manager.
type Config struct {
	Backend     storage.Backend
	Locks       *locks.Table
	PoolSize    int
	PoolTimeout time.Duration
	LockTimeout time.Duration
	Clock       synctime.Clock
	Logger      pslog.Logger
}

// Manager hands out transactions.
type Manager struct {
	backend     storage.Backend
	locks       *locks.Table
	pool        *Pool
	lockTimeout time.Duration
	clock       synctime.Clock
	logger      pslog.Logger
	metrics     *txnMetrics
}

// Stats is a point-in-time view of manager occupancy.
type Stats struct {
	PoolSize   int64
	PoolInUse  int64
	LockedKeys int
}

// NewManager validates cfg and builds a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("txn: backend required")
	}
	if cfg.Locks == nil {
		cfg.Locks = locks.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = synctime.Real{}
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "txn.manager")
	return &Manager{
		backend:     cfg.Backend,
		locks:       cfg.Locks,
		pool:        NewPool(cfg.PoolSize, cfg.PoolTimeout),
		lockTimeout: cfg.LockTimeout,
		clock:       cfg.Clock,
		logger:      logger,
		metrics:     newTxnMetrics(logger),
	}, nil
}

// Acquire checks a slot out of the pool and begins a backend transaction.
// Failures match ErrPool.
func (m *Manager) Acquire(ctx context.Context) (*Txn, error) {
	begin := time.Now()
	release, err := m.pool.Checkout(ctx)
	if err != nil {
		m.metrics.recordPoolWait(ctx, time.Since(begin), "error")
		m.loggerFor(ctx).Debug("txn.pool.exhausted", "wait", time.Since(begin), "size", m.pool.Size(), "error", err)
		return nil, err
	}
	m.metrics.recordPoolWait(ctx, time.Since(begin), "ok")
	tx, err := m.backend.Begin(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: begin: %w", ErrPool, err)
	}
	m.metrics.recordInFlight(ctx, 1)
	t := &Txn{
		id:      xid.New().String(),
		m:       m,
		tx:      tx,
		release: release,
		ts:      synctime.Now(m.clock),
		started: time.Now(),
	}
	m.loggerFor(ctx).Trace("txn.acquired", "txn_id", t.id, "ts", t.ts)
	return t, nil
}

// Stats reports pool and lock table occupancy.
func (m *Manager) Stats() Stats {
	return Stats{
		PoolSize:   m.pool.Size(),
		PoolInUse:  m.pool.InUse(),
		LockedKeys: m.locks.Len(),
	}
}

// Ping checks the backend.
func (m *Manager) Ping(ctx context.Context) error {
	return m.backend.Ping(ctx)
}

// Close stops handing out transactions and wakes lock waiters. The backend
// is left open for its owner to close.
func (m *Manager) Close() {
	m.pool.Close()
	m.locks.Close()
}

func (m *Manager) loggerFor(ctx context.Context) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	return m.logger
}
