package session

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/auth"
	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/mirror"
	"carbon-scribe/ledger-reconciler/internal/txn"
)

// Manager owns the active session and rebuilds it on network change. The
// mirror outlives sessions so subscribers stay attached across reconnects.
type Manager struct {
	mu      sync.RWMutex
	opts    Options
	current *Session
	stopFwd func()

	mirror *mirror.Store
	onTx   func(txn.Record)
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewManager creates a manager that is not yet connected.
func NewManager(opts Options, store *mirror.Store, logger *zap.Logger) *Manager {
	return &Manager{opts: opts, mirror: store, logger: logger}
}

// OnTransaction registers a callback for transaction updates of every
// future session. fn must not call back into the Manager.
func (m *Manager) OnTransaction(fn func(txn.Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTx = fn
}

// Mirror returns the shared snapshot store.
func (m *Manager) Mirror() *mirror.Store { return m.mirror }

// Connect opens a session with the current options, replacing any open one.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) (*Session, error) {
	s, err := Connect(ctx, m.opts, m.mirror, m.logger)
	if err != nil {
		return nil, err
	}
	m.current = s

	if m.onTx != nil {
		updates, unsubscribe := s.Orchestrator.Subscribe(64)
		m.stopFwd = unsubscribe
		notify := m.onTx
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for rec := range updates {
				notify(rec)
			}
		}()
	}
	return s, nil
}

// Current returns the open session.
func (m *Manager) Current() (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, ledger.Errorf(ledger.KindConnectivity, "session", "not connected")
	}
	return m.current, nil
}

// RoleContext returns the open session's resolver and wallet.
func (m *Manager) RoleContext() (*auth.Resolver, common.Address, error) {
	s, err := m.Current()
	if err != nil {
		return nil, common.Address{}, err
	}
	return s.Resolver, s.Account(), nil
}

// SwitchNetwork tears the session down, clears the mirror and reconnects
// against another deployment. An empty contract keeps the current one.
func (m *Manager) SwitchNetwork(ctx context.Context, chainID int64, endpoints []string, contract string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeLocked()
	m.mirror.Clear()
	m.opts.Network.ChainID = chainID
	m.opts.Network.Endpoints = append([]string(nil), endpoints...)
	if contract != "" {
		m.opts.Network.ContractAddress = contract
	}
	m.logger.Info("Switching network", zap.Int64("chain_id", chainID), zap.Strings("endpoints", endpoints))
	return m.connectLocked(ctx)
}

// Disconnect closes the session and clears the mirror.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	m.mirror.Clear()
}

func (m *Manager) closeLocked() {
	if m.current == nil {
		return
	}
	if m.stopFwd != nil {
		m.stopFwd()
		m.stopFwd = nil
	}
	m.current.Close()
	m.current = nil
	m.wg.Wait()
}

// ReconcileAll reconciles through the open session, connecting first when
// an earlier connect failed.
func (m *Manager) ReconcileAll(ctx context.Context) (mirror.Snapshot, error) {
	s, err := m.Current()
	if err != nil {
		m.logger.Info("Reconnecting before reconciliation")
		if s, err = m.Connect(ctx); err != nil {
			return mirror.Snapshot{}, err
		}
	}
	return s.ReconcileAll(ctx)
}
