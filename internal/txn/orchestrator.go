package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/metrics"
	"carbon-scribe/ledger-reconciler/pkg/workflows"
)

// Kind names a logical ledger-mutating action.
type Kind string

const (
	KindSubmitProject  Kind = "submit-project"
	KindApprove        Kind = "approve"
	KindReject         Kind = "reject"
	KindList           Kind = "list"
	KindBuy            Kind = "buy"
	KindCancelListing  Kind = "cancel-listing"
	KindRecordEmission Kind = "record-emission"
	KindVerifyEmission Kind = "verify-emission"
)

// Metadata keys recorded on transactions.
const (
	MetaProjectID = "project_id"
	MetaListingID = "listing_id"
	MetaAmount    = "amount"
)

// ErrInFlight is returned when the same kind of action is already pending or submitted.
var ErrInFlight = errors.New("action already in flight")

// Record is the client-side view of one transaction attempt.
type Record struct {
	ID          uuid.UUID         `json:"id"`
	Kind        Kind              `json:"kind"`
	Account     common.Address    `json:"account"`
	Hash        common.Hash       `json:"hash"`
	Status      string            `json:"status"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Dismissed   bool              `json:"dismissed"`
}

// Terminal reports whether the record reached confirmed or failed.
func (r Record) Terminal() bool {
	return r.Status == workflows.TxConfirmed || r.Status == workflows.TxFailed
}

func (r Record) clone() Record {
	if r.Metadata != nil {
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		r.Metadata = meta
	}
	return r
}

// Confirmer waits for a broadcast transaction to be mined.
type Confirmer interface {
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// SendFunc performs the broadcast and returns the transaction hash. It may
// block on the wallet for as long as it takes.
type SendFunc func(ctx context.Context) (common.Hash, error)

type entry struct {
	rec  Record
	seq  uint64
	done chan struct{}
}

// Orchestrator drives ledger writes through idle, pending, submitted and
// confirmed or failed, allowing one in-flight action per kind.
type Orchestrator struct {
	mu       sync.RWMutex
	entries  map[uuid.UUID]*entry
	inFlight map[Kind]uuid.UUID
	subs     map[int]chan Record
	nextSub  int
	seq      uint64

	confirmer Confirmer
	machine   *workflows.StateMachine
	logger    *zap.Logger
	metrics   *metrics.ReconcilerMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. Watchers run until Close.
func NewOrchestrator(confirmer Confirmer, logger *zap.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		entries:   make(map[uuid.UUID]*entry),
		inFlight:  make(map[Kind]uuid.UUID),
		subs:      make(map[int]chan Record),
		confirmer: confirmer,
		machine:   workflows.NewTransactionStatusMachine(),
		logger:    logger,
		metrics:   metrics.Reconciler(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit runs send under the per-kind guard. A second call for a kind that
// is pending or submitted is rejected without calling send.
func (o *Orchestrator) Submit(ctx context.Context, kind Kind, account common.Address, meta map[string]string, send SendFunc) (Record, error) {
	o.mu.Lock()
	if id, busy := o.inFlight[kind]; busy {
		existing := o.entries[id].rec.clone()
		o.mu.Unlock()
		o.logger.Info("Duplicate submission ignored",
			zap.String("kind", string(kind)),
			zap.String("in_flight", id.String()))
		return existing, ledger.NewError(ledger.KindStateConflict, string(kind), ErrInFlight)
	}

	now := time.Now()
	e := &entry{
		rec: Record{
			ID:        uuid.New(),
			Kind:      kind,
			Account:   account,
			Status:    workflows.TxIdle,
			Metadata:  meta,
			CreatedAt: now,
			UpdatedAt: now,
		},
		done: make(chan struct{}),
	}
	o.seq++
	e.seq = o.seq
	e.rec = e.rec.clone()
	o.entries[e.rec.ID] = e
	o.inFlight[kind] = e.rec.ID
	rec, _ := o.transitionLocked(e, workflows.TxPending, nil)
	o.mu.Unlock()
	o.publish(rec)

	hash, err := send(ctx)
	if err != nil {
		o.mu.Lock()
		rec, _ = o.transitionLocked(e, workflows.TxFailed, err)
		o.mu.Unlock()
		o.publish(rec)
		o.logger.Warn("Transaction submission failed",
			zap.String("kind", string(kind)),
			zap.String("error_kind", rec.ErrorKind),
			zap.Error(err))
		return rec, err
	}

	o.mu.Lock()
	e.rec.Hash = hash
	rec, _ = o.transitionLocked(e, workflows.TxSubmitted, nil)
	o.mu.Unlock()
	o.publish(rec)

	o.wg.Add(1)
	go o.watch(e, hash)
	return rec, nil
}

func (o *Orchestrator) watch(e *entry, hash common.Hash) {
	defer o.wg.Done()

	_, err := o.confirmer.WaitMined(o.ctx, hash)
	if o.ctx.Err() != nil {
		return
	}

	status := workflows.TxConfirmed
	if err != nil {
		status = workflows.TxFailed
	}
	o.mu.Lock()
	rec, ok := o.transitionLocked(e, status, err)
	o.mu.Unlock()

	if ok {
		o.publish(rec)
		o.logger.Info("Transaction finished",
			zap.String("kind", string(rec.Kind)),
			zap.String("hash", hash.Hex()),
			zap.String("status", rec.Status))
	}
}

// transitionLocked validates and applies a status change. o.mu must be held.
func (o *Orchestrator) transitionLocked(e *entry, status string, cause error) (Record, bool) {
	if !o.machine.CanTransition(e.rec.Status, status) {
		o.logger.Error("Invalid transaction transition",
			zap.String("id", e.rec.ID.String()),
			zap.String("from", e.rec.Status),
			zap.String("to", status))
		return e.rec.clone(), false
	}
	e.rec.Status = status
	e.rec.UpdatedAt = time.Now()
	if cause != nil {
		e.rec.ErrorKind = ledger.KindOf(cause).String()
		e.rec.ErrorDetail = cause.Error()
	}
	o.metrics.ObserveTransition(string(e.rec.Kind), status)

	if e.rec.Terminal() {
		if o.inFlight[e.rec.Kind] == e.rec.ID {
			delete(o.inFlight, e.rec.Kind)
		}
		close(e.done)
		if e.rec.Dismissed {
			delete(o.entries, e.rec.ID)
		}
	}
	return e.rec.clone(), true
}

// Wait blocks until the record reaches a terminal state or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id uuid.UUID) (Record, error) {
	o.mu.RLock()
	e, ok := o.entries[id]
	o.mu.RUnlock()
	if !ok {
		return Record{}, ledger.Errorf(ledger.KindNotFound, "transaction", "transaction %s not found", id)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return e.rec.clone(), nil
}

// Get returns a record that has not been dropped.
func (o *Orchestrator) Get(id uuid.UUID) (Record, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.rec.clone(), true
}

// List returns visible records, oldest first.
func (o *Orchestrator) List() []Record {
	o.mu.RLock()
	visible := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		if !e.rec.Dismissed {
			visible = append(visible, e)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].seq < visible[j].seq })
	out := make([]Record, len(visible))
	for i, e := range visible {
		out[i] = e.rec.clone()
	}
	o.mu.RUnlock()
	return out
}

// InFlight reports whether kind currently holds the guard.
func (o *Orchestrator) InFlight(kind Kind) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.inFlight[kind]
	return ok
}

// Dismiss hides a record from the UI. A terminal record is dropped; an
// in-flight one keeps the guard until its watcher finishes, since the
// broadcast itself cannot be recalled.
func (o *Orchestrator) Dismiss(id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok {
		return ledger.Errorf(ledger.KindNotFound, "transaction", "transaction %s not found", id)
	}
	e.rec.Dismissed = true
	if e.rec.Terminal() {
		delete(o.entries, id)
	}
	return nil
}

// Subscribe streams record updates. Slow subscribers miss updates rather
// than blocking the orchestrator.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Record, func()) {
	ch := make(chan Record, buffer)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) publish(rec Record) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, ch := range o.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Close stops the receipt watchers. Records still submitted stay submitted.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (k Kind) String() string { return string(k) }

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSubmitProject, KindApprove, KindReject, KindList, KindBuy,
		KindCancelListing, KindRecordEmission, KindVerifyEmission:
		return k, nil
	}
	return "", fmt.Errorf("unknown transaction kind %q", s)
}
