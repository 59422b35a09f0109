package projects

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/metrics"
)

// Reader is the part of the ledger client the reconciler reads through.
type Reader interface {
	AggregateStats(ctx context.Context) (ledger.Stats, error)
	ProjectIDAt(ctx context.Context, index uint64) (*big.Int, error)
	Project(ctx context.Context, id *big.Int) (ledger.Record, error)
	AllProjects(ctx context.Context) ([]ledger.Record, error)
}

// ReconcilerConfig tunes enumeration.
type ReconcilerConfig struct {
	// FirstID is the id the ledger assigns to its first project.
	FirstID uint64
	// MaxProbe bounds both probing and dense enumeration.
	MaxProbe int
}

// DefaultReconcilerConfig returns the defaults used by the session.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{FirstID: 1, MaxProbe: 1000}
}

// Reconciler enumerates and fetches projects with per-item fault isolation.
type Reconciler struct {
	reader  Reader
	config  ReconcilerConfig
	logger  *zap.Logger
	metrics *metrics.ReconcilerMetrics
}

// NewReconciler creates a project reconciler.
func NewReconciler(reader Reader, config ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if config.MaxProbe <= 0 {
		config.MaxProbe = DefaultReconcilerConfig().MaxProbe
	}
	return &Reconciler{
		reader:  reader,
		config:  config,
		logger:  logger,
		metrics: metrics.Reconciler(),
	}
}

// Enumerate lists candidate project ids. The aggregate count yields a dense
// sequence; when it is unavailable the index accessor is probed from 0 up to
// the first failed read. Connectivity failures propagate.
func (r *Reconciler) Enumerate(ctx context.Context) ([]*big.Int, string, error) {
	stats, err := r.reader.AggregateStats(ctx)
	if err == nil {
		return r.dense(stats.Projects), MethodAggregate, nil
	}
	if ledger.Retryable(err) {
		return nil, "", fmt.Errorf("failed to read project count: %w", err)
	}
	r.logger.Warn("Aggregate project count unavailable, probing index", zap.Error(err))

	var ids []*big.Int
	for i := 0; i < r.config.MaxProbe; i++ {
		id, err := r.reader.ProjectIDAt(ctx, uint64(i))
		if err != nil {
			if ledger.Retryable(err) {
				return nil, "", fmt.Errorf("failed to probe project index %d: %w", i, err)
			}
			break
		}
		ids = append(ids, id)
	}
	if len(ids) == r.config.MaxProbe {
		r.logger.Warn("Project probing hit its bound", zap.Int("max_probe", r.config.MaxProbe))
	}
	return ids, MethodProbe, nil
}

func (r *Reconciler) dense(count *big.Int) []*big.Int {
	n := r.config.MaxProbe
	if count.IsInt64() && count.Int64() < int64(n) {
		n = int(count.Int64())
	} else {
		r.logger.Warn("Project count exceeds enumeration bound",
			zap.String("count", count.String()),
			zap.Int("bound", n))
	}
	if n < 0 {
		n = 0
	}
	ids := make([]*big.Int, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, new(big.Int).SetUint64(r.config.FirstID+uint64(i)))
	}
	return ids
}

// Fetch reads and normalizes one project. Decode failures and id mismatches
// are reported as KindDecode.
func (r *Reconciler) Fetch(ctx context.Context, id *big.Int) (Project, error) {
	rec, err := r.reader.Project(ctx, id)
	if err != nil {
		return Project{}, err
	}
	p, err := Normalize(rec)
	if err != nil {
		return Project{}, ledger.NewError(ledger.KindDecode, "getProject", err)
	}
	if p.ID.Cmp(id) != 0 {
		return Project{}, ledger.Errorf(ledger.KindDecode, "getProject", "requested project %s, ledger returned %s", id, p.ID)
	}
	return p, nil
}

// Reconcile enumerates the ids and fetches each one in turn. A connectivity
// failure aborts the pass; any other failure skips that id.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	ids, method, err := r.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{Method: method, Projects: make([]Project, 0, len(ids))}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, ledger.NewError(ledger.KindConnectivity, "reconcile", err)
		}
		p, err := r.Fetch(ctx, id)
		if err != nil {
			if ledger.Retryable(err) {
				return nil, fmt.Errorf("failed to fetch project %s: %w", id, err)
			}
			r.logger.Warn("Skipping project", zap.String("id", id.String()), zap.Error(err))
			result.skip(id.String(), err)
			continue
		}
		result.Projects = append(result.Projects, p)
	}

	r.metrics.ObserveSkipped("project", len(result.Skipped))
	r.logger.Debug("Reconciled projects",
		zap.String("method", method),
		zap.Int("projects", len(result.Projects)),
		zap.Int("skipped", len(result.Skipped)))
	return result, nil
}

// Snapshot reads every project in one call. A whole-call decode failure is
// returned with its diagnostic; malformed elements are skipped.
func (r *Reconciler) Snapshot(ctx context.Context) (*Result, error) {
	records, err := r.reader.AllProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read project snapshot: %w", err)
	}

	result := &Result{Method: MethodSnapshot, Projects: make([]Project, 0, len(records))}
	seen := make(map[string]bool, len(records))
	for i, rec := range records {
		p, err := Normalize(rec)
		if err != nil {
			result.skip(fmt.Sprintf("#%d", i), err)
			continue
		}
		key := p.ID.String()
		if seen[key] {
			result.skip(key, fmt.Errorf("duplicate id"))
			continue
		}
		seen[key] = true
		result.Projects = append(result.Projects, p)
	}
	r.metrics.ObserveSkipped("project", len(result.Skipped))
	return result, nil
}

// Find re-reads the project set and resolves a caller-supplied id.
func (r *Reconciler) Find(ctx context.Context, candidate string) (Project, error) {
	result, err := r.Reconcile(ctx)
	if err != nil {
		return Project{}, err
	}
	return FindIn(result.Projects, candidate)
}
