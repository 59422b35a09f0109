package credits

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/metrics"
	"carbon-scribe/ledger-reconciler/internal/projects"
)

// Balance sources.
const (
	SourceAggregate  = "aggregate"
	SourcePerProject = "per-project"
)

// Reader is the part of the ledger client the aggregator reads through.
type Reader interface {
	UserTotalCredits(ctx context.Context, account common.Address) (*big.Int, error)
	UserCredits(ctx context.Context, account common.Address, projectID *big.Int) (*big.Int, error)
}

// ProjectSource yields the reconciled project set.
type ProjectSource interface {
	Reconcile(ctx context.Context) (*projects.Result, error)
}

// Balance is a derived credit balance with the evidence behind it.
type Balance struct {
	Account      common.Address      `json:"account"`
	Total        *big.Int            `json:"total"`
	Source       string              `json:"source"`
	PrimaryValue *big.Int            `json:"primary_value,omitempty"`
	FallbackSum  *big.Int            `json:"fallback_sum,omitempty"`
	PerProject   map[string]*big.Int `json:"per_project,omitempty"`
	Discrepancy  bool                `json:"discrepancy"`
	CrossChecked bool                `json:"cross_checked"`
	Skipped      int                 `json:"skipped"`
}

// Aggregator computes an account's credit balance from the ledger aggregate
// and cross-checks it against a per-project sum.
type Aggregator struct {
	reader   Reader
	projects ProjectSource
	logger   *zap.Logger
	metrics  *metrics.ReconcilerMetrics
}

// NewAggregator creates an aggregator.
func NewAggregator(reader Reader, source ProjectSource, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		reader:   reader,
		projects: source,
		logger:   logger,
		metrics:  metrics.Reconciler(),
	}
}

// Balance reconciles the project set and computes the account's balance.
func (a *Aggregator) Balance(ctx context.Context, account common.Address) (Balance, error) {
	var set []projects.Project
	result, err := a.projects.Reconcile(ctx)
	if err != nil {
		a.logger.Warn("Project reconciliation failed, balance will not be cross-checked", zap.Error(err))
	} else {
		set = result.Projects
	}
	return a.BalanceFrom(ctx, account, set)
}

// BalanceFrom computes the balance against an already reconciled project
// set. The aggregate value wins whenever it is available.
func (a *Aggregator) BalanceFrom(ctx context.Context, account common.Address, set []projects.Project) (Balance, error) {
	bal := Balance{Account: account}

	primary, primaryErr := a.reader.UserTotalCredits(ctx, account)
	if primaryErr == nil {
		bal.PrimaryValue = primary
	}

	sum, perProject, skipped, fallbackErr := a.sum(ctx, account, set)
	if set == nil && fallbackErr == nil {
		fallbackErr = fmt.Errorf("no project set to sum over")
	}
	bal.Skipped = skipped
	if fallbackErr == nil {
		bal.FallbackSum = sum
		bal.PerProject = perProject
	}

	switch {
	case primaryErr == nil:
		bal.Total = primary
		bal.Source = SourceAggregate
		if fallbackErr == nil && skipped == 0 {
			bal.CrossChecked = true
			if primary.Cmp(sum) != 0 {
				bal.Discrepancy = true
				a.metrics.ObserveIntegrityWarning()
				a.logger.Warn("Credit balance integrity warning",
					zap.String("account", account.Hex()),
					zap.String("aggregate", primary.String()),
					zap.String("per_project_sum", sum.String()))
			}
		}
		return bal, nil

	case fallbackErr == nil:
		a.logger.Info("Aggregate credit query failed, using per-project sum",
			zap.String("account", account.Hex()),
			zap.Int("skipped", skipped),
			zap.Error(primaryErr))
		bal.Total = sum
		bal.Source = SourcePerProject
		return bal, nil
	}

	var errs *multierror.Error
	errs = multierror.Append(errs, fmt.Errorf("aggregate: %w", primaryErr), fmt.Errorf("per-project: %w", fallbackErr))
	if ledger.Retryable(primaryErr) {
		return bal, ledger.NewError(ledger.KindConnectivity, "balance", errs)
	}
	return bal, errs
}

// Candidates returns the projects that can hold credits: every approved
// project, whoever provided it.
func Candidates(set []projects.Project) []projects.Project {
	var out []projects.Project
	for _, p := range set {
		if p.Status == projects.StatusApproved {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Cmp(out[j].ID) < 0 })
	return out
}

// sum adds up per-project credits. A connectivity failure abandons the sum;
// any other per-project failure is skipped and counted.
func (a *Aggregator) sum(ctx context.Context, account common.Address, set []projects.Project) (*big.Int, map[string]*big.Int, int, error) {
	total := new(big.Int)
	perProject := make(map[string]*big.Int)
	skipped := 0

	for _, p := range Candidates(set) {
		n, err := a.reader.UserCredits(ctx, account, p.ID)
		if err != nil {
			if ledger.Retryable(err) {
				return nil, nil, skipped, fmt.Errorf("failed to read credits for project %s: %w", p.ID, err)
			}
			a.logger.Warn("Skipping project credits",
				zap.String("project_id", p.ID.String()),
				zap.Error(err))
			skipped++
			continue
		}
		perProject[p.ID.String()] = n
		total.Add(total, n)
	}
	a.metrics.ObserveSkipped("credit", skipped)
	return total, perProject, skipped, nil
}
