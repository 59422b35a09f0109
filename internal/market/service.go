package market

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/metrics"
	"carbon-scribe/ledger-reconciler/internal/projects"
	"carbon-scribe/ledger-reconciler/internal/txn"
)

// Reader is the part of the ledger client the marketplace reads through.
type Reader interface {
	AggregateStats(ctx context.Context) (ledger.Stats, error)
	AllListings(ctx context.Context) ([]ledger.Record, error)
	Listing(ctx context.Context, id *big.Int) (ledger.Record, error)
	UserCredits(ctx context.Context, account common.Address, projectID *big.Int) (*big.Int, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Writer is the part of the ledger client that trades credits.
type Writer interface {
	Account() common.Address
	ListCredits(ctx context.Context, projectID, amount, pricePerCredit *big.Int) (common.Hash, error)
	BuyCredits(ctx context.Context, listingID, amount, value *big.Int) (common.Hash, error)
	CancelListing(ctx context.Context, listingID *big.Int) (common.Hash, error)
}

// ProjectSource yields the reconciled project set.
type ProjectSource interface {
	Reconcile(ctx context.Context) (*projects.Result, error)
}

// Service lists, buys and cancels marketplace listings.
type Service struct {
	reader       Reader
	writer       Writer
	projects     ProjectSource
	orchestrator *txn.Orchestrator
	firstID      int64
	logger       *zap.Logger
	metrics      *metrics.ReconcilerMetrics
}

// NewService creates a marketplace service.
func NewService(reader Reader, writer Writer, source ProjectSource, orchestrator *txn.Orchestrator, logger *zap.Logger) *Service {
	return &Service{
		reader:       reader,
		writer:       writer,
		projects:     source,
		orchestrator: orchestrator,
		firstID:      1,
		logger:       logger,
		metrics:      metrics.Reconciler(),
	}
}

// SetFirstListingID sets the id the ledger assigns to its first listing,
// used when listings are read one id at a time.
func (s *Service) SetFirstListingID(id uint64) {
	s.firstID = int64(id)
}

// Listings reads every listing. The single snapshot call is preferred; when
// it cannot be decoded the listings are read one id at a time. Malformed
// items are skipped either way.
func (s *Service) Listings(ctx context.Context) (*ListingsResult, error) {
	records, err := s.reader.AllListings(ctx)
	if err == nil {
		result := &ListingsResult{Method: MethodSnapshot, Listings: make([]Listing, 0, len(records))}
		for i, rec := range records {
			l, err := NormalizeListing(rec)
			if err != nil {
				result.Skipped = append(result.Skipped, projects.Skip{ID: fmt.Sprintf("#%d", i), Reason: err.Error()})
				continue
			}
			result.Listings = append(result.Listings, l)
		}
		s.metrics.ObserveSkipped("listing", len(result.Skipped))
		return result, nil
	}
	if ledger.Retryable(err) {
		return nil, fmt.Errorf("failed to read listings: %w", err)
	}
	s.logger.Warn("Listing snapshot unavailable, reading by id", zap.Error(err))

	stats, err := s.reader.AggregateStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read listing count: %w", err)
	}
	result := &ListingsResult{Method: MethodIndexed}
	count := int64(0)
	if stats.Listings.IsInt64() {
		count = stats.Listings.Int64()
	}
	for i := s.firstID; i < s.firstID+count; i++ {
		l, err := s.fetch(ctx, big.NewInt(i))
		if err != nil {
			if ledger.Retryable(err) {
				return nil, fmt.Errorf("failed to read listing %d: %w", i, err)
			}
			result.Skipped = append(result.Skipped, projects.Skip{ID: fmt.Sprint(i), Reason: err.Error()})
			continue
		}
		result.Listings = append(result.Listings, l)
	}
	s.metrics.ObserveSkipped("listing", len(result.Skipped))
	return result, nil
}

// Get reads one listing fresh from the ledger.
func (s *Service) Get(ctx context.Context, id string) (Listing, error) {
	n, err := ledger.ParseID(id)
	if err != nil {
		return Listing{}, ledger.NewError(ledger.KindValidation, "listing", err)
	}
	return s.fetch(ctx, n)
}

func (s *Service) fetch(ctx context.Context, id *big.Int) (Listing, error) {
	rec, err := s.reader.Listing(ctx, id)
	if err != nil {
		return Listing{}, err
	}
	l, err := NormalizeListing(rec)
	if err != nil {
		if ledger.KindOf(err) == ledger.KindNotFound {
			return Listing{}, err
		}
		return Listing{}, ledger.NewError(ledger.KindDecode, "listings", err)
	}
	if l.ID.Cmp(id) != 0 {
		return Listing{}, ledger.Errorf(ledger.KindDecode, "listings", "requested listing %s, ledger returned %s", id, l.ID)
	}
	return l, nil
}

// List offers credits for sale. Without a project id the seller's approved
// project holding the most credits is used. A request above the available
// credits is clamped down and reported as such.
func (s *Service) List(ctx context.Context, req ListRequest) (ListResult, error) {
	if req.Amount == 0 {
		return ListResult{}, ledger.Errorf(ledger.KindValidation, "listCredits", "amount must be positive")
	}
	price, err := ledger.ParseUnits(req.Price, ledger.NativeDecimals)
	if err != nil {
		return ListResult{}, ledger.NewError(ledger.KindValidation, "listCredits", err)
	}
	if price.Sign() <= 0 {
		return ListResult{}, ledger.Errorf(ledger.KindValidation, "listCredits", "price must be positive")
	}

	seller := s.writer.Account()
	projectID, available, err := s.source(ctx, seller, req.ProjectID)
	if err != nil {
		return ListResult{}, err
	}
	if available.Sign() == 0 {
		return ListResult{}, ledger.Errorf(ledger.KindValidation, "listCredits", "no credits available in project %s", projectID)
	}

	result := ListResult{ProjectID: projectID, Requested: req.Amount, Submitted: req.Amount}
	if available.IsUint64() && available.Uint64() < req.Amount {
		result.Submitted = available.Uint64()
		result.Clamped = true
		s.logger.Info("Listing amount clamped to available credits",
			zap.String("project_id", projectID.String()),
			zap.Uint64("requested", req.Amount),
			zap.Uint64("submitted", result.Submitted))
	}

	meta := map[string]string{
		txn.MetaProjectID: projectID.String(),
		txn.MetaAmount:    fmt.Sprint(result.Submitted),
	}
	amount := new(big.Int).SetUint64(result.Submitted)
	rec, err := s.orchestrator.Submit(ctx, txn.KindList, seller, meta, func(ctx context.Context) (common.Hash, error) {
		return s.writer.ListCredits(ctx, projectID, amount, price)
	})
	result.Transaction = rec
	return result, err
}

// source resolves the project to list from and the seller's credits in it.
func (s *Service) source(ctx context.Context, seller common.Address, candidate string) (*big.Int, *big.Int, error) {
	set, err := s.projects.Reconcile(ctx)
	if err != nil {
		return nil, nil, err
	}

	if strings.TrimSpace(candidate) != "" {
		p, err := projects.FindIn(set.Projects, candidate)
		if err != nil {
			return nil, nil, err
		}
		if p.Status != projects.StatusApproved {
			return nil, nil, ledger.Errorf(ledger.KindStateConflict, "listCredits", "project %s is %s", p.ID, p.Status)
		}
		available, err := s.reader.UserCredits(ctx, seller, p.ID)
		if err != nil {
			return nil, nil, err
		}
		return p.ID, available, nil
	}

	var (
		bestID    *big.Int
		bestCount = new(big.Int)
	)
	for _, p := range set.Projects {
		if p.Status != projects.StatusApproved || p.Provider != seller {
			continue
		}
		n, err := s.reader.UserCredits(ctx, seller, p.ID)
		if err != nil {
			if ledger.Retryable(err) {
				return nil, nil, err
			}
			s.logger.Warn("Skipping project credits", zap.String("project_id", p.ID.String()), zap.Error(err))
			continue
		}
		if bestID == nil || n.Cmp(bestCount) > 0 {
			bestID, bestCount = p.ID, n
		}
	}
	if bestID == nil {
		return nil, nil, ledger.Errorf(ledger.KindValidation, "listCredits", "%s has no approved project", seller.Hex())
	}
	return bestID, bestCount, nil
}

// Buy purchases credits from a listing. The listing is re-read right before
// the broadcast so the cost reflects its current state.
func (s *Service) Buy(ctx context.Context, listingID string, req BuyRequest) (txn.Record, error) {
	if req.Amount == 0 {
		return txn.Record{}, ledger.Errorf(ledger.KindValidation, "buyCredits", "amount must be positive")
	}
	listing, err := s.Get(ctx, listingID)
	if err != nil {
		return txn.Record{}, err
	}
	buyer := s.writer.Account()
	if _, err := s.checkPurchase(ctx, listing, buyer, req.Amount); err != nil {
		return txn.Record{}, err
	}

	meta := map[string]string{
		txn.MetaListingID: listing.ID.String(),
		txn.MetaProjectID: listing.ProjectID.String(),
		txn.MetaAmount:    fmt.Sprint(req.Amount),
	}
	amount := new(big.Int).SetUint64(req.Amount)
	return s.orchestrator.Submit(ctx, txn.KindBuy, buyer, meta, func(ctx context.Context) (common.Hash, error) {
		fresh, err := s.fetch(ctx, listing.ID)
		if err != nil {
			return common.Hash{}, err
		}
		cost, err := s.checkPurchase(ctx, fresh, buyer, req.Amount)
		if err != nil {
			return common.Hash{}, err
		}
		return s.writer.BuyCredits(ctx, fresh.ID, amount, cost)
	})
}

func (s *Service) checkPurchase(ctx context.Context, l Listing, buyer common.Address, amount uint64) (*big.Int, error) {
	if !l.Active {
		return nil, ledger.Errorf(ledger.KindStateConflict, "buyCredits", "listing %s is no longer active", l.ID)
	}
	if amount > l.Amount {
		return nil, ledger.Errorf(ledger.KindValidation, "buyCredits", "listing %s offers %d credits, requested %d", l.ID, l.Amount, amount)
	}
	cost := l.Cost(amount)
	balance, err := s.reader.Balance(ctx, buyer)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(cost) < 0 {
		return nil, ledger.Errorf(ledger.KindInsufficientFunds, "buyCredits", "cost %s exceeds balance %s",
			ledger.FormatUnits(cost, ledger.NativeDecimals), ledger.FormatUnits(balance, ledger.NativeDecimals))
	}
	return cost, nil
}

// Cancel withdraws a listing. Only its seller may cancel.
func (s *Service) Cancel(ctx context.Context, listingID string) (txn.Record, error) {
	listing, err := s.Get(ctx, listingID)
	if err != nil {
		return txn.Record{}, err
	}
	caller := s.writer.Account()
	if listing.Seller != caller {
		return txn.Record{}, ledger.Errorf(ledger.KindAuthorization, "cancelListing", "%s is not the seller of listing %s", caller.Hex(), listing.ID)
	}
	if !listing.Active {
		return txn.Record{}, ledger.Errorf(ledger.KindStateConflict, "cancelListing", "listing %s is no longer active", listing.ID)
	}

	meta := map[string]string{
		txn.MetaListingID: listing.ID.String(),
		txn.MetaProjectID: listing.ProjectID.String(),
	}
	return s.orchestrator.Submit(ctx, txn.KindCancelListing, caller, meta, func(ctx context.Context) (common.Hash, error) {
		return s.writer.CancelListing(ctx, listing.ID)
	})
}
