package emissions

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/metrics"
	"carbon-scribe/ledger-reconciler/internal/projects"
	"carbon-scribe/ledger-reconciler/internal/txn"
)

// Record is one emission entry. Amount is held on the ledger as an
// 18-decimal fixed-point integer.
type Record struct {
	ID        *big.Int        `json:"id"`
	Owner     common.Address  `json:"owner"`
	Amount    decimal.Decimal `json:"amount"`
	Activity  string          `json:"activity"`
	Timestamp int64           `json:"timestamp"`
	Verified  bool            `json:"verified"`
	Verifier  common.Address  `json:"verifier"`
}

// RecordRequest is the input of a new emission.
type RecordRequest struct {
	Amount   string `json:"amount" binding:"required"`
	Activity string `json:"activity" binding:"required"`
}

// VerifyRequest names the owner whose emission is being verified.
type VerifyRequest struct {
	Owner string `json:"owner" binding:"required"`
}

// ListResult is one read of an account's emissions.
type ListResult struct {
	Owner   common.Address  `json:"owner"`
	Records []Record        `json:"records"`
	Skipped []projects.Skip `json:"skipped"`
}

// Normalize maps a raw ledger record onto Record.
func Normalize(rec ledger.Record) (Record, error) {
	var (
		r   Record
		err error
	)
	if r.ID, err = rec.BigInt("id", 0); err != nil {
		return Record{}, err
	}
	if r.Owner, err = rec.Address("user", 1); err != nil {
		return Record{}, err
	}
	raw, err := rec.BigInt("amount", 2)
	if err != nil {
		return Record{}, err
	}
	if raw.Sign() < 0 {
		return Record{}, fmt.Errorf("negative amount %s", raw)
	}
	r.Amount = ledger.FormatUnits(raw, ledger.NativeDecimals)
	if r.Activity, err = rec.String("activity", 3); err != nil {
		return Record{}, err
	}
	ts, err := rec.Uint64("timestamp", 4)
	if err != nil {
		return Record{}, err
	}
	if ts > math.MaxInt64 {
		return Record{}, fmt.Errorf("timestamp %d out of range", ts)
	}
	r.Timestamp = int64(ts)
	if r.Verified, err = rec.Bool("verified", 5); err != nil {
		return Record{}, err
	}
	if r.Verifier, err = rec.Address("verifier", 6); err != nil {
		return Record{}, err
	}
	if r.Verified && r.Verifier == (common.Address{}) {
		return Record{}, fmt.Errorf("verified emission %s has no verifier", r.ID)
	}
	return r, nil
}

// Reader reads emissions from the ledger.
type Reader interface {
	UserEmissions(ctx context.Context, account common.Address) ([]ledger.Record, error)
}

// Writer records and verifies emissions.
type Writer interface {
	Account() common.Address
	RecordEmission(ctx context.Context, amount *big.Int, activity string) (common.Hash, error)
	VerifyEmission(ctx context.Context, id *big.Int) (common.Hash, error)
}

// Gate authorizes privileged actions for an address.
type Gate interface {
	Require(addr common.Address) error
}

// Service records, verifies and lists emissions.
type Service struct {
	reader       Reader
	writer       Writer
	gate         Gate
	orchestrator *txn.Orchestrator
	logger       *zap.Logger
	metrics      *metrics.ReconcilerMetrics
}

func NewService(reader Reader, writer Writer, gate Gate, orchestrator *txn.Orchestrator, logger *zap.Logger) *Service {
	return &Service{
		reader:       reader,
		writer:       writer,
		gate:         gate,
		orchestrator: orchestrator,
		logger:       logger,
		metrics:      metrics.Reconciler(),
	}
}

// List reads owner's emissions, skipping malformed entries.
func (s *Service) List(ctx context.Context, owner common.Address) (*ListResult, error) {
	records, err := s.reader.UserEmissions(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to read emissions: %w", err)
	}
	result := &ListResult{Owner: owner, Records: make([]Record, 0, len(records))}
	for i, raw := range records {
		r, err := Normalize(raw)
		if err == nil && r.Owner != owner {
			err = fmt.Errorf("emission belongs to %s", r.Owner.Hex())
		}
		if err != nil {
			s.logger.Warn("Skipping emission", zap.Int("index", i), zap.Error(err))
			result.Skipped = append(result.Skipped, projects.Skip{ID: fmt.Sprintf("#%d", i), Reason: err.Error()})
			continue
		}
		result.Records = append(result.Records, r)
	}
	s.metrics.ObserveSkipped("emission", len(result.Skipped))
	return result, nil
}

// Record submits a new emission for the connected account.
func (s *Service) Record(ctx context.Context, req RecordRequest) (txn.Record, error) {
	activity := strings.TrimSpace(req.Activity)
	if activity == "" {
		return txn.Record{}, ledger.Errorf(ledger.KindValidation, "recordEmission", "activity is required")
	}
	amount, err := ledger.ParseUnits(req.Amount, ledger.NativeDecimals)
	if err != nil {
		return txn.Record{}, ledger.NewError(ledger.KindValidation, "recordEmission", err)
	}
	if amount.Sign() <= 0 {
		return txn.Record{}, ledger.Errorf(ledger.KindValidation, "recordEmission", "amount must be positive")
	}

	meta := map[string]string{txn.MetaAmount: strings.TrimSpace(req.Amount), "activity": activity}
	return s.orchestrator.Submit(ctx, txn.KindRecordEmission, s.writer.Account(), meta, func(ctx context.Context) (common.Hash, error) {
		return s.writer.RecordEmission(ctx, amount, activity)
	})
}

// Verify marks one of owner's emissions verified. The emission is re-read
// first and an already verified entry is refused.
func (s *Service) Verify(ctx context.Context, id string, req VerifyRequest) (txn.Record, error) {
	caller := s.writer.Account()
	if err := s.gate.Require(caller); err != nil {
		return txn.Record{}, err
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Owner)) {
		return txn.Record{}, ledger.Errorf(ledger.KindValidation, "verifyEmission", "invalid owner %q", req.Owner)
	}
	owner := common.HexToAddress(strings.TrimSpace(req.Owner))

	list, err := s.List(ctx, owner)
	if err != nil {
		return txn.Record{}, err
	}
	var target *Record
	for i := range list.Records {
		if projects.MatchID(id, list.Records[i].ID) {
			target = &list.Records[i]
			break
		}
	}
	if target == nil {
		return txn.Record{}, ledger.Errorf(ledger.KindNotFound, "verifyEmission", "emission %q not found for %s", id, owner.Hex())
	}
	if target.Verified {
		return txn.Record{}, ledger.Errorf(ledger.KindStateConflict, "verifyEmission", "emission %s is already verified", target.ID)
	}

	emissionID := target.ID
	meta := map[string]string{"emission_id": emissionID.String(), "owner": owner.Hex()}
	return s.orchestrator.Submit(ctx, txn.KindVerifyEmission, caller, meta, func(ctx context.Context) (common.Hash, error) {
		if err := s.gate.Require(s.writer.Account()); err != nil {
			return common.Hash{}, err
		}
		return s.writer.VerifyEmission(ctx, emissionID)
	})
}
