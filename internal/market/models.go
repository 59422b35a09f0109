package market

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/projects"
	"carbon-scribe/ledger-reconciler/internal/txn"
)

// Listing is an open offer to sell credits of one project.
type Listing struct {
	ID             *big.Int       `json:"id"`
	Seller         common.Address `json:"seller"`
	ProjectID      *big.Int       `json:"project_id"`
	Amount         uint64         `json:"amount"`
	PricePerCredit *big.Int       `json:"price_per_credit"`
	Active         bool           `json:"active"`
	CreatedAt      int64          `json:"created_at"`
}

// Cost returns amount × pricePerCredit in wei.
func (l Listing) Cost(amount uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(amount), l.PricePerCredit)
}

// Listing tuple positions.
const (
	posID = iota
	posSeller
	posProjectID
	posAmount
	posPrice
	posActive
	posCreatedAt
)

// NormalizeListing maps a raw ledger record onto Listing. A zero seller is
// how the ledger reports a listing that does not exist.
func NormalizeListing(rec ledger.Record) (Listing, error) {
	var (
		l   Listing
		err error
	)
	if l.ID, err = rec.BigInt("id", posID); err != nil {
		return Listing{}, err
	}
	if l.Seller, err = rec.Address("seller", posSeller); err != nil {
		return Listing{}, err
	}
	if l.Seller == (common.Address{}) {
		return Listing{}, ledger.Errorf(ledger.KindNotFound, "listing", "listing %s does not exist", l.ID)
	}
	if l.ProjectID, err = rec.BigInt("projectId", posProjectID); err != nil {
		return Listing{}, err
	}
	if l.Amount, err = rec.Uint64("amount", posAmount); err != nil {
		return Listing{}, err
	}
	if l.PricePerCredit, err = rec.BigInt("pricePerCredit", posPrice); err != nil {
		return Listing{}, err
	}
	if l.Active, err = rec.Bool("active", posActive); err != nil {
		return Listing{}, err
	}
	if l.Active && l.Amount == 0 {
		return Listing{}, fmt.Errorf("active listing %s has no credits", l.ID)
	}
	created, err := rec.Uint64("createdAt", posCreatedAt)
	if err != nil {
		return Listing{}, err
	}
	if created > math.MaxInt64 {
		return Listing{}, fmt.Errorf("createdAt %d out of range", created)
	}
	l.CreatedAt = int64(created)
	return l, nil
}

// Listings methods.
const (
	MethodSnapshot = "snapshot"
	MethodIndexed  = "indexed"
)

// ListingsResult is one reconciliation of the marketplace.
type ListingsResult struct {
	Method   string          `json:"method"`
	Listings []Listing       `json:"listings"`
	Skipped  []projects.Skip `json:"skipped"`
}

// Active returns the listings still open for sale.
func (r *ListingsResult) Active() []Listing {
	var out []Listing
	for _, l := range r.Listings {
		if l.Active {
			out = append(out, l)
		}
	}
	return out
}

// ListRequest is the input of a listing. ProjectID is optional; Price is in
// native units.
type ListRequest struct {
	ProjectID string `json:"project_id"`
	Amount    uint64 `json:"amount" binding:"required"`
	Price     string `json:"price_per_credit" binding:"required"`
}

// ListResult reports what was submitted, including any clamp.
type ListResult struct {
	Transaction txn.Record `json:"transaction"`
	ProjectID   *big.Int   `json:"project_id"`
	Requested   uint64     `json:"requested"`
	Submitted   uint64     `json:"submitted"`
	Clamped     bool       `json:"clamped"`
}

// BuyRequest is the input of a purchase.
type BuyRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}
