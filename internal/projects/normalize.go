package projects

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"carbon-scribe/ledger-reconciler/internal/ledger"
)

// Tuple positions of the getProject outputs, used when members are unnamed.
const (
	posID = iota
	posProvider
	posName
	posDescription
	posCategory
	posTotalCredits
	posAvailableCredits
	posPricePerCredit
	posStatus
	posVerifier
	posCreatedAt
	posDocumentHash
	posReviewNotes
)

// Normalize maps a raw ledger record onto Project, reading each field by
// name with positional fallback. Records that violate the project invariants
// are rejected as a whole.
func Normalize(rec ledger.Record) (Project, error) {
	var (
		p   Project
		err error
	)
	if p.ID, err = rec.BigInt("id", posID); err != nil {
		return Project{}, err
	}
	if p.ID.Sign() < 0 {
		return Project{}, fmt.Errorf("negative project id %s", p.ID)
	}
	if p.Provider, err = rec.Address("provider", posProvider); err != nil {
		return Project{}, err
	}
	if p.Name, err = rec.String("name", posName); err != nil {
		return Project{}, err
	}
	if p.Description, err = optionalText(rec, "description", posDescription); err != nil {
		return Project{}, err
	}
	if p.Category, err = optionalText(rec, "projectType", posCategory); err != nil {
		return Project{}, err
	}
	if p.TotalCredits, err = rec.Uint64("totalCredits", posTotalCredits); err != nil {
		return Project{}, err
	}
	if p.AvailableCredits, err = rec.Uint64("availableCredits", posAvailableCredits); err != nil {
		return Project{}, err
	}
	if p.PricePerCredit, err = rec.BigInt("pricePerCredit", posPricePerCredit); err != nil {
		return Project{}, err
	}

	code, err := rec.Uint64("status", posStatus)
	if err != nil {
		return Project{}, err
	}
	if code > uint64(StatusRejected) {
		return Project{}, fmt.Errorf("unknown status code %d", code)
	}
	p.Status = Status(code)

	if p.Verifier, err = rec.Address("verifier", posVerifier); err != nil {
		return Project{}, err
	}
	reviewed := p.Verifier != (common.Address{})
	if p.Status == StatusPending && reviewed {
		return Project{}, fmt.Errorf("pending project has verifier %s", p.Verifier.Hex())
	}
	if p.Status != StatusPending && !reviewed {
		return Project{}, fmt.Errorf("%s project has no verifier", p.Status)
	}

	created, err := rec.Uint64("createdAt", posCreatedAt)
	if err != nil {
		return Project{}, err
	}
	if created > math.MaxInt64 {
		return Project{}, fmt.Errorf("createdAt %d out of range", created)
	}
	p.CreatedAt = int64(created)

	if p.DocumentHash, err = optionalText(rec, "documentHash", posDocumentHash); err != nil {
		return Project{}, err
	}
	if p.ReviewNotes, err = optionalText(rec, "reviewNotes", posReviewNotes); err != nil {
		return Project{}, err
	}
	return p, nil
}

// optionalText tolerates an absent field but not a mistyped one.
func optionalText(rec ledger.Record, name string, index int) (string, error) {
	if _, ok := rec.Get(name, index); !ok {
		return "", nil
	}
	return rec.String(name, index)
}

// MatchID compares a caller-supplied id with a ledger id: canonical string
// form first, then numeric value (decimal or 0x hex).
func MatchID(candidate string, ledgerID *big.Int) bool {
	if ledgerID == nil {
		return false
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == ledgerID.String() {
		return true
	}
	n, err := ledger.ParseID(candidate)
	if err != nil {
		return false
	}
	return n.Cmp(ledgerID) == 0
}

// FindIn looks a candidate id up in a project set. Every project is tried
// by canonical string before any numeric comparison.
func FindIn(projects []Project, candidate string) (Project, error) {
	trimmed := strings.TrimSpace(candidate)
	for _, p := range projects {
		if p.ID != nil && p.ID.String() == trimmed {
			return p, nil
		}
	}
	for _, p := range projects {
		if MatchID(trimmed, p.ID) {
			return p, nil
		}
	}
	return Project{}, ledger.Errorf(ledger.KindNotFound, "project", "project %q not found", candidate)
}
