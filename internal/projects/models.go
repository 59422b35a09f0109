package projects

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"

	"carbon-scribe/ledger-reconciler/pkg/workflows"
)

// Status is the review state of a project as stored on the ledger.
type Status uint8

const (
	StatusPending  Status = 0
	StatusApproved Status = 1
	StatusRejected Status = 2
)

// String returns the state machine name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return workflows.ProjectPending
	case StatusApproved:
		return workflows.ProjectApproved
	case StatusRejected:
		return workflows.ProjectRejected
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// Project is the canonical shape every consumer sees.
type Project struct {
	ID               *big.Int       `json:"id"`
	Provider         common.Address `json:"provider"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Category         string         `json:"category"`
	TotalCredits     uint64         `json:"total_credits"`
	AvailableCredits uint64         `json:"available_credits"`
	PricePerCredit   *big.Int       `json:"price_per_credit"`
	Status           Status         `json:"status"`
	Verifier         common.Address `json:"verifier"`
	CreatedAt        int64          `json:"created_at"`
	DocumentHash     string         `json:"document_hash"`
	ReviewNotes      string         `json:"review_notes"`
}

// Skip describes a project id left out of a reconciliation.
type Skip struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	Method   string    `json:"method"`
	Projects []Project `json:"projects"`
	Skipped  []Skip    `json:"skipped"`

	errs *multierror.Error
}

func (r *Result) skip(id string, err error) {
	r.Skipped = append(r.Skipped, Skip{ID: id, Reason: err.Error()})
	r.errs = multierror.Append(r.errs, fmt.Errorf("project %s: %w", id, err))
}

// SkipErrors returns the per-item failures, or nil when nothing was skipped.
func (r *Result) SkipErrors() error {
	return r.errs.ErrorOrNil()
}

// ByID indexes the projects by decimal id.
func (r *Result) ByID() map[string]Project {
	out := make(map[string]Project, len(r.Projects))
	for _, p := range r.Projects {
		out[p.ID.String()] = p
	}
	return out
}

// Enumeration methods.
const (
	MethodAggregate = "aggregate"
	MethodProbe     = "probe"
	MethodSnapshot  = "snapshot"
)

// SubmitProjectRequest is the input of a project submission.
type SubmitProjectRequest struct {
	Name         string `json:"name" binding:"required"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	TotalCredits uint64 `json:"total_credits" binding:"required"`
	DocumentHash string `json:"document_hash"`
}

// ReviewRequest carries the verifier's notes on a rejection.
type ReviewRequest struct {
	Notes string `json:"notes"`
}
