package projects

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/txn"
	"carbon-scribe/ledger-reconciler/pkg/workflows"
)

// Writer is the part of the ledger client that mutates the project registry.
type Writer interface {
	Account() common.Address
	CreateProject(ctx context.Context, name, description, category string, totalCredits *big.Int, documentHash string) (common.Hash, error)
	VerifyProject(ctx context.Context, id *big.Int) (common.Hash, error)
	RejectProject(ctx context.Context, id *big.Int, notes string) (common.Hash, error)
}

// Gate authorizes privileged actions for an address.
type Gate interface {
	Require(addr common.Address) error
}

// Service submits and reviews projects.
type Service struct {
	reconciler   *Reconciler
	writer       Writer
	gate         Gate
	orchestrator *txn.Orchestrator
	stateMachine *workflows.StateMachine
	logger       *zap.Logger
}

// NewService creates a project service.
func NewService(reconciler *Reconciler, writer Writer, gate Gate, orchestrator *txn.Orchestrator, logger *zap.Logger) *Service {
	return &Service{
		reconciler:   reconciler,
		writer:       writer,
		gate:         gate,
		orchestrator: orchestrator,
		stateMachine: workflows.NewProjectStatusMachine(),
		logger:       logger,
	}
}

// List reconciles the registry.
func (s *Service) List(ctx context.Context) (*Result, error) {
	return s.reconciler.Reconcile(ctx)
}

// Get resolves one project by a caller-supplied id.
func (s *Service) Get(ctx context.Context, candidate string) (Project, error) {
	return s.reconciler.Find(ctx, candidate)
}

// Submit registers a new project owned by the connected account.
func (s *Service) Submit(ctx context.Context, req SubmitProjectRequest) (txn.Record, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return txn.Record{}, ledger.Errorf(ledger.KindValidation, "createProject", "name is required")
	}
	if req.TotalCredits == 0 {
		return txn.Record{}, ledger.Errorf(ledger.KindValidation, "createProject", "total credits must be positive")
	}
	docHash := strings.TrimSpace(req.DocumentHash)
	if docHash == "" {
		docHash = "project-" + uuid.NewString()
	}

	total := new(big.Int).SetUint64(req.TotalCredits)
	meta := map[string]string{
		"name":         name,
		txn.MetaAmount: total.String(),
	}
	return s.orchestrator.Submit(ctx, txn.KindSubmitProject, s.writer.Account(), meta, func(ctx context.Context) (common.Hash, error) {
		return s.writer.CreateProject(ctx, name, req.Description, req.Category, total, docHash)
	})
}

// Approve moves a pending project to approved.
func (s *Service) Approve(ctx context.Context, candidate string) (txn.Record, error) {
	p, err := s.prepareReview(ctx, candidate, workflows.ProjectApproved)
	if err != nil {
		return txn.Record{}, err
	}
	return s.orchestrator.Submit(ctx, txn.KindApprove, s.writer.Account(), reviewMeta(p), func(ctx context.Context) (common.Hash, error) {
		if err := s.gate.Require(s.writer.Account()); err != nil {
			return common.Hash{}, err
		}
		return s.writer.VerifyProject(ctx, p.ID)
	})
}

// Reject moves a pending project to rejected with the reviewer's notes.
func (s *Service) Reject(ctx context.Context, candidate string, req ReviewRequest) (txn.Record, error) {
	p, err := s.prepareReview(ctx, candidate, workflows.ProjectRejected)
	if err != nil {
		return txn.Record{}, err
	}
	return s.orchestrator.Submit(ctx, txn.KindReject, s.writer.Account(), reviewMeta(p), func(ctx context.Context) (common.Hash, error) {
		if err := s.gate.Require(s.writer.Account()); err != nil {
			return common.Hash{}, err
		}
		return s.writer.RejectProject(ctx, p.ID, req.Notes)
	})
}

// prepareReview checks the role, re-reads the registry and enforces the
// review transition before anything is broadcast.
func (s *Service) prepareReview(ctx context.Context, candidate, target string) (Project, error) {
	if err := s.gate.Require(s.writer.Account()); err != nil {
		return Project{}, err
	}
	p, err := s.reconciler.Find(ctx, candidate)
	if err != nil {
		return Project{}, err
	}
	if !s.stateMachine.CanTransition(p.Status.String(), target) {
		s.logger.Info("Review refused",
			zap.String("project_id", p.ID.String()),
			zap.String("status", p.Status.String()),
			zap.String("target", target))
		return Project{}, ledger.Errorf(ledger.KindStateConflict, "review", "project %s is %s, cannot become %s", p.ID, p.Status, target)
	}
	return p, nil
}

func reviewMeta(p Project) map[string]string {
	return map[string]string{txn.MetaProjectID: p.ID.String()}
}
