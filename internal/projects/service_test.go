package projects_test

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/auth"
	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/ledger/ledgertest"
	"carbon-scribe/ledger-reconciler/internal/projects"
	"carbon-scribe/ledger-reconciler/internal/txn"
	"carbon-scribe/ledger-reconciler/pkg/workflows"
)

type fixture struct {
	contract *ledgertest.Contract
	service  *projects.Service
	orch     *txn.Orchestrator
	account  *ledger.KeySigner
}

// newFixture connects a service as a fresh account. When verifier is set the
// account is both allow-listed and granted the role on the contract.
func newFixture(t *testing.T, contract *ledgertest.Contract, verifier bool) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := ledger.NewKeySignerFromKey(key)

	allowListed := reviewer
	if verifier {
		allowListed = signer.Address()
		contract.GrantRole(ledger.VerifierRole, signer.Address())
	}

	client := newClient(t, contract, signer)
	orch := txn.NewOrchestrator(client, zap.NewNop())
	t.Cleanup(orch.Close)

	reconciler := projects.NewReconciler(client, projects.DefaultReconcilerConfig(), zap.NewNop())
	resolver := auth.NewResolver(allowListed, zap.NewNop())
	return &fixture{
		contract: contract,
		service:  projects.NewService(reconciler, client, resolver, orch, zap.NewNop()),
		orch:     orch,
		account:  signer,
	}
}

func (f *fixture) wait(t *testing.T, rec txn.Record) txn.Record {
	t.Helper()
	final, err := f.orch.Wait(context.Background(), rec.ID)
	require.NoError(t, err)
	return final
}

func TestSubmitProject(t *testing.T) {
	f := newFixture(t, ledgertest.New(1337), false)

	rec, err := f.service.Submit(context.Background(), projects.SubmitProjectRequest{
		Name:         "Solar Farm",
		Description:  "rooftop panels",
		Category:     "solar",
		TotalCredits: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, txn.KindSubmitProject, rec.Kind)
	assert.Equal(t, workflows.TxConfirmed, f.wait(t, rec).Status)

	p, ok := f.contract.ProjectByID(1)
	require.True(t, ok)
	assert.Equal(t, f.account.Address(), p.Provider)
	assert.Equal(t, uint64(100), p.TotalCredits)
	assert.True(t, strings.HasPrefix(p.DocumentHash, "project-"))
}

func TestSubmitProjectValidation(t *testing.T) {
	f := newFixture(t, ledgertest.New(1337), false)

	_, err := f.service.Submit(context.Background(), projects.SubmitProjectRequest{Name: "  ", TotalCredits: 1})
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
	_, err = f.service.Submit(context.Background(), projects.SubmitProjectRequest{Name: "Wind"})
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
	assert.Empty(t, f.contract.Sent())
}

func TestApproveProject(t *testing.T) {
	contract := ledgertest.New(1337)
	seed(contract, "Solar Farm")
	f := newFixture(t, contract, true)

	rec, err := f.service.Approve(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "1", rec.Metadata[txn.MetaProjectID])
	assert.Equal(t, workflows.TxConfirmed, f.wait(t, rec).Status)

	p, _ := contract.ProjectByID(1)
	assert.Equal(t, uint8(1), p.Status)
	assert.Equal(t, f.account.Address(), p.Verifier)
	assert.Equal(t, uint64(10), contract.Credits(owner, 1))

	// a second review of the same project is refused before broadcast
	sent := len(contract.Sent())
	_, err = f.service.Reject(context.Background(), "0x1", projects.ReviewRequest{Notes: "late"})
	assert.Equal(t, ledger.KindStateConflict, ledger.KindOf(err))
	_, err = f.service.Approve(context.Background(), "1")
	assert.Equal(t, ledger.KindStateConflict, ledger.KindOf(err))
	assert.Len(t, contract.Sent(), sent)
}

func TestRejectProject(t *testing.T) {
	contract := ledgertest.New(1337)
	seed(contract, "Peat Bog")
	f := newFixture(t, contract, true)

	rec, err := f.service.Reject(context.Background(), "1", projects.ReviewRequest{Notes: "missing survey"})
	require.NoError(t, err)
	assert.Equal(t, workflows.TxConfirmed, f.wait(t, rec).Status)

	got, err := f.service.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, projects.StatusRejected, got.Status)
	assert.Equal(t, "missing survey", got.ReviewNotes)
}

func TestReviewRequiresVerifier(t *testing.T) {
	contract := ledgertest.New(1337)
	seed(contract, "Solar Farm")
	f := newFixture(t, contract, false)

	_, err := f.service.Approve(context.Background(), "1")
	assert.Equal(t, ledger.KindAuthorization, ledger.KindOf(err))
	assert.Empty(t, contract.Sent())
	assert.Zero(t, contract.Calls("getProject"))
}

func TestReviewUnknownProject(t *testing.T) {
	contract := ledgertest.New(1337)
	seed(contract, "Solar Farm")
	f := newFixture(t, contract, true)

	_, err := f.service.Approve(context.Background(), "2")
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
	assert.Empty(t, contract.Sent())

	result, err := f.service.List(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Projects, 1)
	assert.Equal(t, big.NewInt(1), result.Projects[0].ID)
}
