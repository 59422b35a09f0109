package ledger_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/ledger/ledgertest"
)

var contractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func newSigner(t *testing.T) *ledger.KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return ledger.NewKeySignerFromKey(key)
}

func newClient(t *testing.T, backend ledger.Backend, signer ledger.Signer) *ledger.Client {
	t.Helper()
	client, err := ledger.NewClient(backend, contractAddr, big.NewInt(1337), signer, zap.NewNop())
	require.NoError(t, err)
	client.SetReceiptPoll(5 * time.Millisecond)
	return client
}

type decliningSigner struct {
	addr common.Address
}

func (d decliningSigner) Address() common.Address { return d.addr }
func (d decliningSigner) SignTx(context.Context, *types.Transaction, *big.Int) (*types.Transaction, error) {
	return nil, ledger.ErrSignatureDeclined
}

func TestClientReads(t *testing.T) {
	ctx := context.Background()
	provider := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	contract := ledgertest.New(1337)
	id := contract.AddProject(ledgertest.Project{Provider: provider, Name: "Solar Farm", Category: "solar", TotalCredits: 100})
	contract.SetCredits(provider, id, 40)

	client := newClient(t, contract, nil)

	stats, err := client.AggregateStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Projects.Int64())
	assert.Equal(t, int64(0), stats.Listings.Int64())

	first, err := client.ProjectIDAt(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Uint64())

	rec, err := client.Project(ctx, big.NewInt(1))
	require.NoError(t, err)
	name, err := rec.String("name", 2)
	require.NoError(t, err)
	assert.Equal(t, "Solar Farm", name)
	category, err := rec.String("projectType", 4)
	require.NoError(t, err)
	assert.Equal(t, "solar", category)

	all, err := client.AllProjects(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	got, err := all[0].Address("provider", 1)
	require.NoError(t, err)
	assert.Equal(t, provider, got)

	credits, err := client.UserCredits(ctx, provider, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(40), credits.Int64())

	total, err := client.UserTotalCredits(ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, int64(40), total.Int64())

	missing, err := client.Listing(ctx, big.NewInt(9))
	require.NoError(t, err)
	seller, err := missing.Address("seller", 1)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, seller)
}

func TestClientHasRole(t *testing.T) {
	verifier := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	contract := ledgertest.New(1337)
	contract.GrantRole(ledger.VerifierRole, verifier)
	client := newClient(t, contract, nil)

	ok, err := client.HasRole(context.Background(), ledger.VerifierRole, verifier)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.HasRole(context.Background(), ledger.VerifierRole, common.Address{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientWholeCallDecodeFailure(t *testing.T) {
	contract := ledgertest.New(1337)
	contract.AddProject(ledgertest.Project{Name: "A", TotalCredits: 1})
	contract.CorruptProject(1)
	client := newClient(t, contract, nil)

	_, err := client.Project(context.Background(), big.NewInt(1))
	require.Error(t, err)

	var lerr *ledger.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ledger.KindDecode, lerr.Kind)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, lerr.Raw)
	require.NotNil(t, lerr.Diagnostic)
	assert.Equal(t, 4, lerr.Diagnostic.Length)
	assert.False(t, lerr.Diagnostic.Aligned)
}

func TestClientCallRevertIsClassified(t *testing.T) {
	client := newClient(t, ledgertest.New(1337), nil)

	_, err := client.Project(context.Background(), big.NewInt(5))
	assert.Equal(t, ledger.KindReverted, ledger.KindOf(err))
}

func TestClientWriteAndWaitMined(t *testing.T) {
	ctx := context.Background()
	contract := ledgertest.New(1337)
	signer := newSigner(t)
	client := newClient(t, contract, signer)

	hash, err := client.CreateProject(ctx, "Solar Farm", "panels", "solar", big.NewInt(100), "doc-1")
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)

	receipt, err := client.WaitMined(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	p, ok := contract.ProjectByID(1)
	require.True(t, ok)
	assert.Equal(t, signer.Address(), p.Provider)
	assert.Equal(t, uint64(100), p.TotalCredits)
	assert.Equal(t, []string{"createProject"}, contract.Sent())
}

func TestClientWriteRevertingEstimateIsStateConflict(t *testing.T) {
	contract := ledgertest.New(1337)
	signer := newSigner(t)
	contract.GrantRole(ledger.VerifierRole, signer.Address())
	contract.AddProject(ledgertest.Project{Name: "Done", TotalCredits: 5, Status: 1, Verifier: signer.Address()})
	client := newClient(t, contract, signer)

	_, err := client.VerifyProject(context.Background(), big.NewInt(1))
	assert.Equal(t, ledger.KindStateConflict, ledger.KindOf(err))
	assert.Empty(t, contract.Sent())
}

func TestClientWriteWithoutSigner(t *testing.T) {
	client := newClient(t, ledgertest.New(1337), nil)

	_, err := client.CancelListing(context.Background(), big.NewInt(1))
	assert.Equal(t, ledger.KindAuthorization, ledger.KindOf(err))
}

func TestClientDeclinedSignature(t *testing.T) {
	contract := ledgertest.New(1337)
	client := newClient(t, contract, decliningSigner{addr: common.HexToAddress("0x01")})

	_, err := client.RecordEmission(context.Background(), big.NewInt(1), "flight")
	assert.Equal(t, ledger.KindUserCancel, ledger.KindOf(err))
	assert.True(t, errors.Is(err, ledger.ErrSignatureDeclined))
	assert.Empty(t, contract.Sent())
}

func TestClientBuyInsufficientFundsOnSend(t *testing.T) {
	ctx := context.Background()
	contract := ledgertest.New(1337)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	contract.AddProject(ledgertest.Project{Provider: seller, Name: "A", TotalCredits: 10, Status: 1, Verifier: seller})
	contract.AddListing(ledgertest.Listing{Seller: seller, ProjectID: 1, Amount: 10, PricePerCredit: big.NewInt(100), Active: true})
	client := newClient(t, contract, newSigner(t))

	_, err := client.BuyCredits(ctx, big.NewInt(1), big.NewInt(2), big.NewInt(200))
	assert.Equal(t, ledger.KindInsufficientFunds, ledger.KindOf(err))
}

func TestWaitMinedBlocksUntilReceipt(t *testing.T) {
	contract := ledgertest.New(1337)
	contract.HoldReceipts(true)
	client := newClient(t, contract, newSigner(t))

	hash, err := client.RecordEmission(context.Background(), big.NewInt(5), "commute")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = client.WaitMined(short, hash)
	require.Error(t, err)

	contract.ReleaseReceipts()
	receipt, err := client.WaitMined(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TxHash)
}
