package market_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/ledger/ledgertest"
	"carbon-scribe/ledger-reconciler/internal/market"
	"carbon-scribe/ledger-reconciler/internal/projects"
	"carbon-scribe/ledger-reconciler/internal/txn"
	"carbon-scribe/ledger-reconciler/pkg/workflows"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	contractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	reviewer     = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	milliEther   = big.NewInt(1e15)
	ether        = big.NewInt(1e18)
)

type account struct {
	addr    common.Address
	service *market.Service
	orch    *txn.Orchestrator
}

func connect(t *testing.T, contract *ledgertest.Contract) *account {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := ledger.NewKeySignerFromKey(key)

	client, err := ledger.NewClient(contract, contractAddr, big.NewInt(1337), signer, zap.NewNop())
	require.NoError(t, err)
	client.SetReceiptPoll(5 * time.Millisecond)

	orch := txn.NewOrchestrator(client, zap.NewNop())
	t.Cleanup(orch.Close)
	reconciler := projects.NewReconciler(client, projects.DefaultReconcilerConfig(), zap.NewNop())
	return &account{
		addr:    signer.Address(),
		service: market.NewService(client, client, reconciler, orch, zap.NewNop()),
		orch:    orch,
	}
}

func (a *account) wait(t *testing.T, rec txn.Record) txn.Record {
	t.Helper()
	final, err := a.orch.Wait(context.Background(), rec.ID)
	require.NoError(t, err)
	return final
}

func approvedProject(contract *ledgertest.Contract, provider common.Address, credits uint64) uint64 {
	id := contract.AddProject(ledgertest.Project{
		Provider: provider, Name: "Solar Farm", TotalCredits: credits, AvailableCredits: credits,
		Status: 1, Verifier: reviewer,
	})
	contract.SetCredits(provider, id, credits)
	return id
}

func TestListClampsToAvailableCredits(t *testing.T) {
	contract := ledgertest.New(1337)
	seller := connect(t, contract)
	approvedProject(contract, seller.addr, 80)

	res, err := seller.service.List(context.Background(), market.ListRequest{Amount: 150, Price: "0.001"})
	require.NoError(t, err)
	assert.True(t, res.Clamped)
	assert.Equal(t, uint64(150), res.Requested)
	assert.Equal(t, uint64(80), res.Submitted)
	assert.Equal(t, "80", res.Transaction.Metadata[txn.MetaAmount])
	assert.Equal(t, workflows.TxConfirmed, seller.wait(t, res.Transaction).Status)

	l, ok := contract.ListingByID(1)
	require.True(t, ok)
	assert.Equal(t, uint64(80), l.Amount)
	assert.Equal(t, milliEther, l.PricePerCredit)
	assert.True(t, l.Active)
}

func TestListExplicitProjectClamps(t *testing.T) {
	contract := ledgertest.New(1337)
	seller := connect(t, contract)
	approvedProject(contract, seller.addr, 30)
	approvedProject(contract, seller.addr, 50)

	res, err := seller.service.List(context.Background(), market.ListRequest{ProjectID: "1", Amount: 40, Price: "1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ProjectID.Int64())
	assert.Equal(t, uint64(30), res.Submitted)
	assert.True(t, res.Clamped)
	seller.wait(t, res.Transaction)
}

func TestListPicksLargestProject(t *testing.T) {
	contract := ledgertest.New(1337)
	seller := connect(t, contract)
	approvedProject(contract, seller.addr, 30)
	approvedProject(contract, seller.addr, 50)
	contract.AddProject(ledgertest.Project{Provider: seller.addr, Name: "Pending", TotalCredits: 500})

	res, err := seller.service.List(context.Background(), market.ListRequest{Amount: 20, Price: "0.5"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.ProjectID.Int64())
	assert.False(t, res.Clamped)
	assert.Equal(t, uint64(20), res.Submitted)
	seller.wait(t, res.Transaction)
}

func TestListRejectsBadInput(t *testing.T) {
	contract := ledgertest.New(1337)
	seller := connect(t, contract)
	approvedProject(contract, seller.addr, 10)
	pending := contract.AddProject(ledgertest.Project{Provider: seller.addr, Name: "Pending", TotalCredits: 5})

	_, err := seller.service.List(context.Background(), market.ListRequest{Amount: 0, Price: "1"})
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
	_, err = seller.service.List(context.Background(), market.ListRequest{Amount: 1, Price: "0"})
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
	_, err = seller.service.List(context.Background(), market.ListRequest{Amount: 1, Price: "cheap"})
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
	_, err = seller.service.List(context.Background(), market.ListRequest{ProjectID: "2", Amount: 1, Price: "1"})
	assert.Equal(t, ledger.KindStateConflict, ledger.KindOf(err), "project %d is pending", pending)
	assert.Empty(t, contract.Sent())

	nobody := connect(t, contract)
	_, err = nobody.service.List(context.Background(), market.ListRequest{Amount: 1, Price: "1"})
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
}

func TestBuy(t *testing.T) {
	contract := ledgertest.New(1337)
	seller := connect(t, contract)
	buyer := connect(t, contract)
	pid := approvedProject(contract, seller.addr, 100)
	contract.SetCredits(seller.addr, pid, 0)
	contract.AddListing(ledgertest.Listing{Seller: seller.addr, ProjectID: pid, Amount: 100, PricePerCredit: milliEther, Active: true})
	contract.Fund(buyer.addr, ether)

	rec, err := buyer.service.Buy(context.Background(), "1", market.BuyRequest{Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, "1", rec.Metadata[txn.MetaListingID])
	assert.Equal(t, workflows.TxConfirmed, buyer.wait(t, rec).Status)

	l, _ := contract.ListingByID(1)
	assert.Equal(t, uint64(90), l.Amount)
	assert.True(t, l.Active)
	assert.Equal(t, uint64(10), contract.Credits(buyer.addr, pid))
}

func TestBuyPreValidation(t *testing.T) {
	contract := ledgertest.New(1337)
	seller := connect(t, contract)
	buyer := connect(t, contract)
	pid := approvedProject(contract, seller.addr, 100)
	contract.AddListing(ledgertest.Listing{Seller: seller.addr, ProjectID: pid, Amount: 5, PricePerCredit: ether, Active: true})
	contract.AddListing(ledgertest.Listing{Seller: seller.addr, ProjectID: pid, Amount: 0, PricePerCredit: ether, Active: false})
	contract.Fund(buyer.addr, big.NewInt(1))

	_, err := buyer.service.Buy(context.Background(), "1", market.BuyRequest{Amount: 6})
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
	_, err = buyer.service.Buy(context.Background(), "1", market.BuyRequest{Amount: 2})
	assert.Equal(t, ledger.KindInsufficientFunds, ledger.KindOf(err))
	_, err = buyer.service.Buy(context.Background(), "2", market.BuyRequest{Amount: 1})
	assert.Equal(t, ledger.KindStateConflict, ledger.KindOf(err))
	_, err = buyer.service.Buy(context.Background(), "9", market.BuyRequest{Amount: 1})
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
	_, err = buyer.service.Buy(context.Background(), "x", market.BuyRequest{Amount: 1})
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
	assert.Empty(t, contract.Sent())
}

func TestBuyRechecksListingBeforeBroadcast(t *testing.T) {
	contract := ledgertest.New(1337)
	seller := connect(t, contract)
	buyer := connect(t, contract)
	pid := approvedProject(contract, seller.addr, 100)
	contract.AddListing(ledgertest.Listing{Seller: seller.addr, ProjectID: pid, Amount: 5, PricePerCredit: milliEther, Active: true})
	contract.Fund(buyer.addr, ether)

	// the second read of the listing sees it sold out
	reads := 0
	contract.Hook("listings", func([]any) ([]byte, bool, error) {
		reads++
		if reads == 1 {
			return nil, false, nil
		}
		out, err := contract.Pack("listings", big.NewInt(1), seller.addr, big.NewInt(int64(pid)), big.NewInt(0), milliEther, false, big.NewInt(1))
		return out, true, err
	})

	rec, err := buyer.service.Buy(context.Background(), "1", market.BuyRequest{Amount: 5})
	assert.Equal(t, ledger.KindStateConflict, ledger.KindOf(err))
	assert.Equal(t, workflows.TxFailed, rec.Status)
	assert.Empty(t, contract.Sent())
	assert.False(t, buyer.orch.InFlight(txn.KindBuy))
}

func TestCancel(t *testing.T) {
	contract := ledgertest.New(1337)
	seller := connect(t, contract)
	stranger := connect(t, contract)
	pid := approvedProject(contract, seller.addr, 100)
	contract.SetCredits(seller.addr, pid, 60)
	contract.AddListing(ledgertest.Listing{Seller: seller.addr, ProjectID: pid, Amount: 40, PricePerCredit: milliEther, Active: true})

	_, err := stranger.service.Cancel(context.Background(), "1")
	assert.Equal(t, ledger.KindAuthorization, ledger.KindOf(err))
	assert.Empty(t, contract.Sent())

	rec, err := seller.service.Cancel(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, workflows.TxConfirmed, seller.wait(t, rec).Status)

	l, _ := contract.ListingByID(1)
	assert.False(t, l.Active)
	assert.Equal(t, uint64(100), contract.Credits(seller.addr, pid))

	_, err = seller.service.Cancel(context.Background(), "1")
	assert.Equal(t, ledger.KindStateConflict, ledger.KindOf(err))
}

func TestListings(t *testing.T) {
	contract := ledgertest.New(1337)
	seller := connect(t, contract)
	pid := approvedProject(contract, seller.addr, 100)
	contract.AddListing(ledgertest.Listing{Seller: seller.addr, ProjectID: pid, Amount: 40, PricePerCredit: milliEther, Active: true})
	contract.AddListing(ledgertest.Listing{Seller: seller.addr, ProjectID: pid, Amount: 0, PricePerCredit: milliEther, Active: false})

	res, err := seller.service.Listings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, market.MethodSnapshot, res.Method)
	assert.Len(t, res.Listings, 2)
	assert.Len(t, res.Active(), 1)

	contract.Hook("getAllListings", func([]any) ([]byte, bool, error) {
		return []byte{0x01}, true, nil
	})
	res, err = seller.service.Listings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, market.MethodIndexed, res.Method)
	assert.Len(t, res.Listings, 2)
	assert.Empty(t, res.Skipped)
}

func TestIndexedListingsStartAtFirstListingID(t *testing.T) {
	contract := ledgertest.New(1337)
	seller := connect(t, contract)
	pid := approvedProject(contract, seller.addr, 100)
	contract.AddListing(ledgertest.Listing{Seller: seller.addr, ProjectID: pid, Amount: 40, PricePerCredit: milliEther, Active: true})
	contract.AddListing(ledgertest.Listing{Seller: seller.addr, ProjectID: pid, Amount: 20, PricePerCredit: milliEther, Active: true})
	contract.Hook("getAllListings", func([]any) ([]byte, bool, error) {
		return []byte{0x01}, true, nil
	})

	seller.service.SetFirstListingID(2)
	res, err := seller.service.Listings(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Listings, 1)
	assert.Equal(t, int64(2), res.Listings[0].ID.Int64())
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "3", res.Skipped[0].ID)
}
