package projects_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/ledger/ledgertest"
	"carbon-scribe/ledger-reconciler/internal/projects"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	contractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	owner        = common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
	reviewer     = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

func newClient(t *testing.T, backend ledger.Backend, signer ledger.Signer) *ledger.Client {
	t.Helper()
	client, err := ledger.NewClient(backend, contractAddr, big.NewInt(1337), signer, zap.NewNop())
	require.NoError(t, err)
	client.SetReceiptPoll(5 * time.Millisecond)
	return client
}

func seed(contract *ledgertest.Contract, names ...string) {
	for _, name := range names {
		contract.AddProject(ledgertest.Project{Provider: owner, Name: name, TotalCredits: 10, PricePerCredit: big.NewInt(1)})
	}
}

func ids(result *projects.Result) []int64 {
	out := make([]int64, 0, len(result.Projects))
	for _, p := range result.Projects {
		out = append(out, p.ID.Int64())
	}
	return out
}

func TestReconcileSkipsBadItems(t *testing.T) {
	contract := ledgertest.New(1337)
	seed(contract, "one", "two", "three", "four")
	contract.CorruptProject(2)
	contract.MisreportProject(3, 7)

	r := projects.NewReconciler(newClient(t, contract, nil), projects.DefaultReconcilerConfig(), zap.NewNop())
	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, projects.MethodAggregate, result.Method)
	assert.Equal(t, []int64{1, 4}, ids(result))
	require.Len(t, result.Skipped, 2)
	assert.Equal(t, "2", result.Skipped[0].ID)
	assert.Equal(t, "3", result.Skipped[1].ID)
	assert.Error(t, result.SkipErrors())
}

func TestReconcileFallsBackToProbing(t *testing.T) {
	contract := ledgertest.New(1337)
	seed(contract, "one", "two", "three")
	contract.FailCalls("getAggregateStats", &ledgertest.RevertError{Reason: "not implemented"})

	r := projects.NewReconciler(newClient(t, contract, nil), projects.DefaultReconcilerConfig(), zap.NewNop())
	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, projects.MethodProbe, result.Method)
	assert.Equal(t, []int64{1, 2, 3}, ids(result))
	// three hits plus the out-of-range read that ends the probe
	assert.Equal(t, 4, contract.Calls("projectIds"))
	assert.Nil(t, result.SkipErrors())
}

func TestReconcileProbeIsBounded(t *testing.T) {
	contract := ledgertest.New(1337)
	seed(contract, "one", "two", "three")
	contract.FailCalls("getAggregateStats", &ledgertest.RevertError{Reason: "not implemented"})

	r := projects.NewReconciler(newClient(t, contract, nil), projects.ReconcilerConfig{FirstID: 1, MaxProbe: 2}, zap.NewNop())
	got, method, err := r.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, projects.MethodProbe, method)
	assert.Len(t, got, 2)
}

func TestReconcileDenseIsBounded(t *testing.T) {
	contract := ledgertest.New(1337)
	seed(contract, "one", "two", "three")

	r := projects.NewReconciler(newClient(t, contract, nil), projects.ReconcilerConfig{FirstID: 1, MaxProbe: 2}, zap.NewNop())
	got, method, err := r.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, projects.MethodAggregate, method)
	assert.Equal(t, []*big.Int{big.NewInt(1), big.NewInt(2)}, got)
}

func TestReconcileConnectivityAborts(t *testing.T) {
	contract := ledgertest.New(1337)
	seed(contract, "one", "two")
	contract.FailCalls("getProject", context.DeadlineExceeded)

	r := projects.NewReconciler(newClient(t, contract, nil), projects.DefaultReconcilerConfig(), zap.NewNop())
	_, err := r.Reconcile(context.Background())
	require.Error(t, err)
	assert.True(t, ledger.Retryable(err))
	assert.Equal(t, 1, contract.Calls("getProject"))
}

func TestReconcileIsIdempotent(t *testing.T) {
	contract := ledgertest.New(1337)
	seed(contract, "one", "two")
	contract.CorruptProject(1)

	r := projects.NewReconciler(newClient(t, contract, nil), projects.DefaultReconcilerConfig(), zap.NewNop())
	first, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	second, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Projects, second.Projects)
	assert.Equal(t, first.Skipped, second.Skipped)
}

func TestSnapshot(t *testing.T) {
	contract := ledgertest.New(1337)
	seed(contract, "one", "two")
	r := projects.NewReconciler(newClient(t, contract, nil), projects.DefaultReconcilerConfig(), zap.NewNop())

	result, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, projects.MethodSnapshot, result.Method)
	assert.Equal(t, []int64{1, 2}, ids(result))
	assert.Equal(t, "two", result.ByID()["2"].Name)

	contract.Hook("getAllProjects", func([]any) ([]byte, bool, error) {
		return []byte{0xde, 0xad, 0xbe, 0xef}, true, nil
	})
	_, err = r.Snapshot(context.Background())
	var lerr *ledger.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ledger.KindDecode, lerr.Kind)
	require.NotNil(t, lerr.Diagnostic)
	assert.Equal(t, 4, lerr.Diagnostic.Length)
	assert.False(t, lerr.Diagnostic.Aligned)
}

func TestFind(t *testing.T) {
	contract := ledgertest.New(1337)
	seed(contract, "one", "two", "three")
	r := projects.NewReconciler(newClient(t, contract, nil), projects.DefaultReconcilerConfig(), zap.NewNop())

	p, err := r.Find(context.Background(), "0x3")
	require.NoError(t, err)
	assert.Equal(t, "three", p.Name)

	_, err = r.Find(context.Background(), "9")
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
}
