package credits

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/projects"
)

type mockReader struct {
	mock.Mock
}

func (m *mockReader) UserTotalCredits(ctx context.Context, account common.Address) (*big.Int, error) {
	args := m.Called(account)
	n, _ := args.Get(0).(*big.Int)
	return n, args.Error(1)
}

func (m *mockReader) UserCredits(ctx context.Context, account common.Address, projectID *big.Int) (*big.Int, error) {
	args := m.Called(account, projectID.String())
	n, _ := args.Get(0).(*big.Int)
	return n, args.Error(1)
}

type staticProjects struct {
	result *projects.Result
	err    error
}

func (s staticProjects) Reconcile(context.Context) (*projects.Result, error) { return s.result, s.err }

var (
	holder = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	other  = common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
	review = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

func projectSet() *projects.Result {
	return &projects.Result{Projects: []projects.Project{
		{ID: big.NewInt(1), Provider: holder, Status: projects.StatusApproved, Verifier: review},
		{ID: big.NewInt(2), Provider: other, Status: projects.StatusApproved, Verifier: review},
		{ID: big.NewInt(3), Provider: holder, Status: projects.StatusPending},
		{ID: big.NewInt(4), Provider: other, Status: projects.StatusApproved, Verifier: review},
	}}
}

func newAggregator(reader Reader, source ProjectSource) *Aggregator {
	return NewAggregator(reader, source, zap.NewNop())
}

func TestBalanceCrossCheckAgrees(t *testing.T) {
	reader := new(mockReader)
	reader.On("UserTotalCredits", holder).Return(big.NewInt(15), nil)
	reader.On("UserCredits", holder, "1").Return(big.NewInt(10), nil)
	reader.On("UserCredits", holder, "2").Return(big.NewInt(5), nil)
	reader.On("UserCredits", holder, "4").Return(big.NewInt(0), nil)

	bal, err := newAggregator(reader, staticProjects{result: projectSet()}).Balance(context.Background(), holder)
	require.NoError(t, err)

	assert.Equal(t, SourceAggregate, bal.Source)
	assert.Equal(t, int64(15), bal.Total.Int64())
	assert.Equal(t, int64(15), bal.FallbackSum.Int64())
	assert.True(t, bal.CrossChecked)
	assert.False(t, bal.Discrepancy)
	assert.Len(t, bal.PerProject, 3)
	reader.AssertExpectations(t)
	// pending projects hold no credits and are never queried
	reader.AssertNotCalled(t, "UserCredits", holder, "3")
}

func TestBalanceCountsCreditsInOtherProvidersProjects(t *testing.T) {
	// credits bought before this process started, in projects the holder
	// never provided
	reader := new(mockReader)
	reader.On("UserTotalCredits", holder).Return(big.NewInt(10), nil)
	reader.On("UserCredits", holder, "1").Return(big.NewInt(0), nil)
	reader.On("UserCredits", holder, "2").Return(big.NewInt(4), nil)
	reader.On("UserCredits", holder, "4").Return(big.NewInt(6), nil)

	bal, err := newAggregator(reader, staticProjects{result: projectSet()}).Balance(context.Background(), holder)
	require.NoError(t, err)

	assert.Equal(t, int64(10), bal.FallbackSum.Int64())
	assert.True(t, bal.CrossChecked)
	assert.False(t, bal.Discrepancy)
}

func TestBalanceDiscrepancyKeepsAggregate(t *testing.T) {
	reader := new(mockReader)
	reader.On("UserTotalCredits", holder).Return(big.NewInt(20), nil)
	reader.On("UserCredits", holder, "1").Return(big.NewInt(10), nil)
	reader.On("UserCredits", holder, "2").Return(big.NewInt(5), nil)
	reader.On("UserCredits", holder, "4").Return(big.NewInt(0), nil)

	bal, err := newAggregator(reader, staticProjects{result: projectSet()}).Balance(context.Background(), holder)
	require.NoError(t, err)

	assert.True(t, bal.Discrepancy)
	assert.Equal(t, int64(20), bal.Total.Int64())
	assert.Equal(t, int64(15), bal.FallbackSum.Int64())
}

func TestBalanceFallsBackWhenAggregateFails(t *testing.T) {
	reader := new(mockReader)
	reader.On("UserTotalCredits", holder).Return(nil, ledger.Errorf(ledger.KindReverted, "getUserTotalCredits", "missing"))
	reader.On("UserCredits", holder, "1").Return(big.NewInt(10), nil)
	reader.On("UserCredits", holder, "2").Return(big.NewInt(5), nil)
	reader.On("UserCredits", holder, "4").Return(big.NewInt(0), nil)

	bal, err := newAggregator(reader, staticProjects{result: projectSet()}).Balance(context.Background(), holder)
	require.NoError(t, err)

	assert.Equal(t, SourcePerProject, bal.Source)
	assert.Equal(t, int64(15), bal.Total.Int64())
	assert.Nil(t, bal.PrimaryValue)
	assert.False(t, bal.CrossChecked)
}

func TestBalanceSkipsPreventCrossCheck(t *testing.T) {
	reader := new(mockReader)
	reader.On("UserTotalCredits", holder).Return(big.NewInt(99), nil)
	reader.On("UserCredits", holder, "1").Return(big.NewInt(10), nil)
	reader.On("UserCredits", holder, "2").Return(nil, ledger.Errorf(ledger.KindDecode, "getUserCredits", "garbage"))
	reader.On("UserCredits", holder, "4").Return(big.NewInt(0), nil)

	bal, err := newAggregator(reader, staticProjects{result: projectSet()}).Balance(context.Background(), holder)
	require.NoError(t, err)

	assert.Equal(t, 1, bal.Skipped)
	assert.False(t, bal.CrossChecked)
	assert.False(t, bal.Discrepancy)
	assert.Equal(t, int64(99), bal.Total.Int64())
}

func TestBalanceWithoutProjectSet(t *testing.T) {
	reader := new(mockReader)
	reader.On("UserTotalCredits", holder).Return(big.NewInt(7), nil)

	bal, err := newAggregator(reader, staticProjects{err: errors.New("down")}).Balance(context.Background(), holder)
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal.Total.Int64())
	assert.False(t, bal.CrossChecked)
}

func TestBalanceBothPathsFail(t *testing.T) {
	reader := new(mockReader)
	reader.On("UserTotalCredits", holder).Return(nil, ledger.NewError(ledger.KindConnectivity, "getUserTotalCredits", context.DeadlineExceeded))
	reader.On("UserCredits", holder, "1").Return(nil, ledger.NewError(ledger.KindConnectivity, "getUserCredits", context.DeadlineExceeded))

	_, err := newAggregator(reader, staticProjects{result: projectSet()}).Balance(context.Background(), holder)
	require.Error(t, err)
	assert.True(t, ledger.Retryable(err))
}

func TestCandidates(t *testing.T) {
	got := Candidates(projectSet().Projects)

	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].ID.Int64())
	assert.Equal(t, int64(2), got[1].ID.Int64())
	assert.Equal(t, int64(4), got[2].ID.Int64())
}
