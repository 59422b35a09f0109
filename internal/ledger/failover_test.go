package ledger_test

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/endpoint"
	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/ledger/ledgertest"
)

// throttledBackend answers every eth_call with HTTP 429.
type throttledBackend struct {
	*ledgertest.Contract
	calls  atomic.Int32
	closed atomic.Bool
}

func (b *throttledBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	b.calls.Add(1)
	return nil, rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}
}

func (b *throttledBackend) Close() { b.closed.Store(true) }

type staticProber map[string]error

func (p staticProber) Probe(ctx context.Context, url string) error { return p[url] }

func TestFailoverBackendSwitchesOnRateLimit(t *testing.T) {
	ctx := context.Background()
	healthy := ledgertest.New(1337)
	healthy.AddProject(ledgertest.Project{Name: "A", TotalCredits: 1})
	throttled := &throttledBackend{Contract: ledgertest.New(1337)}

	backends := map[string]ledger.Backend{"http://a": throttled, "http://b": healthy}
	dial := func(ctx context.Context, url string) (ledger.Backend, error) {
		b, ok := backends[url]
		if !ok {
			return nil, errors.New("unknown endpoint")
		}
		return b, nil
	}

	selector, err := endpoint.NewSelector([]string{"http://a", "http://b"}, staticProber{}, time.Second, zap.NewNop())
	require.NoError(t, err)
	fb, err := ledger.DialFailover(ctx, selector, dial, ledger.NewLimiter(0, 0), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "http://a", fb.URL())

	client := newClient(t, fb, nil)
	stats, err := client.AggregateStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Projects.Int64())

	assert.Equal(t, "http://b", fb.URL())
	assert.Equal(t, int32(1), throttled.calls.Load())
	assert.True(t, throttled.closed.Load())
}

func TestFailoverBackendSurfacesErrorWithoutAlternative(t *testing.T) {
	ctx := context.Background()
	throttled := &throttledBackend{Contract: ledgertest.New(1337)}
	dial := func(ctx context.Context, url string) (ledger.Backend, error) { return throttled, nil }

	selector, err := endpoint.NewSelector([]string{"http://a", "http://b"},
		staticProber{"http://b": errors.New("down")}, time.Second, zap.NewNop())
	require.NoError(t, err)
	fb, err := ledger.DialFailover(ctx, selector, dial, nil, zap.NewNop())
	require.NoError(t, err)

	client := newClient(t, fb, nil)
	_, err = client.AggregateStats(ctx)
	require.Error(t, err)
	assert.True(t, ledger.Retryable(err))
	assert.Equal(t, "http://a", fb.URL())
}

func TestFailoverBackendDoesNotRetryLogicalErrors(t *testing.T) {
	ctx := context.Background()
	contract := ledgertest.New(1337)
	dialed := 0
	dial := func(ctx context.Context, url string) (ledger.Backend, error) {
		dialed++
		return contract, nil
	}
	selector, err := endpoint.NewSelector([]string{"http://a", "http://b"}, staticProber{}, time.Second, zap.NewNop())
	require.NoError(t, err)
	fb, err := ledger.DialFailover(ctx, selector, dial, nil, zap.NewNop())
	require.NoError(t, err)

	client := newClient(t, fb, nil)
	_, err = client.Project(ctx, big.NewInt(3))
	assert.Equal(t, ledger.KindReverted, ledger.KindOf(err))
	assert.Equal(t, 1, dialed)

	_, err = fb.TransactionReceipt(ctx, common.Hash{})
	assert.ErrorIs(t, err, ethereum.NotFound)
	assert.Equal(t, 1, dialed)
}

func TestFailoverBackendPacesRequests(t *testing.T) {
	ctx := context.Background()
	contract := ledgertest.New(1337)
	dial := func(ctx context.Context, url string) (ledger.Backend, error) { return contract, nil }
	selector, err := endpoint.NewSelector([]string{"http://a"}, staticProber{}, time.Second, zap.NewNop())
	require.NoError(t, err)
	fb, err := ledger.DialFailover(ctx, selector, dial, ledger.NewLimiter(50, 1), zap.NewNop())
	require.NoError(t, err)

	started := time.Now()
	for i := 0; i < 4; i++ {
		_, err := fb.BlockNumber(ctx)
		require.NoError(t, err)
	}
	// one burst token, then three waits of ~20ms
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)

	fb.Close()
	_, err = fb.BlockNumber(ctx)
	assert.True(t, ledger.Retryable(err))
}
