package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"carbon-scribe/ledger-reconciler/internal/endpoint"
	"carbon-scribe/ledger-reconciler/internal/metrics"
)

// Dialer opens a backend against one endpoint URL.
type Dialer func(ctx context.Context, url string) (Backend, error)

// DialRPC is the default Dialer.
func DialRPC(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// NewLimiter builds the request pacer. A non-positive rate disables pacing.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// FailoverBackend paces requests and moves to another endpoint when the
// active one reports a connectivity failure. The failed call is retried once
// on the new endpoint.
type FailoverBackend struct {
	mu       sync.RWMutex
	active   Backend
	url      string
	degraded bool

	selector *endpoint.Selector
	dial     Dialer
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *metrics.ReconcilerMetrics
}

// DialFailover selects an endpoint and connects to it.
func DialFailover(ctx context.Context, selector *endpoint.Selector, dial Dialer, limiter *rate.Limiter, logger *zap.Logger) (*FailoverBackend, error) {
	if dial == nil {
		dial = DialRPC
	}
	if limiter == nil {
		limiter = NewLimiter(0, 0)
	}
	sel := selector.Select(ctx)
	backend, err := dial(ctx, sel.URL)
	if err != nil {
		return nil, NewError(KindConnectivity, "dial", fmt.Errorf("%s: %w", sel.URL, err))
	}
	logger.Info("Connected to rpc endpoint",
		zap.String("url", sel.URL),
		zap.Bool("degraded", sel.Degraded))

	return &FailoverBackend{
		active:   backend,
		url:      sel.URL,
		degraded: sel.Degraded,
		selector: selector,
		dial:     dial,
		limiter:  limiter,
		logger:   logger,
		metrics:  metrics.Reconciler(),
	}, nil
}

// URL returns the active endpoint.
func (f *FailoverBackend) URL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.url
}

// Degraded reports whether the active endpoint was chosen without a successful probe.
func (f *FailoverBackend) Degraded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.degraded
}

// Close releases the active connection.
func (f *FailoverBackend) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	closeBackend(f.active)
	f.active = nil
}

func closeBackend(b Backend) {
	if c, ok := b.(interface{ Close() }); ok {
		c.Close()
	}
}

func (f *FailoverBackend) current() (Backend, string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.active == nil {
		return nil, "", NewError(KindConnectivity, "backend", fmt.Errorf("backend closed"))
	}
	return f.active, f.url, nil
}

func (f *FailoverBackend) do(ctx context.Context, op string, fn func(Backend) error) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return NewError(KindConnectivity, op, err)
	}
	backend, url, err := f.current()
	if err != nil {
		return err
	}
	err = fn(backend)
	if err == nil || !Retryable(Classify(op, err)) || ctx.Err() != nil {
		return err
	}

	f.logger.Warn("RPC endpoint failed, switching",
		zap.String("op", op),
		zap.String("url", url),
		zap.Error(err))
	if ferr := f.failover(ctx, url); ferr != nil {
		f.logger.Warn("RPC failover unavailable", zap.Error(ferr))
		return err
	}

	if werr := f.limiter.Wait(ctx); werr != nil {
		return NewError(KindConnectivity, op, werr)
	}
	backend, _, cerr := f.current()
	if cerr != nil {
		return cerr
	}
	return fn(backend)
}

func (f *FailoverBackend) failover(ctx context.Context, failing string) error {
	f.mu.RLock()
	switched := f.url != failing
	f.mu.RUnlock()
	if switched {
		// another caller already moved off the failing endpoint
		return nil
	}

	sel := f.selector.SelectExcluding(ctx, failing)
	if sel.Degraded || sel.URL == failing {
		f.metrics.ObserveFailover(false)
		return fmt.Errorf("no alternative endpoint responded")
	}
	next, err := f.dial(ctx, sel.URL)
	if err != nil {
		f.metrics.ObserveFailover(false)
		return fmt.Errorf("dial %s: %w", sel.URL, err)
	}

	f.mu.Lock()
	old := f.active
	f.active = next
	f.url = sel.URL
	f.degraded = false
	f.mu.Unlock()
	closeBackend(old)

	f.metrics.ObserveFailover(true)
	f.logger.Info("Switched rpc endpoint",
		zap.String("from", failing),
		zap.String("to", sel.URL))
	return nil
}

func (f *FailoverBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := f.do(ctx, "eth_call", func(b Backend) error {
		var err error
		out, err = b.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

// SendTransaction rebroadcasts the same signed transaction after a failover;
// a node that already has it is treated as success.
func (f *FailoverBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	attempts := 0
	return f.do(ctx, "eth_sendRawTransaction", func(b Backend) error {
		attempts++
		err := b.SendTransaction(ctx, tx)
		if err != nil && attempts > 1 && strings.Contains(strings.ToLower(err.Error()), "already known") {
			return nil
		}
		return err
	})
}

func (f *FailoverBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := f.do(ctx, "eth_getTransactionReceipt", func(b Backend) error {
		var err error
		receipt, err = b.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

func (f *FailoverBackend) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := f.do(ctx, "eth_chainId", func(b Backend) error {
		var err error
		id, err = b.ChainID(ctx)
		return err
	})
	return id, err
}

func (f *FailoverBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var bal *big.Int
	err := f.do(ctx, "eth_getBalance", func(b Backend) error {
		var err error
		bal, err = b.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return bal, err
}

func (f *FailoverBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := f.do(ctx, "eth_getTransactionCount", func(b Backend) error {
		var err error
		nonce, err = b.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (f *FailoverBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := f.do(ctx, "eth_gasPrice", func(b Backend) error {
		var err error
		price, err = b.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (f *FailoverBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := f.do(ctx, "eth_estimateGas", func(b Backend) error {
		var err error
		gas, err = b.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (f *FailoverBackend) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := f.do(ctx, "eth_blockNumber", func(b Backend) error {
		var err error
		n, err = b.BlockNumber(ctx)
		return err
	})
	return n, err
}
