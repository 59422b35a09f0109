package endpoint

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"carbon-scribe/ledger-reconciler/internal/metrics"
)

// DefaultProbeTimeout bounds a single liveness probe.
const DefaultProbeTimeout = 5 * time.Second

// Prober issues one liveness call against an endpoint.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// RPCProber dials the endpoint and asks for its chain id. A non-zero
// ExpectedChainID also rejects endpoints serving another network.
type RPCProber struct {
	ExpectedChainID int64
}

// Probe implements Prober.
func (p RPCProber) Probe(ctx context.Context, url string) error {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	id, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	if p.ExpectedChainID != 0 && id.Cmp(big.NewInt(p.ExpectedChainID)) != 0 {
		return fmt.Errorf("chain id mismatch: have %s want %d", id, p.ExpectedChainID)
	}
	return nil
}

// ProbeResult is the outcome of probing one candidate.
type ProbeResult struct {
	URL     string
	Err     error
	Latency time.Duration
}

// Selection is the endpoint chosen by a Select call.
type Selection struct {
	URL      string
	Degraded bool
	Attempts []ProbeResult
}

// Selector picks the first responsive endpoint from an ordered pool.
type Selector struct {
	candidates []string
	prober     Prober
	timeout    time.Duration
	logger     *zap.Logger
	metrics    *metrics.ReconcilerMetrics
}

// NewSelector creates a selector over the given candidates, highest priority first.
func NewSelector(candidates []string, prober Prober, timeout time.Duration, logger *zap.Logger) (*Selector, error) {
	pool := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("no rpc endpoint candidates configured")
	}
	if prober == nil {
		prober = RPCProber{}
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Selector{
		candidates: pool,
		prober:     prober,
		timeout:    timeout,
		logger:     logger,
		metrics:    metrics.Reconciler(),
	}, nil
}

// Candidates returns a copy of the configured pool.
func (s *Selector) Candidates() []string {
	return append([]string(nil), s.candidates...)
}

// Select probes the pool in priority order. When nothing answers it returns
// the first candidate flagged as degraded instead of failing.
func (s *Selector) Select(ctx context.Context) Selection {
	return s.selectFrom(ctx, s.candidates)
}

// SelectExcluding is used after the active endpoint failed. The pool is
// rotated so probing starts after the failing endpoint, which is tried last.
func (s *Selector) SelectExcluding(ctx context.Context, failing string) Selection {
	idx := -1
	for i, c := range s.candidates {
		if c == failing {
			idx = i
			break
		}
	}
	if idx < 0 {
		return s.selectFrom(ctx, s.candidates)
	}

	order := make([]string, 0, len(s.candidates))
	order = append(order, s.candidates[idx+1:]...)
	order = append(order, s.candidates[:idx]...)
	order = append(order, failing)
	return s.selectFrom(ctx, order)
}

func (s *Selector) selectFrom(ctx context.Context, order []string) Selection {
	sel := Selection{Attempts: make([]ProbeResult, 0, len(order))}
	for _, url := range order {
		if ctx.Err() != nil {
			break
		}
		res := s.probe(ctx, url)
		sel.Attempts = append(sel.Attempts, res)
		if res.Err == nil {
			sel.URL = url
			s.logger.Debug("Selected rpc endpoint",
				zap.String("url", url),
				zap.Duration("latency", res.Latency))
			return sel
		}
		s.logger.Debug("RPC endpoint probe failed",
			zap.String("url", url),
			zap.Error(res.Err))
	}

	sel.URL = order[0]
	sel.Degraded = true
	s.metrics.ObserveDegraded()
	s.logger.Warn("No rpc endpoint responded, continuing in degraded mode",
		zap.String("url", sel.URL),
		zap.Int("probed", len(sel.Attempts)))
	return sel
}

func (s *Selector) probe(ctx context.Context, url string) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	err := s.prober.Probe(probeCtx, url)
	return ProbeResult{URL: url, Err: err, Latency: time.Since(started)}
}
