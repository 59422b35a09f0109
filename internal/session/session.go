package session

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"carbon-scribe/ledger-reconciler/internal/auth"
	"carbon-scribe/ledger-reconciler/internal/config"
	"carbon-scribe/ledger-reconciler/internal/credits"
	"carbon-scribe/ledger-reconciler/internal/emissions"
	"carbon-scribe/ledger-reconciler/internal/endpoint"
	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/market"
	"carbon-scribe/ledger-reconciler/internal/metrics"
	"carbon-scribe/ledger-reconciler/internal/mirror"
	"carbon-scribe/ledger-reconciler/internal/projects"
	"carbon-scribe/ledger-reconciler/internal/txn"
)

// Options describe one connection to a ledger deployment.
type Options struct {
	Network  config.NetworkConfig
	Ledger   config.LedgerConfig
	Verifier common.Address
	// Signer is the connected wallet; nil opens a read-only session.
	Signer ledger.Signer
	// Prober and Dialer default to JSON-RPC.
	Prober endpoint.Prober
	Dialer ledger.Dialer
}

// OptionsFromConfig builds session options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, signer ledger.Signer) Options {
	return Options{
		Network:  cfg.Network,
		Ledger:   cfg.Ledger,
		Verifier: common.HexToAddress(cfg.Roles.VerifierAddress),
		Signer:   signer,
	}
}

// Session is everything bound to one network and one wallet. It is built on
// connect and torn down on disconnect or network change.
type Session struct {
	ChainID int64
	Head    uint64

	Backend      *ledger.FailoverBackend
	Client       *ledger.Client
	Resolver     *auth.Resolver
	Orchestrator *txn.Orchestrator
	Reconciler   *projects.Reconciler
	Projects     *projects.Service
	Credits      *credits.Aggregator
	Market       *market.Service
	Emissions    *emissions.Service

	contract   common.Address
	mirror     *mirror.Store
	generation uint64
	logger     *zap.Logger
	metrics    *metrics.ReconcilerMetrics
}

// Connect selects an endpoint, verifies the network identity and wires the
// services. store receives every reconciliation.
func Connect(ctx context.Context, opts Options, store *mirror.Store, logger *zap.Logger) (*Session, error) {
	if !common.IsHexAddress(opts.Network.ContractAddress) {
		return nil, ledger.Errorf(ledger.KindValidation, "connect", "invalid contract address %q", opts.Network.ContractAddress)
	}
	prober := opts.Prober
	if prober == nil {
		prober = endpoint.RPCProber{ExpectedChainID: opts.Network.ChainID}
	}
	selector, err := endpoint.NewSelector(opts.Network.Endpoints, prober, opts.Ledger.ProbeTimeout, logger)
	if err != nil {
		return nil, ledger.NewError(ledger.KindValidation, "connect", err)
	}
	limiter := ledger.NewLimiter(opts.Ledger.RequestsPerSecond, opts.Ledger.Burst)
	backend, err := ledger.DialFailover(ctx, selector, opts.Dialer, limiter, logger)
	if err != nil {
		return nil, err
	}

	var (
		chainID *big.Int
		head    uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		id, err := backend.ChainID(gctx)
		if err != nil {
			return fmt.Errorf("failed to read chain id: %w", err)
		}
		chainID = id
		return nil
	})
	g.Go(func() error {
		n, err := backend.BlockNumber(gctx)
		if err != nil {
			return fmt.Errorf("failed to read head block: %w", err)
		}
		head = n
		return nil
	})
	if err := g.Wait(); err != nil {
		backend.Close()
		return nil, err
	}
	if opts.Network.ChainID != 0 && chainID.Cmp(big.NewInt(opts.Network.ChainID)) != 0 {
		backend.Close()
		return nil, ledger.Errorf(ledger.KindValidation, "connect", "endpoint serves chain %s, expected %d", chainID, opts.Network.ChainID)
	}

	client, err := ledger.NewClient(backend, common.HexToAddress(opts.Network.ContractAddress), chainID, opts.Signer, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	if opts.Ledger.ReceiptPoll > 0 {
		client.SetReceiptPoll(opts.Ledger.ReceiptPoll)
	}

	s := &Session{
		ChainID: chainID.Int64(),
		Head:    head,
		Backend: backend,
		Client:  client,

		contract:   common.HexToAddress(opts.Network.ContractAddress),
		mirror:     store,
		generation: store.Generation(),
		logger:     logger,
		metrics:    metrics.Reconciler(),
	}
	s.Resolver = auth.NewResolver(opts.Verifier, logger)
	if _, err := s.Resolver.CheckOnChain(ctx, client); err != nil {
		logger.Warn("Could not verify verifier role on the ledger", zap.Error(err))
	}

	s.Orchestrator = txn.NewOrchestrator(client, logger)
	s.Reconciler = projects.NewReconciler(client, projects.ReconcilerConfig{
		FirstID:  opts.Ledger.FirstProjectID,
		MaxProbe: opts.Ledger.MaxProbe,
	}, logger)
	s.Projects = projects.NewService(s.Reconciler, client, s.Resolver, s.Orchestrator, logger)
	s.Market = market.NewService(client, client, s.Reconciler, s.Orchestrator, logger)
	s.Market.SetFirstListingID(opts.Ledger.FirstListingID)
	s.Emissions = emissions.NewService(client, client, s.Resolver, s.Orchestrator, logger)
	s.Credits = credits.NewAggregator(client, s.Reconciler, logger)

	logger.Info("Session connected",
		zap.Int64("chain_id", s.ChainID),
		zap.Uint64("head", head),
		zap.String("endpoint", backend.URL()),
		zap.Bool("degraded", backend.Degraded()),
		zap.String("account", client.Account().Hex()))
	return s, nil
}

// Account returns the connected wallet address, zero when read-only.
func (s *Session) Account() common.Address {
	return s.Client.Account()
}

// ReconcileAll re-reads projects, listings and, for a connected wallet, its
// balance and emissions, then publishes the result to the mirror. Parts that
// fail keep their previous mirrored value and are reported together.
func (s *Session) ReconcileAll(ctx context.Context) (mirror.Snapshot, error) {
	started := time.Now()
	var errs *multierror.Error
	snap := mirror.Snapshot{
		ChainID:  s.ChainID,
		Contract: s.contract,
		Endpoint: s.Backend.URL(),
		Degraded: s.Backend.Degraded(),
		Account:  s.Account(),
		Errors:   make(map[string]string),
	}
	fail := func(part string, err error) {
		snap.Errors[part] = err.Error()
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", part, err))
	}

	var set []projects.Project
	if result, err := s.Reconciler.Reconcile(ctx); err != nil {
		fail("projects", err)
	} else {
		snap.Projects = result
		set = result.Projects
	}

	if result, err := s.Market.Listings(ctx); err != nil {
		fail("listings", err)
	} else {
		snap.Listings = result
	}

	if s.Client.HasSigner() {
		account := s.Account()
		if bal, err := s.Credits.BalanceFrom(ctx, account, set); err != nil {
			fail("balance", err)
		} else {
			snap.Balance = &bal
		}
		if result, err := s.Emissions.List(ctx, account); err != nil {
			fail("emissions", err)
		} else {
			snap.Emissions = result
		}
	}

	if head, err := s.Backend.BlockNumber(ctx); err != nil {
		fail("block", err)
	} else {
		snap.Block = head
	}
	if len(snap.Errors) == 0 {
		snap.Errors = nil
	}

	merged, ok := s.mirror.Merge(s.generation, snap)
	if !ok {
		s.logger.Info("Discarding reconciliation from a closed session", zap.Int64("chain_id", s.ChainID))
		return snap, ledger.Errorf(ledger.KindConnectivity, "reconcile", "session closed during reconciliation")
	}
	err := errs.ErrorOrNil()
	s.metrics.ObserveReconcile(started, err)
	if err != nil {
		s.logger.Warn("Reconciliation incomplete", zap.Error(err))
	} else {
		s.logger.Debug("Reconciliation complete", zap.Duration("took", time.Since(started)))
	}
	return merged, err
}

// Close stops receipt watchers and drops the connection. Broadcast
// transactions are not affected.
func (s *Session) Close() {
	s.Orchestrator.Close()
	s.Backend.Close()
	s.Resolver.Reset()
	s.logger.Info("Session closed", zap.Int64("chain_id", s.ChainID))
}
