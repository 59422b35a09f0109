package ledger

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

//go:embed carbon_credit_system.abi.json
var contractABIJSON []byte

// ContractABI returns the parsed marketplace contract interface.
func ContractABI() (abi.ABI, error) {
	return abi.JSON(bytes.NewReader(contractABIJSON))
}

// VerifierRole is the access-control role id of project verifiers.
var VerifierRole = crypto.Keccak256Hash([]byte("VERIFIER_ROLE"))

// DefaultReceiptPoll is how often WaitMined asks for a receipt.
const DefaultReceiptPoll = 2 * time.Second

// Backend is the subset of the Ethereum RPC the client needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Stats is the ledger's aggregate counter view.
type Stats struct {
	Projects  *big.Int
	Listings  *big.Int
	Emissions *big.Int
}

// Client is the typed facade over the marketplace contract. Every read and
// write goes through it.
type Client struct {
	backend     Backend
	contract    common.Address
	abi         abi.ABI
	chainID     *big.Int
	signer      Signer
	receiptPoll time.Duration
	logger      *zap.Logger
}

// NewClient creates a client for the contract at address.
func NewClient(backend Backend, address common.Address, chainID *big.Int, signer Signer, logger *zap.Logger) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger backend is required")
	}
	parsed, err := ContractABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}
	return &Client{
		backend:     backend,
		contract:    address,
		abi:         parsed,
		chainID:     chainID,
		signer:      signer,
		receiptPoll: DefaultReceiptPoll,
		logger:      logger,
	}, nil
}

// SetReceiptPoll overrides the receipt polling interval.
func (c *Client) SetReceiptPoll(d time.Duration) {
	if d > 0 {
		c.receiptPoll = d
	}
}

// Account returns the connected address, or the zero address without a signer.
func (c *Client) Account() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// HasSigner reports whether writes are possible.
func (c *Client) HasSigner() bool { return c.signer != nil }

// ContractAddress returns the contract the client talks to.
func (c *Client) ContractAddress() common.Address { return c.contract }

// ChainID asks the node for its network id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, Classify("chainId", err)
	}
	return id, nil
}

// BlockNumber returns the current head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, Classify("blockNumber", err)
	}
	return n, nil
}

// Balance returns the native-currency balance of account in base units.
func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, Classify("balance", err)
	}
	return bal, nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, NewError(KindValidation, method, err)
	}
	msg := ethereum.CallMsg{From: c.Account(), To: &c.contract, Data: input}
	out, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, Classify(method, err)
	}
	if len(out) == 0 {
		return nil, decodeError(method, out, errors.New("empty return data"))
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, decodeError(method, out, err)
	}
	return values, nil
}

func (c *Client) callRecord(ctx context.Context, method string, args ...any) (Record, error) {
	values, err := c.call(ctx, method, args...)
	if err != nil {
		return Record{}, err
	}
	outputs := c.abi.Methods[method].Outputs
	names := make([]string, len(outputs))
	for i, o := range outputs {
		names[i] = o.Name
	}
	return NewRecord(names, values), nil
}

func (c *Client) callRecords(ctx context.Context, method string, args ...any) ([]Record, error) {
	values, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, NewError(KindDecode, method, fmt.Errorf("expected one output, got %d", len(values)))
	}
	records, err := recordsFromSlice(values[0])
	if err != nil {
		return nil, NewError(KindDecode, method, err)
	}
	return records, nil
}

func (c *Client) callBigInt(ctx context.Context, method string, args ...any) (*big.Int, error) {
	values, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, NewError(KindDecode, method, errors.New("missing output"))
	}
	n, err := AsBigInt(values[0])
	if err != nil {
		return nil, NewError(KindDecode, method, err)
	}
	return n, nil
}

// AggregateStats reads the ledger's entity counters.
func (c *Client) AggregateStats(ctx context.Context) (Stats, error) {
	rec, err := c.callRecord(ctx, "getAggregateStats")
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	if s.Projects, err = rec.BigInt("projectCount", 0); err != nil {
		return Stats{}, NewError(KindDecode, "getAggregateStats", err)
	}
	if s.Listings, err = rec.BigInt("listingCount", 1); err != nil {
		return Stats{}, NewError(KindDecode, "getAggregateStats", err)
	}
	if s.Emissions, err = rec.BigInt("emissionCount", 2); err != nil {
		return Stats{}, NewError(KindDecode, "getAggregateStats", err)
	}
	return s, nil
}

// ProjectIDAt reads the project id stored at index.
func (c *Client) ProjectIDAt(ctx context.Context, index uint64) (*big.Int, error) {
	return c.callBigInt(ctx, "projectIds", new(big.Int).SetUint64(index))
}

// Project fetches one raw project record.
func (c *Client) Project(ctx context.Context, id *big.Int) (Record, error) {
	return c.callRecord(ctx, "getProject", id)
}

// AllProjects fetches every project in one call.
func (c *Client) AllProjects(ctx context.Context) ([]Record, error) {
	return c.callRecords(ctx, "getAllProjects")
}

// UserCredits returns account's credits within one project.
func (c *Client) UserCredits(ctx context.Context, account common.Address, projectID *big.Int) (*big.Int, error) {
	return c.callBigInt(ctx, "getUserCredits", account, projectID)
}

// UserTotalCredits is the ledger's own aggregate of account's credits.
func (c *Client) UserTotalCredits(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.callBigInt(ctx, "getUserTotalCredits", account)
}

// AllListings fetches every marketplace listing in one call.
func (c *Client) AllListings(ctx context.Context) ([]Record, error) {
	return c.callRecords(ctx, "getAllListings")
}

// Listing fetches one listing.
func (c *Client) Listing(ctx context.Context, id *big.Int) (Record, error) {
	return c.callRecord(ctx, "listings", id)
}

// UserEmissions fetches the emission records owned by account.
func (c *Client) UserEmissions(ctx context.Context, account common.Address) ([]Record, error) {
	return c.callRecords(ctx, "getUserEmissions", account)
}

// HasRole checks the contract's access control table.
func (c *Client) HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error) {
	values, err := c.call(ctx, "hasRole", [32]byte(role), account)
	if err != nil {
		return false, err
	}
	ok, isBool := values[0].(bool)
	if !isBool {
		return false, NewError(KindDecode, "hasRole", fmt.Errorf("expected bool, got %T", values[0]))
	}
	return ok, nil
}

// CreateProject submits a new project for review.
func (c *Client) CreateProject(ctx context.Context, name, description, category string, totalCredits *big.Int, documentHash string) (common.Hash, error) {
	return c.transact(ctx, nil, "createProject", name, description, category, totalCredits, documentHash)
}

// VerifyProject approves a pending project.
func (c *Client) VerifyProject(ctx context.Context, id *big.Int) (common.Hash, error) {
	return c.transact(ctx, nil, "verifyProject", id)
}

// RejectProject rejects a pending project with review notes.
func (c *Client) RejectProject(ctx context.Context, id *big.Int, notes string) (common.Hash, error) {
	return c.transact(ctx, nil, "rejectProject", id, notes)
}

// ListCredits offers amount credits of a project at pricePerCredit wei each.
func (c *Client) ListCredits(ctx context.Context, projectID, amount, pricePerCredit *big.Int) (common.Hash, error) {
	return c.transact(ctx, nil, "listCredits", projectID, amount, pricePerCredit)
}

// BuyCredits buys from a listing, paying value wei.
func (c *Client) BuyCredits(ctx context.Context, listingID, amount, value *big.Int) (common.Hash, error) {
	return c.transact(ctx, value, "buyCredits", listingID, amount)
}

// CancelListing withdraws a listing.
func (c *Client) CancelListing(ctx context.Context, listingID *big.Int) (common.Hash, error) {
	return c.transact(ctx, nil, "cancelListing", listingID)
}

// RecordEmission appends an emission record; amount is in 18-decimal base units.
func (c *Client) RecordEmission(ctx context.Context, amount *big.Int, activity string) (common.Hash, error) {
	return c.transact(ctx, nil, "recordEmission", amount, activity)
}

// VerifyEmission marks an emission record verified.
func (c *Client) VerifyEmission(ctx context.Context, id *big.Int) (common.Hash, error) {
	return c.transact(ctx, nil, "verifyEmission", id)
}

func (c *Client) transact(ctx context.Context, value *big.Int, method string, args ...any) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, NewError(KindAuthorization, method, errors.New("no wallet connected"))
	}
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, NewError(KindValidation, method, err)
	}
	if value == nil {
		value = new(big.Int)
	}
	from := c.signer.Address()

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, Classify(method, fmt.Errorf("nonce: %w", err))
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, Classify(method, fmt.Errorf("gas price: %w", err))
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &c.contract,
		Value: value,
		Data:  input,
	})
	if err != nil {
		classified := Classify(method, fmt.Errorf("estimate gas: %w", err))
		if IsKind(classified, KindReverted) {
			// A reverting estimate means the ledger state no longer allows the call.
			return common.Hash{}, NewError(KindStateConflict, method, err)
		}
		return common.Hash{}, classified
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := c.signer.SignTx(ctx, tx, c.chainID)
	if err != nil {
		if errors.Is(err, ErrSignatureDeclined) {
			return common.Hash{}, NewError(KindUserCancel, method, err)
		}
		return common.Hash{}, Classify(method, fmt.Errorf("sign: %w", err))
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, Classify(method, err)
	}

	c.logger.Info("Transaction broadcast",
		zap.String("method", method),
		zap.String("hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce))
	return signed.Hash(), nil
}

// WaitMined blocks until the transaction has a receipt. There is no deadline
// besides ctx. A reverted receipt is returned together with a KindReverted error.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, Errorf(KindReverted, "receipt", "transaction %s reverted", hash.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.logger.Debug("Receipt lookup failed, retrying",
				zap.String("hash", hash.Hex()),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, NewError(KindConnectivity, "receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}
