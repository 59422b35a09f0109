// Package ledgertest provides an in-memory model of the carbon credit
// contract that satisfies ledger.Backend.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"carbon-scribe/ledger-reconciler/internal/ledger"
)

const genesisTime = 1_700_000_000

// Project mirrors the contract's project struct.
type Project struct {
	ID               uint64
	Provider         common.Address
	Name             string
	Description      string
	Category         string
	TotalCredits     uint64
	AvailableCredits uint64
	PricePerCredit   *big.Int
	Status           uint8
	Verifier         common.Address
	CreatedAt        uint64
	DocumentHash     string
	ReviewNotes      string
}

// Listing mirrors the contract's listing struct.
type Listing struct {
	ID             uint64
	Seller         common.Address
	ProjectID      uint64
	Amount         uint64
	PricePerCredit *big.Int
	Active         bool
	CreatedAt      uint64
}

// Emission mirrors the contract's emission struct.
type Emission struct {
	ID        uint64
	User      common.Address
	Amount    *big.Int
	Activity  string
	Timestamp uint64
	Verified  bool
	Verifier  common.Address
}

// CallHook intercepts an eth_call. When handled is false the call proceeds normally.
type CallHook func(args []any) (out []byte, handled bool, err error)

// RevertError is returned for calls the contract refuses.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string  { return "execution reverted: " + e.Reason }
func (e *RevertError) ErrorCode() int { return 3 }

func revert(format string, args ...any) error {
	return &RevertError{Reason: fmt.Sprintf(format, args...)}
}

// Contract is a single-node, instantly mining model of the marketplace.
type Contract struct {
	mu      sync.Mutex
	abi     abi.ABI
	chainID *big.Int
	signer  types.Signer
	head    uint64

	projects  []*Project
	listings  []*Listing
	emissions []*Emission
	credits   map[common.Address]map[uint64]uint64
	balances  map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	roles     map[common.Hash]map[common.Address]bool

	receipts     map[common.Hash]*types.Receipt
	held         map[common.Hash]*types.Receipt
	holdReceipts bool

	hooks    map[string]CallHook
	calls    map[string]int
	sent     []string
	sendErr  error
	chainErr error
}

// New creates an empty contract on the given chain.
func New(chainID int64) *Contract {
	parsed, err := ledger.ContractABI()
	if err != nil {
		panic(err)
	}
	id := big.NewInt(chainID)
	return &Contract{
		abi:      parsed,
		chainID:  id,
		signer:   types.LatestSignerForChainID(id),
		credits:  make(map[common.Address]map[uint64]uint64),
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		roles:    make(map[common.Hash]map[common.Address]bool),
		receipts: make(map[common.Hash]*types.Receipt),
		held:     make(map[common.Hash]*types.Receipt),
		hooks:    make(map[string]CallHook),
		calls:    make(map[string]int),
	}
}

// GrantRole gives account an access-control role.
func (c *Contract) GrantRole(role common.Hash, account common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roles[role] == nil {
		c.roles[role] = make(map[common.Address]bool)
	}
	c.roles[role][account] = true
}

// Fund sets the native balance of account.
func (c *Contract) Fund(account common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[account] = new(big.Int).Set(wei)
}

// AddProject seeds a project and returns its id.
func (c *Contract) AddProject(p Project) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.ID = uint64(len(c.projects) + 1)
	if p.PricePerCredit == nil {
		p.PricePerCredit = new(big.Int)
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = c.timestamp()
	}
	c.projects = append(c.projects, &p)
	return p.ID
}

// AddListing seeds a listing and returns its id.
func (c *Contract) AddListing(l Listing) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.ID = uint64(len(c.listings) + 1)
	if l.CreatedAt == 0 {
		l.CreatedAt = c.timestamp()
	}
	c.listings = append(c.listings, &l)
	return l.ID
}

// SetCredits sets account's credits within a project.
func (c *Contract) SetCredits(account common.Address, projectID, amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creditsOf(account)[projectID] = amount
}

// Credits returns account's credits within a project.
func (c *Contract) Credits(account common.Address, projectID uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creditsOf(account)[projectID]
}

// ProjectByID returns a copy of a stored project.
func (c *Contract) ProjectByID(id uint64) (Project, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.project(id)
	if p == nil {
		return Project{}, false
	}
	return *p, true
}

// ListingByID returns a copy of a stored listing.
func (c *Contract) ListingByID(id uint64) (Listing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.listing(id)
	if l == nil {
		return Listing{}, false
	}
	return *l, true
}

// Hook installs a call interceptor for method.
func (c *Contract) Hook(method string, hook CallHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[method] = hook
}

// Unhook removes the interceptor for method.
func (c *Contract) Unhook(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hooks, method)
}

// FailCalls makes every eth_call of method return err.
func (c *Contract) FailCalls(method string, err error) {
	c.Hook(method, func([]any) ([]byte, bool, error) { return nil, true, err })
}

// CorruptProject makes getProject(id) return undecodable bytes.
func (c *Contract) CorruptProject(id uint64) {
	c.hookProject(id, func([]any) ([]byte, bool, error) {
		return []byte{0xde, 0xad, 0xbe, 0xef}, true, nil
	})
}

// MisreportProject makes getProject(id) return a record claiming another id.
func (c *Contract) MisreportProject(id, reported uint64) {
	c.hookProject(id, func([]any) ([]byte, bool, error) {
		c.mu.Lock()
		p := c.project(id)
		if p == nil {
			c.mu.Unlock()
			return nil, false, nil
		}
		clone := *p
		c.mu.Unlock()
		clone.ID = reported
		out, err := c.Pack("getProject", projectValues(&clone)...)
		return out, true, err
	})
}

func (c *Contract) hookProject(id uint64, hook CallHook) {
	c.mu.Lock()
	prev := c.hooks["getProject"]
	c.mu.Unlock()
	c.Hook("getProject", func(args []any) ([]byte, bool, error) {
		if n, ok := args[0].(*big.Int); ok && n.IsUint64() && n.Uint64() == id {
			return hook(args)
		}
		if prev != nil {
			return prev(args)
		}
		return nil, false, nil
	})
}

// FailNextSend makes the next SendTransaction return err.
func (c *Contract) FailNextSend(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// FailChainID makes ChainID return err.
func (c *Contract) FailChainID(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainErr = err
}

// HoldReceipts withholds receipts until ReleaseReceipts is called.
func (c *Contract) HoldReceipts(hold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdReceipts = hold
}

// ReleaseReceipts publishes every withheld receipt.
func (c *Contract) ReleaseReceipts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h, r := range c.held {
		c.receipts[h] = r
		delete(c.held, h)
	}
}

// Calls returns how many eth_calls of method were served.
func (c *Contract) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Sent lists the contract methods of every broadcast transaction.
func (c *Contract) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// Pack encodes return values of method.
func (c *Contract) Pack(method string, values ...any) ([]byte, error) {
	m, ok := c.abi.Methods[method]
	if !ok {
		return nil, fmt.Errorf("unknown method %s", method)
	}
	return m.Outputs.Pack(values...)
}

func (c *Contract) decode(data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, revert("missing selector")
	}
	m, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, revert("unknown selector")
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, revert("bad calldata: %v", err)
	}
	return m, args, nil
}

func (c *Contract) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, args, err := c.decode(msg.Data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.calls[m.Name]++
	hook := c.hooks[m.Name]
	c.mu.Unlock()

	if hook != nil {
		if out, handled, err := hook(args); handled {
			return out, err
		}
	}

	c.mu.Lock()
	values, err := c.view(m.Name, args)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(values...)
}

func (c *Contract) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m, args, err := c.decode(msg.Data)
	if err != nil {
		return 0, err
	}
	value := msg.Value
	if value == nil {
		value = new(big.Int)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.exec(msg.From, value, m.Name, args, false); err != nil {
		return 0, err
	}
	return 150_000, nil
}

func (c *Contract) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	m, args, err := c.decode(tx.Data())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		err := c.sendErr
		c.sendErr = nil
		return err
	}
	if tx.Nonce() != c.nonces[from] {
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), c.nonces[from])
	}
	if c.balanceOf(from).Cmp(tx.Value()) < 0 {
		return errors.New("insufficient funds for gas * price + value")
	}
	c.nonces[from]++
	c.sent = append(c.sent, m.Name)
	c.head++

	status := types.ReceiptStatusSuccessful
	if err := c.exec(from, tx.Value(), m.Name, args, true); err != nil {
		status = types.ReceiptStatusFailed
	} else if tx.Value().Sign() > 0 {
		c.balances[from] = new(big.Int).Sub(c.balanceOf(from), tx.Value())
	}

	receipt := &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(c.head),
		GasUsed:     tx.Gas(),
	}
	if c.holdReceipts {
		c.held[tx.Hash()] = receipt
	} else {
		c.receipts[tx.Hash()] = receipt
	}
	return nil
}

func (c *Contract) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *Contract) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainErr != nil {
		return nil, c.chainErr
	}
	return new(big.Int).Set(c.chainID), nil
}

func (c *Contract) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balanceOf(account)), nil
}

func (c *Contract) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *Contract) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *Contract) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *Contract) timestamp() uint64 {
	return genesisTime + c.head*12
}

func (c *Contract) creditsOf(account common.Address) map[uint64]uint64 {
	m := c.credits[account]
	if m == nil {
		m = make(map[uint64]uint64)
		c.credits[account] = m
	}
	return m
}

func (c *Contract) balanceOf(account common.Address) *big.Int {
	if b := c.balances[account]; b != nil {
		return b
	}
	return new(big.Int)
}

func (c *Contract) project(id uint64) *Project {
	if id == 0 || id > uint64(len(c.projects)) {
		return nil
	}
	return c.projects[id-1]
}

func (c *Contract) listing(id uint64) *Listing {
	if id == 0 || id > uint64(len(c.listings)) {
		return nil
	}
	return c.listings[id-1]
}

func (c *Contract) emission(id uint64) *Emission {
	if id == 0 || id > uint64(len(c.emissions)) {
		return nil
	}
	return c.emissions[id-1]
}

func (c *Contract) hasRole(role common.Hash, account common.Address) bool {
	return c.roles[role][account]
}

func u64(v any) uint64 {
	if n, ok := v.(*big.Int); ok && n.IsUint64() {
		return n.Uint64()
	}
	return 0
}

func big64(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
