package ledgertest

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"carbon-scribe/ledger-reconciler/internal/ledger"
)

type projectTuple struct {
	Id               *big.Int
	Provider         common.Address
	Name             string
	Description      string
	ProjectType      string
	TotalCredits     *big.Int
	AvailableCredits *big.Int
	PricePerCredit   *big.Int
	Status           uint8
	Verifier         common.Address
	CreatedAt        *big.Int
	DocumentHash     string
	ReviewNotes      string
}

type listingTuple struct {
	Id             *big.Int
	Seller         common.Address
	ProjectId      *big.Int
	Amount         *big.Int
	PricePerCredit *big.Int
	Active         bool
	CreatedAt      *big.Int
}

type emissionTuple struct {
	Id        *big.Int
	User      common.Address
	Amount    *big.Int
	Activity  string
	Timestamp *big.Int
	Verified  bool
	Verifier  common.Address
}

func projectValues(p *Project) []any {
	price := p.PricePerCredit
	if price == nil {
		price = new(big.Int)
	}
	return []any{
		big64(p.ID), p.Provider, p.Name, p.Description, p.Category,
		big64(p.TotalCredits), big64(p.AvailableCredits), price,
		p.Status, p.Verifier, big64(p.CreatedAt), p.DocumentHash, p.ReviewNotes,
	}
}

func listingValues(l *Listing) []any {
	price := l.PricePerCredit
	if price == nil {
		price = new(big.Int)
	}
	return []any{big64(l.ID), l.Seller, big64(l.ProjectID), big64(l.Amount), price, l.Active, big64(l.CreatedAt)}
}

// view serves read-only methods. c.mu must be held.
func (c *Contract) view(method string, args []any) ([]any, error) {
	switch method {
	case "getAggregateStats":
		return []any{big64(uint64(len(c.projects))), big64(uint64(len(c.listings))), big64(uint64(len(c.emissions)))}, nil

	case "projectIds":
		idx := u64(args[0])
		if idx >= uint64(len(c.projects)) {
			return nil, revert("index out of bounds")
		}
		return []any{big64(c.projects[idx].ID)}, nil

	case "getProject":
		p := c.project(u64(args[0]))
		if p == nil {
			return nil, revert("project does not exist")
		}
		return projectValues(p), nil

	case "getAllProjects":
		out := make([]projectTuple, 0, len(c.projects))
		for _, p := range c.projects {
			v := projectValues(p)
			out = append(out, projectTuple{
				Id: v[0].(*big.Int), Provider: p.Provider, Name: p.Name, Description: p.Description,
				ProjectType: p.Category, TotalCredits: v[5].(*big.Int), AvailableCredits: v[6].(*big.Int),
				PricePerCredit: v[7].(*big.Int), Status: p.Status, Verifier: p.Verifier,
				CreatedAt: v[10].(*big.Int), DocumentHash: p.DocumentHash, ReviewNotes: p.ReviewNotes,
			})
		}
		return []any{out}, nil

	case "getUserCredits":
		account := args[0].(common.Address)
		return []any{big64(c.creditsOf(account)[u64(args[1])])}, nil

	case "getUserTotalCredits":
		account := args[0].(common.Address)
		var total uint64
		for _, n := range c.creditsOf(account) {
			total += n
		}
		return []any{big64(total)}, nil

	case "getAllListings":
		out := make([]listingTuple, 0, len(c.listings))
		for _, l := range c.listings {
			v := listingValues(l)
			out = append(out, listingTuple{
				Id: v[0].(*big.Int), Seller: l.Seller, ProjectId: v[2].(*big.Int), Amount: v[3].(*big.Int),
				PricePerCredit: v[4].(*big.Int), Active: l.Active, CreatedAt: v[6].(*big.Int),
			})
		}
		return []any{out}, nil

	case "listings":
		l := c.listing(u64(args[0]))
		if l == nil {
			// public mapping getters return the zero struct for unknown keys
			return listingValues(&Listing{}), nil
		}
		return listingValues(l), nil

	case "getUserEmissions":
		account := args[0].(common.Address)
		out := make([]emissionTuple, 0)
		for _, e := range c.emissions {
			if e.User != account {
				continue
			}
			out = append(out, emissionTuple{
				Id: big64(e.ID), User: e.User, Amount: new(big.Int).Set(e.Amount), Activity: e.Activity,
				Timestamp: big64(e.Timestamp), Verified: e.Verified, Verifier: e.Verifier,
			})
		}
		return []any{out}, nil

	case "hasRole":
		role := common.Hash(args[0].([32]byte))
		return []any{c.hasRole(role, args[1].(common.Address))}, nil
	}
	return nil, revert("%s is not a view", method)
}

// exec validates a state-changing call and applies it when apply is set.
// c.mu must be held.
func (c *Contract) exec(from common.Address, value *big.Int, method string, args []any, apply bool) error {
	switch method {
	case "createProject":
		name := args[0].(string)
		total := u64(args[3])
		if name == "" {
			return revert("name required")
		}
		if total == 0 {
			return revert("credits must be positive")
		}
		if apply {
			c.projects = append(c.projects, &Project{
				ID:             uint64(len(c.projects) + 1),
				Provider:       from,
				Name:           name,
				Description:    args[1].(string),
				Category:       args[2].(string),
				TotalCredits:   total,
				PricePerCredit: new(big.Int),
				CreatedAt:      c.timestamp(),
				DocumentHash:   args[4].(string),
			})
		}
		return nil

	case "verifyProject", "rejectProject":
		if !c.hasRole(ledger.VerifierRole, from) {
			return revert("caller is not a verifier")
		}
		p := c.project(u64(args[0]))
		if p == nil {
			return revert("project does not exist")
		}
		if p.Status != 0 {
			return revert("project is not pending")
		}
		if !apply {
			return nil
		}
		p.Verifier = from
		if method == "verifyProject" {
			p.Status = 1
			p.AvailableCredits = p.TotalCredits
			c.creditsOf(p.Provider)[p.ID] += p.TotalCredits
		} else {
			p.Status = 2
			p.ReviewNotes = args[1].(string)
		}
		return nil

	case "listCredits":
		pid, amount, price := u64(args[0]), u64(args[1]), args[2].(*big.Int)
		if amount == 0 || price.Sign() <= 0 {
			return revert("amount and price must be positive")
		}
		p := c.project(pid)
		if p == nil || p.Status != 1 {
			return revert("project not approved")
		}
		if c.creditsOf(from)[pid] < amount {
			return revert("insufficient credits")
		}
		if apply {
			c.creditsOf(from)[pid] -= amount
			if p.AvailableCredits >= amount {
				p.AvailableCredits -= amount
			}
			c.listings = append(c.listings, &Listing{
				ID:             uint64(len(c.listings) + 1),
				Seller:         from,
				ProjectID:      pid,
				Amount:         amount,
				PricePerCredit: new(big.Int).Set(price),
				Active:         true,
				CreatedAt:      c.timestamp(),
			})
		}
		return nil

	case "buyCredits":
		l := c.listing(u64(args[0]))
		amount := u64(args[1])
		if l == nil || !l.Active {
			return revert("listing not active")
		}
		if amount == 0 || amount > l.Amount {
			return revert("invalid amount")
		}
		cost := new(big.Int).Mul(big64(amount), l.PricePerCredit)
		if value.Cmp(cost) < 0 {
			return revert("insufficient payment")
		}
		if apply {
			l.Amount -= amount
			if l.Amount == 0 {
				l.Active = false
			}
			c.creditsOf(from)[l.ProjectID] += amount
			c.balances[l.Seller] = new(big.Int).Add(c.balanceOf(l.Seller), value)
		}
		return nil

	case "cancelListing":
		l := c.listing(u64(args[0]))
		if l == nil || !l.Active {
			return revert("listing not active")
		}
		if l.Seller != from {
			return revert("caller is not the seller")
		}
		if apply {
			c.creditsOf(l.Seller)[l.ProjectID] += l.Amount
			l.Amount = 0
			l.Active = false
		}
		return nil

	case "recordEmission":
		amount := args[0].(*big.Int)
		activity := args[1].(string)
		if amount.Sign() <= 0 || activity == "" {
			return revert("invalid emission")
		}
		if apply {
			c.emissions = append(c.emissions, &Emission{
				ID:        uint64(len(c.emissions) + 1),
				User:      from,
				Amount:    new(big.Int).Set(amount),
				Activity:  activity,
				Timestamp: c.timestamp(),
			})
		}
		return nil

	case "verifyEmission":
		if !c.hasRole(ledger.VerifierRole, from) {
			return revert("caller is not a verifier")
		}
		e := c.emission(u64(args[0]))
		if e == nil {
			return revert("emission does not exist")
		}
		if e.Verified {
			return revert("emission already verified")
		}
		if apply {
			e.Verified = true
			e.Verifier = from
		}
		return nil
	}
	return revert("%s is not supported", method)
}
