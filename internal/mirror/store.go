package mirror

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"carbon-scribe/ledger-reconciler/internal/credits"
	"carbon-scribe/ledger-reconciler/internal/emissions"
	"carbon-scribe/ledger-reconciler/internal/market"
	"carbon-scribe/ledger-reconciler/internal/projects"
)

// Snapshot is the client-side view of the ledger after one reconciliation.
// A nil part was never read successfully.
type Snapshot struct {
	ChainID     int64                  `json:"chain_id"`
	Contract    common.Address         `json:"contract"`
	Endpoint    string                 `json:"endpoint"`
	Degraded    bool                   `json:"degraded"`
	Block       uint64                 `json:"block"`
	Account     common.Address         `json:"account"`
	Projects    *projects.Result       `json:"projects,omitempty"`
	Listings    *market.ListingsResult `json:"listings,omitempty"`
	Balance     *credits.Balance       `json:"balance,omitempty"`
	Emissions   *emissions.ListResult  `json:"emissions,omitempty"`
	Errors      map[string]string      `json:"errors,omitempty"`
	RefreshedAt time.Time              `json:"refreshed_at"`
}

// Store holds the latest snapshot. Only the reconciliation path writes it.
type Store struct {
	mu       sync.RWMutex
	current  Snapshot
	has      bool
	gen      uint64
	staleAge time.Duration
	subs     map[int]chan Snapshot
	nextSub  int
}

// NewStore creates an empty store. A snapshot older than staleAge is
// reported as stale; zero disables the check.
func NewStore(staleAge time.Duration) *Store {
	return &Store{staleAge: staleAge, subs: make(map[int]chan Snapshot)}
}

// Get returns the current snapshot
func (s *Store) Get() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.has
}

// Generation identifies the store contents between two Clear calls.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Merge folds next into the current snapshot. Parts that next leaves nil
// keep their previous value when it came from the same deployment (and, for
// account data, the same account). A snapshot read under an older
// generation is dropped and Merge reports false.
func (s *Store) Merge(generation uint64, next Snapshot) (Snapshot, bool) {
	s.mu.Lock()
	if generation != s.gen {
		s.mu.Unlock()
		return next, false
	}
	prev := s.current
	sameLedger := s.has && next.ChainID == prev.ChainID && next.Contract == prev.Contract
	sameAccount := sameLedger && next.Account == prev.Account
	if next.Projects == nil && sameLedger {
		next.Projects = prev.Projects
	}
	if next.Listings == nil && sameLedger {
		next.Listings = prev.Listings
	}
	if next.Balance == nil && sameAccount {
		next.Balance = prev.Balance
	}
	if next.Emissions == nil && sameAccount {
		next.Emissions = prev.Emissions
	}
	if next.RefreshedAt.IsZero() {
		next.RefreshedAt = time.Now()
	}
	s.current = next
	s.has = true
	for _, ch := range s.subs {
		select {
		case ch <- next:
		default:
		}
	}
	s.mu.Unlock()
	return next, true
}

// Stale reports whether the snapshot is missing or older than the stale age.
func (s *Store) Stale(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.has {
		return true
	}
	return s.staleAge > 0 && now.Sub(s.current.RefreshedAt) > s.staleAge
}

// Clear drops the snapshot and starts a new generation, used on disconnect
// and network change.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Snapshot{}
	s.has = false
	s.gen++
}

// Subscribe streams merged snapshots. Slow subscribers miss updates.
func (s *Store) Subscribe(buffer int) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, buffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}
