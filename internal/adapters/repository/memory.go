package repository

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/okian/textrewards/internal/settlement"
)

// errMissingFunction mirrors what a REST gateway in front of PostgreSQL
// reports when the upsert function is not installed.
var errMissingFunction = errors.New("could not find the function public.upsert_permit_max in the schema cache")

type locationKey struct {
	repositoryID int64
	issueID      int64
}

type tokenKey struct {
	network int64
	address string
}

// MemoryStore implements settlement.Store in process memory. It backs dry
// runs and tests.
type MemoryStore struct {
	mu sync.RWMutex

	users     map[int64]struct{}
	wallets   map[int64]string
	locations map[locationKey]int64
	partners  map[string]int64
	tokens    map[tokenKey]int64
	permits   map[int64]*settlement.PermitRecord
	nextID    int64

	opts options
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		users:     make(map[int64]struct{}),
		wallets:   make(map[int64]string),
		locations: make(map[locationKey]int64),
		partners:  make(map[string]int64),
		tokens:    make(map[tokenKey]int64),
		permits:   make(map[int64]*settlement.PermitRecord),
		opts:      applyOptions(opts),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// SetWallet registers a wallet for userID.
func (s *MemoryStore) SetWallet(userID int64, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = struct{}{}
	s.wallets[userID] = address
}

// MarkClaimed records the on-chain transaction that redeemed permit id.
func (s *MemoryStore) MarkClaimed(_ context.Context, id int64, tx string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permits[id]
	if !ok {
		return settlement.ErrNotFound
	}
	p.Transaction = &tx
	return nil
}

// Permits returns a copy of every stored permit ordered by id.
func (s *MemoryStore) Permits() []settlement.PermitRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]settlement.PermitRecord, 0, len(s.permits))
	for _, p := range s.permits {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnsureUser creates the user when missing.
func (s *MemoryStore) EnsureUser(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = struct{}{}
	return nil
}

// WalletAddress returns the registered wallet of userID.
func (s *MemoryStore) WalletAddress(_ context.Context, userID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.wallets[userID]
	if !ok {
		return "", fmt.Errorf("wallet of user %d: %w", userID, settlement.ErrNotFound)
	}
	return addr, nil
}

// EnsureLocation returns the id of the repository/issue pair.
func (s *MemoryStore) EnsureLocation(_ context.Context, loc settlement.Location) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := locationKey{loc.RepositoryID, loc.IssueID}
	if id, ok := s.locations[key]; ok {
		return id, nil
	}
	id := s.id()
	s.locations[key] = id
	return id, nil
}

// EnsurePartner returns the id of wallet.
func (s *MemoryStore) EnsurePartner(_ context.Context, wallet string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wallet = strings.ToLower(wallet)
	if id, ok := s.partners[wallet]; ok {
		return id, nil
	}
	id := s.id()
	s.partners[wallet] = id
	return id, nil
}

// EnsureToken returns the id of the token.
func (s *MemoryStore) EnsureToken(_ context.Context, networkID int64, address string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tokenKey{networkID, strings.ToLower(address)}
	if id, ok := s.tokens[key]; ok {
		return id, nil
	}
	id := s.id()
	s.tokens[key] = id
	return id, nil
}

// UpsertPermitMax keeps the larger amount for the key of rec.
func (s *MemoryStore) UpsertPermitMax(_ context.Context, rec settlement.PermitRecord) error {
	if s.opts.rpcDisabled {
		return errMissingFunction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.byKey(rec.Key()); existing != nil {
		if existing.Claimed() || cmpAmount(existing.Amount, rec.Amount) >= 0 {
			return nil
		}
		existing.Amount = rec.Amount
		existing.Signature = rec.Signature
		existing.Deadline = rec.Deadline
		return nil
	}
	s.insert(rec)
	return nil
}

// InsertPermit inserts rec, failing on a duplicate key.
func (s *MemoryStore) InsertPermit(_ context.Context, rec settlement.PermitRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.PartnerID != nil && s.byKey(rec.Key()) != nil {
		return 0, fmt.Errorf("permit nonce %s: %w", rec.Nonce, settlement.ErrUniqueViolation)
	}
	return s.insert(rec), nil
}

// PermitByKey loads the permit with key.
func (s *MemoryStore) PermitByKey(_ context.Context, key settlement.PermitKey) (settlement.PermitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.byKey(key)
	if p == nil {
		return settlement.PermitRecord{}, fmt.Errorf("permit nonce %s: %w", key.Nonce, settlement.ErrNotFound)
	}
	return *p, nil
}

// UpdatePermitIfUnchanged raises the permit while it still holds
// expectedAmount and is unclaimed.
func (s *MemoryStore) UpdatePermitIfUnchanged(_ context.Context, id int64, expectedAmount string, rec settlement.PermitRecord) (bool, error) {
	if s.opts.beforeUpdate != nil {
		s.opts.beforeUpdate(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permits[id]
	if !ok || p.Amount != expectedAmount || p.Claimed() {
		return false, nil
	}
	p.Amount = rec.Amount
	p.Signature = rec.Signature
	p.Deadline = rec.Deadline
	return true, nil
}

// XPPermit loads the token-less permit of beneficiaryID at locationID.
func (s *MemoryStore) XPPermit(_ context.Context, beneficiaryID, locationID int64) (settlement.PermitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.permits {
		if p.TokenID == nil && p.BeneficiaryID == beneficiaryID && p.LocationID == locationID {
			return *p, nil
		}
	}
	return settlement.PermitRecord{}, fmt.Errorf("experience of user %d: %w", beneficiaryID, settlement.ErrNotFound)
}

// SetPermitAmount overwrites the amount of an unclaimed permit.
func (s *MemoryStore) SetPermitAmount(_ context.Context, id int64, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permits[id]
	if !ok {
		return fmt.Errorf("permit %d: %w", id, settlement.ErrNotFound)
	}
	if !p.Claimed() {
		p.Amount = amount
	}
	return nil
}

func (s *MemoryStore) byKey(key settlement.PermitKey) *settlement.PermitRecord {
	for _, p := range s.permits {
		if p.PartnerID != nil && p.Key() == key {
			return p
		}
	}
	return nil
}

func (s *MemoryStore) insert(rec settlement.PermitRecord) int64 {
	rec.ID = s.id()
	s.permits[rec.ID] = &rec
	return rec.ID
}

func cmpAmount(a, b string) int {
	x, okX := new(big.Int).SetString(a, 10)
	y, okY := new(big.Int).SetString(b, 10)
	if !okX || !okY {
		return strings.Compare(a, b)
	}
	return x.Cmp(y)
}
