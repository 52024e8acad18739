// Package inventory is an in-memory ledger of party inventories used to
// exercise escrow exchanges.
package inventory

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
)

// Inventory errors
var (
	// ErrInventoryNotFound indicates the party has no inventory.
	ErrInventoryNotFound = errors.New("inventory not found")

	// ErrInventoryExists indicates an inventory was opened twice for one party.
	ErrInventoryExists = errors.New("inventory already exists")

	// ErrInsufficientFunds indicates a withdrawal larger than the cash balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount indicates a non-positive cash amount.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Asset errors
var (
	// ErrAssetNotFound indicates the party does not hold the asset.
	ErrAssetNotFound = errors.New("asset not found")

	// ErrAssetAlreadyEscrowed indicates the asset is already held in escrow.
	ErrAssetAlreadyEscrowed = errors.New("asset already escrowed")

	// ErrAssetNotEscrowed indicates an escrow-only operation on a free asset.
	ErrAssetNotEscrowed = errors.New("asset not escrowed")
)

type inventory struct {
	cash   int64
	assets map[string]bool // asset id -> escrowed
}

// Snapshot is a point-in-time copy of one party's inventory.
type Snapshot struct {
	Party  string
	Cash   int64
	Assets map[string]bool
}

// AssetIDs returns the held asset ids in sorted order.
func (s Snapshot) AssetIDs() []string {
	ids := make([]string, 0, len(s.Assets))
	for id := range s.Assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Service holds every party's inventory.
type Service struct {
	mu          sync.Mutex
	inventories map[string]*inventory
}

// NewService creates an empty service.
func NewService() *Service {
	return &Service{inventories: make(map[string]*inventory)}
}

// OpenInventory creates an empty inventory for party.
func (s *Service) OpenInventory(party string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inventories[party]; ok {
		return fmt.Errorf("%w: %s", ErrInventoryExists, party)
	}
	s.inventories[party] = &inventory{assets: make(map[string]bool)}
	return nil
}

// Deposit adds cash to party's balance.
func (s *Service) Deposit(party string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.lookup(party)
	if err != nil {
		return err
	}
	inv.cash += amount
	return nil
}

// Withdraw removes cash from party's balance.
func (s *Service) Withdraw(party string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.lookup(party)
	if err != nil {
		return err
	}
	if inv.cash < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, party, inv.cash, amount)
	}
	inv.cash -= amount
	return nil
}

// AddAsset gives party a free (unescrowed) asset.
func (s *Service) AddAsset(party, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.lookup(party)
	if err != nil {
		return err
	}
	inv.assets[assetID] = false
	return nil
}

// Escrow locks party's asset so it cannot be escrowed again until released or delivered.
func (s *Service) Escrow(party, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.lookup(party)
	if err != nil {
		return err
	}
	escrowed, ok := inv.assets[assetID]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s does not hold %s", ErrAssetNotFound, party, assetID)
	case escrowed:
		return fmt.Errorf("%w: %s", ErrAssetAlreadyEscrowed, assetID)
	}
	inv.assets[assetID] = true
	return nil
}

// ReleaseEscrow frees an escrowed asset back to its holder.
func (s *Service) ReleaseEscrow(party, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.lookup(party)
	if err != nil {
		return err
	}
	escrowed, ok := inv.assets[assetID]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s does not hold %s", ErrAssetNotFound, party, assetID)
	case !escrowed:
		return fmt.Errorf("%w: %s", ErrAssetNotEscrowed, assetID)
	}
	inv.assets[assetID] = false
	return nil
}

// TransferEscrowed moves an escrowed asset from one party to another. The
// asset arrives escrowed when keepEscrow is set and free otherwise.
func (s *Service) TransferEscrowed(from, to, assetID string, keepEscrow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.lookup(from)
	if err != nil {
		return err
	}
	dst, err := s.lookup(to)
	if err != nil {
		return err
	}
	escrowed, ok := src.assets[assetID]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s does not hold %s", ErrAssetNotFound, from, assetID)
	case !escrowed:
		return fmt.Errorf("%w: %s", ErrAssetNotEscrowed, assetID)
	}
	delete(src.assets, assetID)
	dst.assets[assetID] = keepEscrow
	return nil
}

// Snapshot returns a copy of party's inventory.
func (s *Service) Snapshot(party string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.lookup(party)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Party: party, Cash: inv.cash, Assets: maps.Clone(inv.assets)}, nil
}

// lookup must be called with s.mu held.
func (s *Service) lookup(party string) (*inventory, error) {
	inv, ok := s.inventories[party]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInventoryNotFound, party)
	}
	return inv, nil
}
