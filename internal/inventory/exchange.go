package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	compensate "github.com/matthew-bo/viz-sub000"
)

// Step names of an exchange, in execution order.
const (
	StepEscrowAsset  = "escrow-asset"
	StepDebitBuyer   = "debit-buyer"
	StepCreditSeller = "credit-seller"
	StepDeliverAsset = "deliver-asset"
	StepSettle       = "settle"
)

// ErrInjected is returned by steps and rollbacks selected through Faults.
var ErrInjected = errors.New("injected failure")

// Trade describes a sale of one asset for cash.
type Trade struct {
	Seller  string
	Buyer   string
	AssetID string
	Price   int64
}

// Faults selects steps whose forward action or rollback should fail.
type Faults struct {
	FailStep     string
	FailRollback string
}

// Exchange runs trades as compensable transactions, locking each resource
// only while a step mutates it.
type Exchange struct {
	svc         *Service
	locks       *compensate.LockManager
	logger      compensate.Logger
	lockTimeout time.Duration
	faults      Faults
}

// ExchangeOption configures an Exchange.
type ExchangeOption func(*Exchange)

// WithLockTimeout bounds how long each step may hold its resource lock.
func WithLockTimeout(d time.Duration) ExchangeOption {
	return func(e *Exchange) { e.lockTimeout = d }
}

// WithFaults injects failures into the named steps.
func WithFaults(f Faults) ExchangeOption {
	return func(e *Exchange) { e.faults = f }
}

// WithExchangeLogger sets the logger passed to each transaction.
func WithExchangeLogger(l compensate.Logger) ExchangeOption {
	return func(e *Exchange) { e.logger = l }
}

// NewExchange creates an Exchange over svc guarded by locks.
func NewExchange(svc *Service, locks *compensate.LockManager, opts ...ExchangeOption) *Exchange {
	e := &Exchange{
		svc:         svc,
		locks:       locks,
		logger:      compensate.NewNoOpLogger(),
		lockTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func assetResource(id string) string     { return "asset:" + id }
func inventoryResource(id string) string { return "inventory:" + id }

// Build returns a pending transaction for trade without running it.
func (e *Exchange) Build(txID string, trade Trade) (*compensate.Transaction, error) {
	if trade.Price <= 0 {
		return nil, ErrInvalidAmount
	}
	tx := compensate.NewTransaction(txID, compensate.WithTxLogger(e.logger))
	owner := tx.ID()

	steps := []struct {
		name     string
		resource string
		do       func() error
		undo     func() error
	}{
		{
			StepEscrowAsset, assetResource(trade.AssetID),
			func() error { return e.svc.Escrow(trade.Seller, trade.AssetID) },
			func() error { return e.svc.ReleaseEscrow(trade.Seller, trade.AssetID) },
		},
		{
			StepDebitBuyer, inventoryResource(trade.Buyer),
			func() error { return e.svc.Withdraw(trade.Buyer, trade.Price) },
			func() error { return e.svc.Deposit(trade.Buyer, trade.Price) },
		},
		{
			StepCreditSeller, inventoryResource(trade.Seller),
			func() error { return e.svc.Deposit(trade.Seller, trade.Price) },
			func() error { return e.svc.Withdraw(trade.Seller, trade.Price) },
		},
		{
			StepDeliverAsset, assetResource(trade.AssetID),
			func() error { return e.svc.TransferEscrowed(trade.Seller, trade.Buyer, trade.AssetID, true) },
			func() error { return e.svc.TransferEscrowed(trade.Buyer, trade.Seller, trade.AssetID, true) },
		},
		{
			StepSettle, assetResource(trade.AssetID),
			func() error { return e.svc.ReleaseEscrow(trade.Buyer, trade.AssetID) },
			func() error { return e.svc.Escrow(trade.Buyer, trade.AssetID) },
		},
	}

	for _, s := range steps {
		s := s
		err := tx.AddStep(compensate.NewStep(s.name,
			func(ctx context.Context) error {
				if e.faults.FailStep == s.name {
					return fmt.Errorf("%s: %w", s.name, ErrInjected)
				}
				return e.guarded(ctx, s.resource, owner, s.name, s.do)
			},
			func(ctx context.Context) error {
				if e.faults.FailRollback == s.name {
					return fmt.Errorf("undo %s: %w", s.name, ErrInjected)
				}
				return e.guarded(ctx, s.resource, owner, "undo "+s.name, s.undo)
			},
		))
		if err != nil {
			return nil, err
		}
	}
	return tx, nil
}

// Run builds and executes a trade.
func (e *Exchange) Run(ctx context.Context, txID string, trade Trade) (*compensate.Transaction, error) {
	tx, err := e.Build(txID, trade)
	if err != nil {
		return nil, err
	}
	return tx, tx.Execute(ctx)
}

func (e *Exchange) guarded(ctx context.Context, resource, owner, op string, fn func() error) error {
	return e.locks.WithLock(ctx, resource, owner, func(context.Context) error {
		return fn()
	}, compensate.Timeout(e.lockTimeout), compensate.Metadata(map[string]string{"op": op}))
}
