// Package memory simulates a ledger in process. It applies the same fee,
// minimum-balance and opt-in rules as the real network and records every
// confirmed transaction in order so tests can assert custody sequencing.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"idmint/internal/ledger"
)

// EventKind names a confirmed transaction type.
type EventKind string

const (
	EventPayment  EventKind = "pay"
	EventCreate   EventKind = "asset_create"
	EventOptIn    EventKind = "asset_opt_in"
	EventTransfer EventKind = "asset_transfer"
	EventFreeze   EventKind = "asset_freeze"
)

// Event is one confirmed transaction.
type Event struct {
	Kind    EventKind
	TxID    string
	Round   uint64
	AssetID uint64
	From    string
	To      string
	Amount  uint64
}

type holding struct {
	amount uint64
	frozen bool
}

type account struct {
	amount   uint64
	holdings map[uint64]*holding
}

func (a *account) minBalance() uint64 {
	return ledger.BaseMinBalance + ledger.AssetMinBalance*uint64(len(a.holdings))
}

type asset struct {
	creator string
	note    []byte
	txID    string
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	network   string
	issuer    string
	round     uint64
	txSeq     uint64
	nextAsset uint64
	accounts  map[string]*account
	assets    map[uint64]*asset
	order     []uint64
	events    []Event
	failures  map[EventKind][]error
}

var _ ledger.Client = (*Ledger)(nil)

// New returns an empty ledger whose mutating calls are signed by issuer.
func New(network, issuer string) *Ledger {
	return &Ledger{
		network:   network,
		issuer:    issuer,
		round:     1,
		nextAsset: 1000,
		accounts:  make(map[string]*account),
		assets:    make(map[uint64]*asset),
		failures:  make(map[EventKind][]error),
	}
}

func (l *Ledger) Network() string       { return l.network }
func (l *Ledger) IssuerAddress() string { return l.issuer }

// Credit adds microalgos to an account out of thin air.
func (l *Ledger) Credit(address string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acct(address).amount += amount
}

// FailNext makes the next call of kind return err before any state changes.
func (l *Ledger) FailNext(kind EventKind, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[kind] = append(l.failures[kind], err)
}

// Events returns the confirmed transactions in order.
func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// AssetEvents returns the confirmed transactions touching assetID.
func (l *Ledger) AssetEvents(assetID uint64) []Event {
	var out []Event
	for _, e := range l.Events() {
		if e.AssetID == assetID {
			out = append(out, e)
		}
	}
	return out
}

func (l *Ledger) Account(ctx context.Context, address string) (*ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[address]
	if !ok {
		return &ledger.Account{Address: address, MinBalance: ledger.BaseMinBalance}, nil
	}
	return &ledger.Account{Address: address, Amount: a.amount, MinBalance: a.minBalance()}, nil
}

func (l *Ledger) Holding(ctx context.Context, address string, assetID uint64) (*ledger.Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.assets[assetID]; !ok {
		return nil, ledger.ErrAssetNotFound
	}
	h := &ledger.Holding{AssetID: assetID}
	if a, ok := l.accounts[address]; ok {
		if hold, ok := a.holdings[assetID]; ok {
			h.OptedIn = true
			h.Amount = hold.amount
			h.Frozen = hold.frozen
		}
	}
	return h, nil
}

func (l *Ledger) Pay(ctx context.Context, to string, amount uint64, _ []byte) (*ledger.TxResult, error) {
	return l.apply(ctx, EventPayment, func() (Event, error) {
		from := l.acct(l.issuer)
		if err := debit(from, amount+ledger.MinTxnFee, 0); err != nil {
			return Event{}, err
		}
		l.acct(to).amount += amount
		return Event{Kind: EventPayment, From: l.issuer, To: to, Amount: amount}, nil
	})
}

func (l *Ledger) CreateAsset(ctx context.Context, spec ledger.AssetSpec) (*ledger.TxResult, error) {
	return l.apply(ctx, EventCreate, func() (Event, error) {
		creator := l.acct(l.issuer)
		if err := debit(creator, ledger.MinTxnFee, ledger.AssetMinBalance); err != nil {
			return Event{}, err
		}
		id := l.nextAsset
		l.nextAsset++
		creator.holdings[id] = &holding{amount: 1}
		l.assets[id] = &asset{creator: l.issuer, note: append([]byte(nil), spec.Note...)}
		l.order = append(l.order, id)
		return Event{Kind: EventCreate, AssetID: id, From: l.issuer, Amount: 1}, nil
	})
}

// OptIn is the holder-side zero-value acceptance. The service never calls it;
// tests and the dev server play the holder with it.
func (l *Ledger) OptIn(ctx context.Context, holder string, assetID uint64) (*ledger.TxResult, error) {
	return l.apply(ctx, EventOptIn, func() (Event, error) {
		if _, ok := l.assets[assetID]; !ok {
			return Event{}, ledger.ErrAssetNotFound
		}
		a := l.acct(holder)
		if _, ok := a.holdings[assetID]; ok {
			return Event{Kind: EventOptIn, AssetID: assetID, From: holder, To: holder}, nil
		}
		if err := debit(a, ledger.MinTxnFee, ledger.AssetMinBalance); err != nil {
			return Event{}, err
		}
		a.holdings[assetID] = &holding{}
		return Event{Kind: EventOptIn, AssetID: assetID, From: holder, To: holder}, nil
	})
}

func (l *Ledger) TransferAsset(ctx context.Context, assetID uint64, to string) (*ledger.TxResult, error) {
	return l.apply(ctx, EventTransfer, func() (Event, error) {
		if _, ok := l.assets[assetID]; !ok {
			return Event{}, ledger.ErrAssetNotFound
		}
		from := l.acct(l.issuer)
		src, ok := from.holdings[assetID]
		if !ok || src.amount == 0 {
			return Event{}, fmt.Errorf("%w: issuer holds no units of asset %d", ledger.ErrTransactionRejected, assetID)
		}
		if src.frozen {
			return Event{}, ledger.ErrAssetFrozen
		}
		dst, ok := l.acct(to).holdings[assetID]
		if !ok {
			return Event{}, ledger.ErrNotOptedIn
		}
		if err := debit(from, ledger.MinTxnFee, 0); err != nil {
			return Event{}, err
		}
		src.amount--
		dst.amount++
		return Event{Kind: EventTransfer, AssetID: assetID, From: l.issuer, To: to, Amount: 1}, nil
	})
}

func (l *Ledger) FreezeAsset(ctx context.Context, assetID uint64, holder string) (*ledger.TxResult, error) {
	return l.apply(ctx, EventFreeze, func() (Event, error) {
		as, ok := l.assets[assetID]
		if !ok {
			return Event{}, ledger.ErrAssetNotFound
		}
		if as.creator != l.issuer {
			return Event{}, fmt.Errorf("%w: issuer is not the freeze manager", ledger.ErrTransactionRejected)
		}
		h, ok := l.acct(holder).holdings[assetID]
		if !ok {
			return Event{}, ledger.ErrNotOptedIn
		}
		if err := debit(l.acct(l.issuer), ledger.MinTxnFee, 0); err != nil {
			return Event{}, err
		}
		h.frozen = true
		return Event{Kind: EventFreeze, AssetID: assetID, From: l.issuer, To: holder}, nil
	})
}

func (l *Ledger) ScanIssuerNotes(ctx context.Context, prefix []byte, fn func(ledger.NoteRecord) bool) error {
	l.mu.Lock()
	var matches []ledger.NoteRecord
	for i := len(l.order) - 1; i >= 0; i-- {
		id := l.order[i]
		as := l.assets[id]
		if as.creator == l.issuer && bytes.HasPrefix(as.note, prefix) {
			matches = append(matches, ledger.NoteRecord{AssetID: id, TxID: as.txID, Note: append([]byte(nil), as.note...)})
		}
	}
	l.mu.Unlock()

	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(m) {
			return nil
		}
	}
	return nil
}

// apply runs one transaction atomically: injected failures and validation
// errors leave the ledger untouched.
func (l *Ledger) apply(ctx context.Context, kind EventKind, tx func() (Event, error)) (*ledger.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if queued := l.failures[kind]; len(queued) > 0 {
		l.failures[kind] = queued[1:]
		return nil, queued[0]
	}

	event, err := tx()
	if err != nil {
		return nil, err
	}
	l.txSeq++
	l.round++
	event.TxID = fmt.Sprintf("TX%06d", l.txSeq)
	event.Round = l.round
	if event.Kind == EventCreate {
		l.assets[event.AssetID].txID = event.TxID
	}
	l.events = append(l.events, event)
	return &ledger.TxResult{TxID: event.TxID, ConfirmedRound: event.Round, AssetID: createdID(event)}, nil
}

func createdID(e Event) uint64 {
	if e.Kind == EventCreate {
		return e.AssetID
	}
	return 0
}

func (l *Ledger) acct(address string) *account {
	a, ok := l.accounts[address]
	if !ok {
		a = &account{holdings: make(map[uint64]*holding)}
		l.accounts[address] = a
	}
	return a
}

// debit removes amount and requires the remaining balance to cover the minimum
// balance raised by extraMin.
func debit(a *account, amount, extraMin uint64) error {
	required := amount + a.minBalance() + extraMin
	if a.amount < required {
		return fmt.Errorf("%w: balance %d below required %d", ledger.ErrInsufficientFunds, a.amount, required)
	}
	a.amount -= amount
	return nil
}
