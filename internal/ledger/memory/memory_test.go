package memory

import (
	"context"
	"errors"
	"testing"

	"idmint/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	issuer = "ISSUER"
	holder = "HOLDER"
)

func newFundedLedger() *Ledger {
	l := New("localnet", issuer)
	l.Credit(issuer, 10_000_000)
	return l
}

func mint(t *testing.T, l *Ledger, note string) uint64 {
	t.Helper()
	res, err := l.CreateAsset(context.Background(), ledger.AssetSpec{UnitName: "IDC", Note: []byte(note)})
	require.NoError(t, err)
	require.NotZero(t, res.AssetID)
	return res.AssetID
}

func TestCustodySequence(t *testing.T) {
	ctx := context.Background()
	l := newFundedLedger()
	l.Credit(holder, ledger.DefaultHolderFunds)

	assetID := mint(t, l, "n")

	_, err := l.TransferAsset(ctx, assetID, holder)
	require.ErrorIs(t, err, ledger.ErrNotOptedIn)

	_, err = l.OptIn(ctx, holder, assetID)
	require.NoError(t, err)
	_, err = l.TransferAsset(ctx, assetID, holder)
	require.NoError(t, err)
	_, err = l.FreezeAsset(ctx, assetID, holder)
	require.NoError(t, err)

	h, err := l.Holding(ctx, holder, assetID)
	require.NoError(t, err)
	assert.True(t, h.OptedIn)
	assert.Equal(t, uint64(1), h.Amount)
	assert.True(t, h.Frozen)

	var kinds []EventKind
	for _, e := range l.AssetEvents(assetID) {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventCreate, EventOptIn, EventTransfer, EventFreeze}, kinds)
}

func TestMinimumBalanceRules(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown account reports base minimum", func(t *testing.T) {
		l := newFundedLedger()
		acct, err := l.Account(ctx, "NOBODY")
		require.NoError(t, err)
		assert.Zero(t, acct.Amount)
		assert.Equal(t, ledger.BaseMinBalance, acct.MinBalance)
	})

	t.Run("creating an asset raises the creator minimum", func(t *testing.T) {
		l := newFundedLedger()
		mint(t, l, "n")
		acct, err := l.Account(ctx, issuer)
		require.NoError(t, err)
		assert.Equal(t, ledger.BaseMinBalance+ledger.AssetMinBalance, acct.MinBalance)
		assert.Equal(t, uint64(10_000_000-ledger.MinTxnFee), acct.Amount)
	})

	t.Run("unfunded holder cannot opt in", func(t *testing.T) {
		l := newFundedLedger()
		assetID := mint(t, l, "n")
		_, err := l.OptIn(ctx, holder, assetID)
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	})

	t.Run("payment may not dip below minimum", func(t *testing.T) {
		l := New("localnet", issuer)
		l.Credit(issuer, ledger.BaseMinBalance+2000)
		_, err := l.Pay(ctx, holder, 1, nil)
		assert.NoError(t, err)
		_, err = l.Pay(ctx, holder, 1, nil)
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	})
}

func TestFreezeRequiresHolding(t *testing.T) {
	l := newFundedLedger()
	assetID := mint(t, l, "n")
	_, err := l.FreezeAsset(context.Background(), assetID, holder)
	assert.ErrorIs(t, err, ledger.ErrNotOptedIn)

	_, err = l.FreezeAsset(context.Background(), 42, holder)
	assert.ErrorIs(t, err, ledger.ErrAssetNotFound)
}

func TestFailNextLeavesStateUntouched(t *testing.T) {
	l := newFundedLedger()
	boom := errors.New("node unavailable")
	l.FailNext(EventCreate, boom)

	_, err := l.CreateAsset(context.Background(), ledger.AssetSpec{})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, l.Events())

	assetID := mint(t, l, "n")
	assert.Equal(t, uint64(1000), assetID)
}

func TestScanIssuerNotes(t *testing.T) {
	l := newFundedLedger()
	first := mint(t, l, "idmint:v1:aa")
	mint(t, l, "other")
	second := mint(t, l, "idmint:v1:ab")

	var seen []uint64
	err := l.ScanIssuerNotes(context.Background(), []byte("idmint:v1:"), func(r ledger.NoteRecord) bool {
		seen = append(seen, r.AssetID)
		assert.NotEmpty(t, r.TxID)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{second, first}, seen, "newest first")

	seen = nil
	err = l.ScanIssuerNotes(context.Background(), []byte("idmint:v1:"), func(r ledger.NoteRecord) bool {
		seen = append(seen, r.AssetID)
		return false
	})
	require.NoError(t, err)
	assert.Len(t, seen, 1)
}
