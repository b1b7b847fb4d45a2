// Package ledger describes the ledger operations the custody protocol needs.
// Implementations: algorand (algod + indexer) and memory (an in-process
// simulator with the same balance and opt-in rules, used by tests and dev).
package ledger

import (
	"context"
	"errors"
)

// Ledger cost model in microalgos.
const (
	MinTxnFee          uint64 = 1_000
	BaseMinBalance     uint64 = 100_000
	AssetMinBalance    uint64 = 100_000
	DefaultHolderFunds uint64 = 300_000
)

// Ledger errors. Adapters wrap these; services translate them exactly once.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAssetNotFound       = errors.New("asset not found")
	ErrNotOptedIn          = errors.New("receiver has not opted in to asset")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAssetFrozen         = errors.New("asset holding is frozen")
	ErrConfirmationTimeout = errors.New("transaction not confirmed within the round limit")
	ErrTransactionRejected = errors.New("transaction rejected by the ledger")
	ErrInvalidAddress      = errors.New("invalid ledger address")
)

// Account is the balance view needed for funding decisions.
type Account struct {
	Address    string
	Amount     uint64
	MinBalance uint64
}

// Spendable is the amount above the minimum balance.
func (a Account) Spendable() uint64 {
	if a.Amount <= a.MinBalance {
		return 0
	}
	return a.Amount - a.MinBalance
}

// Holding is an account's position in one asset. A missing holding (no opt-in)
// is reported as OptedIn=false rather than an error.
type Holding struct {
	AssetID uint64
	OptedIn bool
	Amount  uint64
	Frozen  bool
}

// AssetSpec describes a credential token to create. The issuer is manager,
// freeze and clawback authority; the token is a single indivisible unit.
type AssetSpec struct {
	UnitName  string
	AssetName string
	URL       string
	// MetadataHash is the 32-byte hash of the signed credential document.
	MetadataHash []byte
	Note         []byte
}

// TxResult identifies a confirmed transaction.
type TxResult struct {
	TxID           string
	ConfirmedRound uint64
	// AssetID is set for asset creation.
	AssetID uint64
}

// NoteRecord is an asset creation found by a note scan.
type NoteRecord struct {
	AssetID uint64
	TxID    string
	Note    []byte
}

// Client is the issuer-side view of the ledger. Every mutating call is signed
// by the issuer account and blocks until confirmation or a bounded timeout.
type Client interface {
	Network() string
	IssuerAddress() string

	Account(ctx context.Context, address string) (*Account, error)
	Holding(ctx context.Context, address string, assetID uint64) (*Holding, error)

	Pay(ctx context.Context, to string, amount uint64, note []byte) (*TxResult, error)
	CreateAsset(ctx context.Context, spec AssetSpec) (*TxResult, error)
	TransferAsset(ctx context.Context, assetID uint64, to string) (*TxResult, error)
	FreezeAsset(ctx context.Context, assetID uint64, holder string) (*TxResult, error)

	// ScanIssuerNotes walks asset creations by the issuer whose note starts with
	// prefix, newest first. Returning false from fn stops the scan.
	ScanIssuerNotes(ctx context.Context, prefix []byte, fn func(NoteRecord) bool) error
}
