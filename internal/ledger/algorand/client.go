// Package algorand implements ledger.Client against an algod node and an indexer.
package algorand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"idmint/internal/ledger"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/indexer"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"golang.org/x/time/rate"
)

const (
	defaultConfirmationRounds = 4
	defaultPageSize           = 100
	defaultIndexerRPS         = 5
)

// Config points the client at a network.
type Config struct {
	Network            string
	AlgodURL           string
	AlgodToken         string
	IndexerURL         string
	IndexerToken       string
	ConfirmationRounds uint64
	IndexerRPS         float64
	PageSize           uint64
}

// Client signs every transaction with the issuer key.
type Client struct {
	algod   *algod.Client
	indexer *indexer.Client
	signer  *ledger.Signer
	network string
	rounds  uint64
	pages   uint64
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ ledger.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New builds a client. The indexer is optional; without it note scans fail.
func New(cfg Config, signer *ledger.Signer, opts ...Option) (*Client, error) {
	if signer == nil {
		return nil, errors.New("issuer signer is required")
	}
	ac, err := algod.MakeClient(cfg.AlgodURL, cfg.AlgodToken)
	if err != nil {
		return nil, fmt.Errorf("create algod client: %w", err)
	}
	c := &Client{
		algod:   ac,
		signer:  signer,
		network: cfg.Network,
		rounds:  cfg.ConfirmationRounds,
		pages:   cfg.PageSize,
		logger:  slog.Default(),
	}
	if cfg.IndexerURL != "" {
		ic, err := indexer.MakeClient(cfg.IndexerURL, cfg.IndexerToken)
		if err != nil {
			return nil, fmt.Errorf("create indexer client: %w", err)
		}
		c.indexer = ic
	}
	if c.rounds == 0 {
		c.rounds = defaultConfirmationRounds
	}
	if c.pages == 0 {
		c.pages = defaultPageSize
	}
	rps := cfg.IndexerRPS
	if rps <= 0 {
		rps = defaultIndexerRPS
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Network() string       { return c.network }
func (c *Client) IssuerAddress() string { return c.signer.Address }

// Algod exposes the node client for read-only consumers such as the registry reader.
func (c *Client) Algod() *algod.Client { return c.algod }

func (c *Client) Account(ctx context.Context, address string) (*ledger.Account, error) {
	info, err := c.algod.AccountInformation(address).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &ledger.Account{Address: address, Amount: info.Amount, MinBalance: info.MinBalance}, nil
}

func (c *Client) Holding(ctx context.Context, address string, assetID uint64) (*ledger.Holding, error) {
	resp, err := c.algod.AccountAssetInformation(address, assetID).Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return &ledger.Holding{AssetID: assetID}, nil
		}
		return nil, classify(err)
	}
	return &ledger.Holding{
		AssetID: assetID,
		OptedIn: true,
		Amount:  resp.AssetHolding.Amount,
		Frozen:  resp.AssetHolding.IsFrozen,
	}, nil
}

func (c *Client) Pay(ctx context.Context, to string, amount uint64, note []byte) (*ledger.TxResult, error) {
	return c.submit(ctx, "pay", func(sp types.SuggestedParams) (types.Transaction, error) {
		return transaction.MakePaymentTxn(c.signer.Address, to, amount, note, "", sp)
	})
}

func (c *Client) CreateAsset(ctx context.Context, spec ledger.AssetSpec) (*ledger.TxResult, error) {
	issuer := c.signer.Address
	return c.submit(ctx, "asset_create", func(sp types.SuggestedParams) (types.Transaction, error) {
		return transaction.MakeAssetCreateTxn(issuer, spec.Note, sp,
			1, 0, false,
			issuer, issuer, issuer, issuer,
			spec.UnitName, spec.AssetName, spec.URL, string(spec.MetadataHash))
	})
}

func (c *Client) TransferAsset(ctx context.Context, assetID uint64, to string) (*ledger.TxResult, error) {
	return c.submit(ctx, "asset_transfer", func(sp types.SuggestedParams) (types.Transaction, error) {
		return transaction.MakeAssetTransferTxn(c.signer.Address, to, 1, nil, sp, "", assetID)
	})
}

func (c *Client) FreezeAsset(ctx context.Context, assetID uint64, holder string) (*ledger.TxResult, error) {
	return c.submit(ctx, "asset_freeze", func(sp types.SuggestedParams) (types.Transaction, error) {
		return transaction.MakeAssetFreezeTxn(c.signer.Address, nil, sp, assetID, holder, true)
	})
}

// ScanIssuerNotes pages through indexer results at the configured request rate.
func (c *Client) ScanIssuerNotes(ctx context.Context, prefix []byte, fn func(ledger.NoteRecord) bool) error {
	if c.indexer == nil {
		return fmt.Errorf("%w: no indexer configured", ledger.ErrTransactionRejected)
	}
	next := ""
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		q := c.indexer.SearchForTransactions().
			AddressString(c.signer.Address).
			AddressRole("sender").
			TxType("acfg").
			NotePrefix(prefix).
			Limit(c.pages)
		if next != "" {
			q = q.NextToken(next)
		}
		resp, err := q.Do(ctx)
		if err != nil {
			return fmt.Errorf("search issuer notes: %w", err)
		}
		for _, tx := range resp.Transactions {
			if tx.CreatedAssetIndex == 0 {
				continue
			}
			if !fn(ledger.NoteRecord{AssetID: tx.CreatedAssetIndex, TxID: tx.Id, Note: tx.Note}) {
				return nil
			}
		}
		if resp.NextToken == "" || len(resp.Transactions) == 0 {
			return nil
		}
		next = resp.NextToken
	}
}

func (c *Client) submit(ctx context.Context, kind string, build func(types.SuggestedParams) (types.Transaction, error)) (*ledger.TxResult, error) {
	sp, err := c.algod.SuggestedParams().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	sp.FlatFee = true
	sp.Fee = types.MicroAlgos(max(sp.MinFee, ledger.MinTxnFee))

	tx, err := build(sp)
	if err != nil {
		return nil, fmt.Errorf("build %s transaction: %w", kind, err)
	}
	txID, signed, err := crypto.SignTransaction(c.signer.PrivateKey, tx)
	if err != nil {
		return nil, fmt.Errorf("sign %s transaction: %w", kind, err)
	}
	if _, err := c.algod.SendRawTransaction(signed).Do(ctx); err != nil {
		return nil, classify(err)
	}

	start := time.Now()
	res, err := c.waitForConfirmation(ctx, txID)
	if err != nil {
		c.logger.WarnContext(ctx, "transaction not confirmed",
			"kind", kind,
			"tx_id", txID,
			"error", err,
		)
		return nil, err
	}
	c.logger.InfoContext(ctx, "transaction confirmed",
		"kind", kind,
		"tx_id", txID,
		"round", res.ConfirmedRound,
		"elapsed", time.Since(start),
	)
	return res, nil
}

// waitForConfirmation polls for at most c.rounds rounds after submission.
func (c *Client) waitForConfirmation(ctx context.Context, txID string) (*ledger.TxResult, error) {
	status, err := c.algod.Status().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	round := status.LastRound
	last := round + c.rounds
	for round <= last {
		info, _, err := c.algod.PendingTransactionInformation(txID).Do(ctx)
		if err != nil {
			return nil, classify(err)
		}
		if info.PoolError != "" {
			return nil, classifyMessage(info.PoolError)
		}
		if info.ConfirmedRound > 0 {
			return &ledger.TxResult{TxID: txID, ConfirmedRound: info.ConfirmedRound, AssetID: info.AssetIndex}, nil
		}
		if _, err := c.algod.StatusAfterBlock(round).Do(ctx); err != nil {
			return nil, classify(err)
		}
		round++
	}
	return nil, fmt.Errorf("%w: %s after %d rounds", ledger.ErrConfirmationTimeout, txID, c.rounds)
}

// The SDK surfaces node rejections as plain messages, so classification is by
// the node's wording.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if isNotFound(err) {
		return fmt.Errorf("%w: %v", ledger.ErrAccountNotFound, err)
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "overspend"), strings.Contains(lower, "below min"), strings.Contains(lower, "balance"):
		return fmt.Errorf("%w: %s", ledger.ErrInsufficientFunds, msg)
	case strings.Contains(lower, "frozen"):
		return fmt.Errorf("%w: %s", ledger.ErrAssetFrozen, msg)
	case strings.Contains(lower, "missing from"), strings.Contains(lower, "not opted in"):
		return fmt.Errorf("%w: %s", ledger.ErrNotOptedIn, msg)
	case strings.Contains(lower, "asset") && strings.Contains(lower, "does not exist"):
		return fmt.Errorf("%w: %s", ledger.ErrAssetNotFound, msg)
	default:
		return fmt.Errorf("%w: %s", ledger.ErrTransactionRejected, msg)
	}
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(strings.ToLower(msg), "not found")
}
