package algorand

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"idmint/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyMessage(t *testing.T) {
	cases := map[string]error{
		"TransactionPool.Remember: transaction X: overspend (account Y, data {_struct:{} ...})": ledger.ErrInsufficientFunds,
		"account Y balance 1000 below min 200000 (1 assets)":                                   ledger.ErrInsufficientFunds,
		"asset 55 frozen in Y":                                    ledger.ErrAssetFrozen,
		"asset 55 missing from Y":                                 ledger.ErrNotOptedIn,
		"asset 55 does not exist or has been deleted":             ledger.ErrAssetNotFound,
		"logic eval error: something unexpected happened on-node": ledger.ErrTransactionRejected,
	}
	for msg, want := range cases {
		assert.ErrorIs(t, classifyMessage(msg), want, msg)
	}
}

func TestClassifyKeepsContextErrors(t *testing.T) {
	assert.ErrorIs(t, classify(context.DeadlineExceeded), context.DeadlineExceeded)
	assert.ErrorIs(t, classify(errors.New("HTTP 404: account not found")), ledger.ErrAccountNotFound)
	assert.NoError(t, classify(nil))
}

func TestNewRequiresSigner(t *testing.T) {
	_, err := New(Config{AlgodURL: "http://localhost:4001"}, nil)
	assert.Error(t, err)
}

func TestScanIssuerNotesPages(t *testing.T) {
	signer := ledger.GenerateSigner()
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/transactions", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, signer.Address, q.Get("address"))
		assert.Equal(t, "sender", q.Get("address-role"))
		assert.Equal(t, "acfg", q.Get("tx-type"))
		assert.NotEmpty(t, q.Get("note-prefix"))

		page := map[string]any{"current-round": 100}
		switch calls.Add(1) {
		case 1:
			assert.Empty(t, q.Get("next"))
			page["transactions"] = []map[string]any{
				{"id": "TX2", "note": []byte("idmint:v1:b"), "created-asset-index": 12},
				{"id": "TX-no-asset", "note": []byte("idmint:v1:x")},
			}
			page["next-token"] = "page-2"
		default:
			assert.Equal(t, "page-2", q.Get("next"))
			page["transactions"] = []map[string]any{
				{"id": "TX1", "note": []byte("idmint:v1:a"), "created-asset-index": 11},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c, err := New(Config{
		AlgodURL:   srv.URL,
		IndexerURL: srv.URL,
		IndexerRPS: 1000,
	}, signer)
	require.NoError(t, err)

	var got []ledger.NoteRecord
	err = c.ScanIssuerNotes(context.Background(), []byte(ledger.NotePrefix), func(r ledger.NoteRecord) bool {
		got = append(got, r)
		return true
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(12), got[0].AssetID)
	assert.Equal(t, "TX2", got[0].TxID)
	assert.Equal(t, []byte("idmint:v1:b"), got[0].Note)
	assert.Equal(t, uint64(11), got[1].AssetID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestScanIssuerNotesWithoutIndexer(t *testing.T) {
	c, err := New(Config{AlgodURL: "http://localhost:4001"}, ledger.GenerateSigner())
	require.NoError(t, err)
	err = c.ScanIssuerNotes(context.Background(), nil, func(ledger.NoteRecord) bool { return true })
	assert.Error(t, err)
}
