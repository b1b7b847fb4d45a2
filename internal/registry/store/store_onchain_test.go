package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func fakeAlgod(t *testing.T, appID string, boxes map[string][]byte) *httptest.Server {
	t.Helper()
	admin := make([]byte, 32)
	admin[0] = 7
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v2/applications/" + appID:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": 42,
				"params": map[string]any{
					"creator": "",
					"global-state": []map[string]any{
						{"key": b64([]byte("admin")), "value": map[string]any{"type": 1, "bytes": b64(admin)}},
						{"key": b64([]byte("issuer_count")), "value": map[string]any{"type": 2, "uint": 3}},
					},
				},
			})
		case "/v2/applications/" + appID + "/box":
			name, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(r.URL.Query().Get("name"), "b64:"))
			require.NoError(t, err)
			v, ok := boxes[string(name)]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"message":"box not found"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"name": b64(name), "round": 10, "value": b64(v)})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestOnchainState(t *testing.T) {
	ctx := context.Background()
	srv := fakeAlgod(t, "42", map[string][]byte{"cred:abc": []byte("revoked")})
	defer srv.Close()

	client, err := algod.MakeClient(srv.URL, "")
	require.NoError(t, err)
	st := NewOnchainState(client, 42)

	err = st.View(ctx, func(tx Tx) error {
		admin, ok, err := tx.Global("admin")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, admin, 32)
		assert.Equal(t, byte(7), admin[0])

		count, ok, err := tx.Global("issuer_count")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 3}, count)

		box, ok, err := tx.Box([]byte("cred:abc"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("revoked"), box)

		_, ok, err = tx.Box([]byte("cred:missing"))
		require.NoError(t, err)
		assert.False(t, ok)

		return tx.SetBox([]byte("x"), nil)
	})
	assert.ErrorIs(t, err, ErrReadOnly)

	assert.ErrorIs(t, st.Update(ctx, func(Tx) error { return nil }), ErrReadOnly)
}
