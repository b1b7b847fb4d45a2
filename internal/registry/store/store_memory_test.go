package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stateContract exercises behavior every writable State must share.
func stateContract(t *testing.T, newState func(t *testing.T) State) {
	ctx := context.Background()

	t.Run("writes are visible after commit", func(t *testing.T) {
		st := newState(t)
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			if err := tx.SetGlobal("admin", []byte{1, 2, 3}); err != nil {
				return err
			}
			return tx.SetBox([]byte("cred:x"), []byte("value"))
		}))

		require.NoError(t, st.View(ctx, func(tx Tx) error {
			v, ok, err := tx.Global("admin")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte{1, 2, 3}, v)

			b, ok, err := tx.Box([]byte("cred:x"))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("value"), b)

			_, ok, err = tx.Box([]byte("cred:missing"))
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		}))
	})

	t.Run("reads see writes inside the same update", func(t *testing.T) {
		st := newState(t)
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			require.NoError(t, tx.SetGlobal("issuer_count", []byte{0, 0, 0, 0, 0, 0, 0, 1}))
			v, ok, err := tx.Global("issuer_count")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, byte(1), v[7])
			return nil
		}))
	})

	t.Run("failed update discards every write", func(t *testing.T) {
		st := newState(t)
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			return tx.SetGlobal("admin", []byte("old"))
		}))

		boom := errors.New("assertion failed")
		err := st.Update(ctx, func(tx Tx) error {
			require.NoError(t, tx.SetGlobal("admin", []byte("new")))
			require.NoError(t, tx.SetBox([]byte("k"), []byte("v")))
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, st.View(ctx, func(tx Tx) error {
			v, _, err := tx.Global("admin")
			require.NoError(t, err)
			assert.Equal(t, []byte("old"), v)
			_, ok, err := tx.Box([]byte("k"))
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		}))
	})

	t.Run("views are read-only", func(t *testing.T) {
		st := newState(t)
		err := st.View(ctx, func(tx Tx) error {
			return tx.SetBox([]byte("k"), []byte("v"))
		})
		assert.ErrorIs(t, err, ErrReadOnly)
	})
}

func TestInMemoryState(t *testing.T) {
	stateContract(t, func(*testing.T) State { return NewInMemoryState() })
}

func TestInMemoryStateReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryState()
	require.NoError(t, st.Update(ctx, func(tx Tx) error { return tx.SetBox([]byte("k"), []byte("abc")) }))

	require.NoError(t, st.View(ctx, func(tx Tx) error {
		v, _, _ := tx.Box([]byte("k"))
		v[0] = 'X'
		return nil
	}))
	require.NoError(t, st.View(ctx, func(tx Tx) error {
		v, _, _ := tx.Box([]byte("k"))
		assert.Equal(t, []byte("abc"), v)
		return nil
	}))
}
