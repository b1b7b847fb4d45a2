package store

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
)

const tealTypeUint = 2

// OnchainState reads the registry application's global state and boxes.
// Writes happen through application calls signed by the admin wallet, never here.
type OnchainState struct {
	client *algod.Client
	appID  uint64
}

func NewOnchainState(client *algod.Client, appID uint64) *OnchainState {
	return &OnchainState{client: client, appID: appID}
}

func (s *OnchainState) View(ctx context.Context, fn func(Tx) error) error {
	return fn(&onchainTx{ctx: ctx, state: s})
}

func (s *OnchainState) Update(context.Context, func(Tx) error) error {
	return ErrReadOnly
}

type onchainTx struct {
	ctx     context.Context
	state   *OnchainState
	once    sync.Once
	globals map[string][]byte
	err     error
}

func (t *onchainTx) Global(key string) ([]byte, bool, error) {
	t.once.Do(t.loadGlobals)
	if t.err != nil {
		return nil, false, t.err
	}
	v, ok := t.globals[key]
	return v, ok, nil
}

// loadGlobals decodes TEAL key/values. Integers are widened to 8-byte
// big-endian so they decode like the other backends.
func (t *onchainTx) loadGlobals() {
	app, err := t.state.client.GetApplicationByID(t.state.appID).Do(t.ctx)
	if err != nil {
		t.err = fmt.Errorf("read registry application %d: %w", t.state.appID, err)
		return
	}
	t.globals = make(map[string][]byte, len(app.Params.GlobalState))
	for _, kv := range app.Params.GlobalState {
		key, err := base64.StdEncoding.DecodeString(kv.Key)
		if err != nil {
			t.err = fmt.Errorf("decode global key: %w", err)
			return
		}
		if kv.Value.Type == tealTypeUint {
			t.globals[string(key)] = binary.BigEndian.AppendUint64(nil, kv.Value.Uint)
			continue
		}
		value, err := base64.StdEncoding.DecodeString(kv.Value.Bytes)
		if err != nil {
			t.err = fmt.Errorf("decode global %q: %w", key, err)
			return
		}
		t.globals[string(key)] = value
	}
}

func (t *onchainTx) SetGlobal(string, []byte) error { return ErrReadOnly }

func (t *onchainTx) Box(key []byte) ([]byte, bool, error) {
	box, err := t.state.client.GetApplicationBoxByName(t.state.appID, key).Do(t.ctx)
	if err != nil {
		if strings.Contains(err.Error(), "404") || strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read registry box: %w", err)
	}
	return box.Value, true, nil
}

func (t *onchainTx) SetBox([]byte, []byte) error { return ErrReadOnly }
