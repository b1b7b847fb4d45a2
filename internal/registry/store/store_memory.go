package store

import (
	"bytes"
	"context"
	"sync"
)

// InMemoryState is a State for tests and development. Updates are serialized.
type InMemoryState struct {
	mu      sync.RWMutex
	globals map[string][]byte
	boxes   map[string][]byte
}

func NewInMemoryState() *InMemoryState {
	return &InMemoryState{
		globals: make(map[string][]byte),
		boxes:   make(map[string][]byte),
	}
}

func (s *InMemoryState) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryTx{state: s, readOnly: true})
}

func (s *InMemoryState) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{
		state:   s,
		globals: make(map[string][]byte),
		boxes:   make(map[string][]byte),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.globals {
		s.globals[k] = v
	}
	for k, v := range tx.boxes {
		s.boxes[k] = v
	}
	return nil
}

// memoryTx buffers writes until the update commits.
type memoryTx struct {
	state    *InMemoryState
	readOnly bool
	globals  map[string][]byte
	boxes    map[string][]byte
}

func (t *memoryTx) Global(key string) ([]byte, bool, error) {
	if v, ok := t.globals[key]; ok {
		return bytes.Clone(v), true, nil
	}
	v, ok := t.state.globals[key]
	return bytes.Clone(v), ok, nil
}

func (t *memoryTx) SetGlobal(key string, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.globals[key] = bytes.Clone(value)
	return nil
}

func (t *memoryTx) Box(key []byte) ([]byte, bool, error) {
	if v, ok := t.boxes[string(key)]; ok {
		return bytes.Clone(v), true, nil
	}
	v, ok := t.state.boxes[string(key)]
	return bytes.Clone(v), ok, nil
}

func (t *memoryTx) SetBox(key, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.boxes[string(key)] = bytes.Clone(value)
	return nil
}
