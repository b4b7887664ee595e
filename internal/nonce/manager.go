// Package nonce provides a per-chain cached nonce counter so concurrent
// transaction submissions never race for the same on-chain nonce.
package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ChainReader is the subset of the chain gateway the manager needs to seed
// and validate its cache against on-chain state.
type ChainReader interface {
	NonceAt(ctx context.Context, account common.Address, chainID uint64) (uint64, error)
}

type chainState struct {
	mu     sync.Mutex
	cached uint64
	seeded bool
}

// Manager hands out contiguous, strictly increasing nonces per chain.
type Manager struct {
	reader ChainReader
	owner  common.Address

	statesMu sync.Mutex
	states   map[uint64]*chainState
}

// New builds a Manager that fetches on-chain nonces for owner via reader.
func New(reader ChainReader, owner common.Address) *Manager {
	return &Manager{reader: reader, owner: owner, states: make(map[uint64]*chainState)}
}

func (m *Manager) stateFor(chainID uint64) *chainState {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	st, ok := m.states[chainID]
	if !ok {
		st = &chainState{}
		m.states[chainID] = st
	}
	return st
}

// NextNonce returns max(cached, onChain) for chainID and advances the cache
// by one, serialized per chain so two concurrent callers never receive the
// same value.
func (m *Manager) NextNonce(ctx context.Context, chainID uint64) (uint64, error) {
	st := m.stateFor(chainID)
	st.mu.Lock()
	defer st.mu.Unlock()

	onChain, err := m.reader.NonceAt(ctx, m.owner, chainID)
	if err != nil {
		return 0, fmt.Errorf("fetch on-chain nonce for chain %d: %w", chainID, err)
	}

	next := onChain
	if st.seeded && st.cached > next {
		next = st.cached
	}

	st.cached = next + 1
	st.seeded = true
	return next, nil
}

// Reset drops the cached nonce for chainID so the next call re-seeds purely
// from on-chain state.
func (m *Manager) Reset(chainID uint64) {
	st := m.stateFor(chainID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cached = 0
	st.seeded = false
}
