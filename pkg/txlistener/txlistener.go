// Package txlistener polls a chain for a transaction's receipt, the way
// the teacher's cmd/main.go wires one listener per ethclient.Client rather
// than blocking on bind.WaitMined.
package txlistener

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrTimeout is returned when a transaction is not mined within the
// configured timeout.
var ErrTimeout = errors.New("txlistener: timed out waiting for receipt")

const (
	defaultPollInterval = 3 * time.Second
	defaultTimeout      = 5 * time.Minute
)

// Option configures a TxListener.
type Option func(*TxListener)

// WithPollInterval overrides the default receipt-polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(l *TxListener) { l.pollInterval = d }
}

// WithTimeout overrides the default wait budget per transaction.
func WithTimeout(d time.Duration) Option {
	return func(l *TxListener) { l.timeout = d }
}

// TxListener polls client for a transaction's receipt at a fixed interval
// until it is mined or the timeout elapses.
type TxListener struct {
	client       *ethclient.Client
	pollInterval time.Duration
	timeout      time.Duration
}

// NewTxListener builds a listener against client, applying any Options.
func NewTxListener(client *ethclient.Client, opts ...Option) *TxListener {
	l := &TxListener{
		client:       client,
		pollInterval: defaultPollInterval,
		timeout:      defaultTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WaitForTransaction blocks until hash's receipt is available, the
// listener's timeout elapses, or ctx is cancelled.
func (l *TxListener) WaitForTransaction(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-ticker.C:
		}
	}
}
