package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc runs inside a transaction. Repository calls made with ctx join tx.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

type txKey struct{}

func ContextWithTx(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func TxFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, _ := ctx.Value(txKey{}).(*firestore.Transaction)
	return tx, tx != nil
}

type txConfig struct {
	attempts int
	timeout  time.Duration
}

type TxOption func(*txConfig)

// WithTxAttempts bounds the SDK's retries on contention. Each retry reruns fn from the start.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout caps the whole transaction, retries included. A shorter deadline on ctx wins.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

var errNilTxFunc = errors.New("firestore: transaction function is nil")

// RunTransaction runs fn in a Firestore transaction. When ctx already carries one, fn joins it
// instead of nesting, so a service can wrap several repository calls in one unit of work.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	if fn == nil {
		return WrapError("transaction", errNilTxFunc)
	}
	if tx, ok := TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}

	cfg := txConfig{attempts: 5, timeout: 15 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	err = client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ContextWithTx(ctx, tx), tx)
	}, firestore.MaxAttempts(cfg.attempts))
	return WrapError("transaction", err)
}

// RunInTx satisfies repositories.UnitOfWork.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}
