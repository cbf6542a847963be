package firestore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/returns/internal/platform/config"
)

const (
	dialTimeout    = 10 * time.Second
	pingCollection = "_health"
)

var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider owns the process-wide Firestore client. The client is dialled on first use; a failed
// dial is retried by the next caller.
type Provider struct {
	projectID string
	emulator  string
	opts      []option.ClientOption

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// NewProvider resolves the project and emulator from cfg, falling back to GOOGLE_CLOUD_PROJECT and
// FIRESTORE_EMULATOR_HOST.
func NewProvider(cfg config.FirestoreConfig, opts ...option.ClientOption) *Provider {
	return &Provider{
		projectID: cmp.Or(strings.TrimSpace(cfg.ProjectID), strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_PROJECT"))),
		emulator:  cmp.Or(strings.TrimSpace(cfg.EmulatorHost), strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST"))),
		opts:      opts,
	}
}

func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if ctx == nil {
		return nil, errors.New("firestore: context is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	case p.projectID == "":
		return nil, errors.New("firestore: project id is required")
	}

	opts := append([]option.ClientOption(nil), p.opts...)
	if p.emulator != "" {
		opts = append(opts,
			option.WithEndpoint(p.emulator),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := firestore.NewClient(dialCtx, p.projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	p.client = client
	return client, nil
}

// Close is idempotent. It gives up waiting once ctx is done; the client still closes in the
// background.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client := p.client
	p.client, p.closed = nil, true
	p.mu.Unlock()
	if client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping reads at most one document, which is enough to prove credentials and connectivity.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	iter := client.Collection(pingCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return WrapError("ping", err)
	}
	return nil
}
