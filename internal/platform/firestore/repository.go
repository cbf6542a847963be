package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot plus its server timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

type QueryBuilder func(query firestore.Query) firestore.Query

// BaseRepository is the typed access layer every collection repository is built on. T must be
// a struct with firestore tags. All methods join the transaction on ctx when there is one.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
}

func NewBaseRepository[T any](provider *Provider, collection string) *BaseRepository[T] {
	return &BaseRepository[T]{provider: provider, collection: strings.TrimSpace(collection)}
}

func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	var snap *firestore.DocumentSnapshot
	if tx, ok := TxFromContext(ctx); ok {
		snap, err = tx.Get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		return Document[T]{}, r.wrap("get", err)
	}
	return decode[T](snap)
}

// Create fails with a conflict error when id already exists.
func (r *BaseRepository[T]) Create(ctx context.Context, id string, value T) error {
	return r.write(ctx, "create", id,
		func(tx *firestore.Transaction, ref *firestore.DocumentRef) error { return tx.Create(ref, value) },
		func(ref *firestore.DocumentRef) error {
			_, err := ref.Create(ctx, value)
			return err
		})
}

func (r *BaseRepository[T]) Set(ctx context.Context, id string, value T) error {
	return r.write(ctx, "set", id,
		func(tx *firestore.Transaction, ref *firestore.DocumentRef) error { return tx.Set(ref, value) },
		func(ref *firestore.DocumentRef) error {
			_, err := ref.Set(ctx, value)
			return err
		})
}

// Update fails with a not-found error when id does not exist.
func (r *BaseRepository[T]) Update(ctx context.Context, id string, updates []firestore.Update) error {
	return r.write(ctx, "update", id,
		func(tx *firestore.Transaction, ref *firestore.DocumentRef) error { return tx.Update(ref, updates) },
		func(ref *firestore.DocumentRef) error {
			_, err := ref.Update(ctx, updates)
			return err
		})
}

// write runs inTx when ctx carries a transaction and direct otherwise. Transactional writes are
// only buffered here; their errors surface when the transaction commits.
func (r *BaseRepository[T]) write(
	ctx context.Context,
	op, id string,
	inTx func(*firestore.Transaction, *firestore.DocumentRef) error,
	direct func(*firestore.DocumentRef) error,
) error {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TxFromContext(ctx); ok {
		return r.wrap(op, inTx(tx, ref))
	}
	return r.wrap(op, direct(ref))
}

// Query decodes every document build selects. Callers bound the result with Limit.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := r.CollectionRef(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	var iter *firestore.DocumentIterator
	if tx, ok := TxFromContext(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, r.wrap("query", err)
		}
		doc, err := decode[T](snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

// CollectionRef is for queries the typed helpers do not cover, such as aggregations.
func (r *BaseRepository[T]) CollectionRef(ctx context.Context) (*firestore.CollectionRef, error) {
	switch {
	case r == nil || r.provider == nil:
		return nil, r.wrap("collection", errors.New("firestore: provider is nil"))
	case r.collection == "":
		return nil, r.wrap("collection", errors.New("firestore: collection name is required"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection), nil
}

func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, r.wrap("document", errors.New("firestore: document id is required"))
	}
	coll, err := r.CollectionRef(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// wrap names the operation "<collection>.<op>".
func (r *BaseRepository[T]) wrap(op string, err error) error {
	name := "firestore"
	if r != nil && r.collection != "" {
		name = r.collection
	}
	return WrapError(name+"."+op, err)
}

func decode[T any](snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode document %s: %w", snap.Ref.ID, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data, CreateTime: snap.CreateTime, UpdateTime: snap.UpdateTime}, nil
}
