package documents

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const DefaultCollection = "documents"

// FirestoreStore keeps documents in a Firestore collection keyed by
// document id.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreClient opens a Firestore client for the project.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return client, nil
}

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) Save(ctx context.Context, d *Document) error {
	if _, err := s.client.Collection(s.collection).Doc(d.ID).Create(ctx, d); err != nil {
		return fmt.Errorf("firestore create %s: %w", d.ID, err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*Document, error) {
	snap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("firestore get %s: %w", id, err)
	}

	var d Document
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return &d, nil
}

func (s *FirestoreStore) List(ctx context.Context, limit int) ([]*Document, error) {
	iter := s.client.Collection(s.collection).
		OrderBy("createdAt", firestore.Desc).
		Limit(clampLimit(limit)).
		Documents(ctx)
	defer iter.Stop()

	var docs []*Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list: %w", err)
		}
		var d Document
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", snap.Ref.ID, err)
		}
		docs = append(docs, &d)
	}
	return docs, nil
}
