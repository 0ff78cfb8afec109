package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig configures a FirestoreStore connection. It mirrors the
// Firebase app wiring used elsewhere in this codebase, including emulator
// support for local development and integration tests.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsPath string
	Database        string // Firestore database id, "(default)" if empty

	UseEmulator  bool
	EmulatorHost string // sets FIRESTORE_EMULATOR_HOST when UseEmulator
}

// FirestoreStore is a Store backed by Cloud Firestore. Counters live in a
// "<topic>__counters" collection; messages live in a collection named after
// the topic.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore initializes a Firebase app and returns a Store backed by
// its Firestore client.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	var opts []option.ClientOption

	if cfg.UseEmulator {
		if cfg.EmulatorHost != "" {
			if err := os.Setenv("FIRESTORE_EMULATOR_HOST", cfg.EmulatorHost); err != nil {
				return nil, fmt.Errorf("store: failed to set emulator host: %w", err)
			}
		}
	} else if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: initializing firebase app: %w", err)
	}

	var client *firestore.Client
	if cfg.Database != "" && cfg.Database != "(default)" {
		client, err = app.FirestoreWithDatabase(ctx, cfg.Database)
	} else {
		client, err = app.Firestore(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("store: initializing firestore: %w", err)
	}

	return &FirestoreStore{client: client}, nil
}

// Close releases the underlying Firestore client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) counterDoc(topic string) *firestore.DocumentRef {
	return s.client.Collection(topic + "__counters").Doc("sequence")
}

func (s *FirestoreStore) messages(topic string) *firestore.CollectionRef {
	return s.client.Collection(topic)
}

// AllocateNextID implements Store. It uses a Firestore transaction so
// concurrent callers across any process are linearized by Firestore itself.
func (s *FirestoreStore) AllocateNextID(ctx context.Context, topic string) (int64, error) {
	ref := s.counterDoc(topic)

	var next int64
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		current := int64(0)
		if err == nil {
			var doc struct {
				Value int64 `firestore:"value"`
			}
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			current = doc.Value
		}

		next = current + 1
		return tx.Set(ref, map[string]interface{}{"value": next})
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}
	return next, nil
}

// Insert implements Store.
func (s *FirestoreStore) Insert(ctx context.Context, topic string, rec Record) error {
	doc := s.messages(topic).Doc(fmt.Sprintf("%020d", rec.ID))
	_, err := doc.Create(ctx, map[string]interface{}{
		"id":           rec.ID,
		"createdAt":    rec.CreatedAt,
		"shardingKey":  rec.ShardingKey,
		"logCompactId": rec.LogCompactID,
		"payload":      rec.Payload,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsertNotAcknowledged, err)
	}
	return nil
}

// FetchAfter implements Store.
func (s *FirestoreStore) FetchAfter(ctx context.Context, topic string, afterID int64, limit int) ([]Record, error) {
	iter := s.messages(topic).
		Where("id", ">", afterID).
		OrderBy("id", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var out []Record
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}

		var doc struct {
			ID           int64     `firestore:"id"`
			CreatedAt    time.Time `firestore:"createdAt"`
			ShardingKey  string    `firestore:"shardingKey"`
			LogCompactID string    `firestore:"logCompactId"`
			Payload      []byte    `firestore:"payload"`
		}
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}

		out = append(out, Record{
			ID:           doc.ID,
			CreatedAt:    doc.CreatedAt,
			ShardingKey:  doc.ShardingKey,
			LogCompactID: doc.LogCompactID,
			Payload:      doc.Payload,
		})
	}
	return out, nil
}
