package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/feira-labs/feira-notify/internal/model"
	"github.com/feira-labs/feira-notify/internal/storage"
)

var _ storage.Store = (*Store)(nil)

var (
	bucketTokens        = []byte("push_tokens")
	bucketNotifications = []byte("notifications")
	errStop             = errors.New("stop iteration")
)

// keySep separates user id and token in the token bucket key.
const keySep = 0x00

// Store is a BoltDB-backed Store implementation.
type Store struct {
	db *bolt.DB
}

// New initialises the Bolt store.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTokens); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketNotifications)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes underlying Bolt DB.
func (s *Store) Close() error {
	return s.db.Close()
}

func tokenKey(userID, token string) []byte {
	key := make([]byte, 0, len(userID)+len(token)+1)
	key = append(key, userID...)
	key = append(key, keySep)
	return append(key, token...)
}

func userPrefix(userID string) []byte {
	return append([]byte(userID), keySep)
}

// UpsertToken stores or refreshes a (user, token) pair.
func (s *Store) UpsertToken(ctx context.Context, token *model.PushToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	key := tokenKey(token.UserID, token.Token)
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketTokens)
		if existing := bkt.Get(key); existing != nil {
			var prev model.PushToken
			if err := json.Unmarshal(existing, &prev); err == nil {
				token.CreatedAt = prev.CreatedAt
			}
		}
		if token.CreatedAt.IsZero() {
			token.CreatedAt = now
		}
		token.UpdatedAt = now
		payload, err := json.Marshal(token)
		if err != nil {
			return err
		}
		return bkt.Put(key, payload)
	})
}

// ListTokens returns every stored token.
func (s *Store) ListTokens(ctx context.Context) ([]*model.PushToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tokens []*model.PushToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(_, v []byte) error {
			var token model.PushToken
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			tokens = append(tokens, &token)
			return nil
		})
	})
	return tokens, err
}

// ListTokensByUsers returns the tokens of the given users, grouped in the
// order the users were passed.
func (s *Store) ListTokensByUsers(ctx context.Context, userIDs []string) ([]*model.PushToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tokens []*model.PushToken
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketTokens).Cursor()
		for _, userID := range userIDs {
			prefix := userPrefix(userID)
			for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
				var token model.PushToken
				if err := json.Unmarshal(v, &token); err != nil {
					return err
				}
				tokens = append(tokens, &token)
			}
		}
		return nil
	})
	return tokens, err
}

// DeleteToken removes a single (user, token) pair.
func (s *Store) DeleteToken(ctx context.Context, userID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := tokenKey(userID, token)
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketTokens)
		if bkt.Get(key) == nil {
			return storage.ErrNotFound
		}
		return bkt.Delete(key)
	})
}

// DeleteUserTokens removes every token owned by userID.
func (s *Store) DeleteUserTokens(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketTokens)
		prefix := userPrefix(userID)
		var keys [][]byte
		cur := bkt.Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// DeleteAllTokens clears the token bucket.
func (s *Store) DeleteAllTokens(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		removed = tx.Bucket(bucketTokens).Stats().KeyN
		if err := tx.DeleteBucket(bucketTokens); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketTokens)
		return err
	})
	return removed, err
}

// InsertNotifications stores all records in one transaction.
func (s *Store) InsertNotifications(ctx context.Context, records []*model.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketNotifications)
		for _, record := range records {
			if record.ID == "" {
				record.ID = uuid.NewString()
			}
			if record.CreatedAt.IsZero() {
				record.CreatedAt = now
			}
			seq, err := bkt.NextSequence()
			if err != nil {
				return err
			}
			payload, err := json.Marshal(record)
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := bkt.Put(key, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListNotifications returns matching records, newest first.
func (s *Store) ListNotifications(ctx context.Context, filter model.NotificationFilter) ([]*model.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []*model.Notification
	err := s.db.View(func(tx *bolt.Tx) error {
		// newest sequence first, so records sharing a timestamp stay in
		// reverse insertion order after the stable sort
		cur := tx.Bucket(bucketNotifications).Cursor()
		for k, v := cur.Last(); k != nil; k, v = cur.Prev() {
			var record model.Notification
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if filter.Match(&record) {
				records = append(records, &record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// MarkRead flags one record of userID as read.
func (s *Store) MarkRead(ctx context.Context, userID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketNotifications)
		var (
			key    []byte
			record model.Notification
		)
		err := bkt.ForEach(func(k, v []byte) error {
			var candidate model.Notification
			if err := json.Unmarshal(v, &candidate); err != nil {
				return err
			}
			if candidate.ID != id || candidate.UserID != userID {
				return nil
			}
			key = append([]byte(nil), k...)
			record = candidate
			return errStop
		})
		if err != nil && !errors.Is(err, errStop) {
			return err
		}
		if key == nil {
			return storage.ErrNotFound
		}
		if record.Read {
			return nil
		}
		record.Read = true
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		return bkt.Put(key, payload)
	})
}

// MarkAllRead flags every unread record of userID as read.
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	updated := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketNotifications)
		pending := make(map[string][]byte)
		if err := bkt.ForEach(func(k, v []byte) error {
			var record model.Notification
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.UserID != userID || record.Read {
				return nil
			}
			record.Read = true
			payload, err := json.Marshal(&record)
			if err != nil {
				return err
			}
			pending[string(k)] = payload
			return nil
		}); err != nil {
			return err
		}
		for k, payload := range pending {
			if err := bkt.Put([]byte(k), payload); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	return updated, err
}
