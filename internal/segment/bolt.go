package segment

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lexiqai/soundmem/internal/errorsx"
)

var (
	segmentsBucket = []byte("segments") // nested bucket per session, keyed by big-endian id
	sessionsBucket = []byte("sessions") // session id -> SessionRecord
)

// scanBatch bounds how many segments one read transaction decodes, so a
// slow consumer never pins a transaction for long.
const scanBatch = 256

// BoltStore is a durable Store backed by a single bbolt file. Every
// append is one atomic update transaction.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the store at path
func OpenBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("create store directory: %w", err), errorsx.KindStorage)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("open store %s: %w", path, err), errorsx.KindStorage)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{segmentsBucket, sessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errorsx.Wrap(fmt.Errorf("initialize store: %w", err), errorsx.KindStorage)
	}

	return &BoltStore{db: db}, nil
}

func idKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func (b *BoltStore) Append(ctx context.Context, s Segment) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode segment %d: %w", s.ID, err)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(segmentsBucket).CreateBucketIfNotExists([]byte(s.SessionID))
		if err != nil {
			return errorsx.Wrap(err, errorsx.KindStorage)
		}

		key := idKey(s.ID)
		if bucket.Get(key) != nil {
			return fmt.Errorf("segment %d: %w", s.ID, ErrDuplicate)
		}
		if lastKey, _ := bucket.Cursor().Last(); lastKey != nil {
			if last := binary.BigEndian.Uint64(lastKey); s.ID <= last {
				return fmt.Errorf("segment %d after %d: %w", s.ID, last, ErrOutOfOrder)
			}
		}

		return errorsx.Wrap(bucket.Put(key, value), errorsx.KindStorage)
	})
	if err != nil {
		return fmt.Errorf("append segment: %w", err)
	}
	return nil
}

func (b *BoltStore) Get(ctx context.Context, sessionID string, id uint64) (Segment, error) {
	var seg Segment
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(segmentsBucket).Bucket([]byte(sessionID))
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get(idKey(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &seg)
	})
	if err != nil {
		return Segment{}, fmt.Errorf("segment %s/%d: %w", sessionID, id, err)
	}
	return seg, nil
}

func (b *BoltStore) List(sessionID string, r *TimeRange) Sequence {
	return Sequence{each: func(ctx context.Context, fn func(Segment) bool) error {
		_, err := b.scanSession(ctx, sessionID, r, fn)
		return err
	}}
}

// scanSession walks one session bucket in batches. It returns false if fn stopped early.
func (b *BoltStore) scanSession(ctx context.Context, sessionID string, r *TimeRange, fn func(Segment) bool) (bool, error) {
	var after []byte
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		batch := make([]Segment, 0, scanBatch)
		err := b.db.View(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(segmentsBucket).Bucket([]byte(sessionID))
			if bucket == nil {
				return nil
			}
			c := bucket.Cursor()
			var k, v []byte
			if after == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(after)
				if k != nil && string(k) == string(after) {
					k, v = c.Next()
				}
			}
			for ; k != nil && len(batch) < scanBatch; k, v = c.Next() {
				var seg Segment
				if err := json.Unmarshal(v, &seg); err != nil {
					return fmt.Errorf("decode segment %x: %w", k, err)
				}
				batch = append(batch, seg)
			}
			return nil
		})
		if err != nil {
			return false, errorsx.Wrap(err, errorsx.KindStorage)
		}

		for _, seg := range batch {
			if r.Contains(seg) && !fn(seg) {
				return false, nil
			}
		}
		if len(batch) < scanBatch {
			return true, nil
		}
		after = idKey(batch[len(batch)-1].ID)
	}
}

func (b *BoltStore) All() Sequence {
	return Sequence{each: func(ctx context.Context, fn func(Segment) bool) error {
		var sessions []string
		err := b.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(segmentsBucket).ForEach(func(k, v []byte) error {
				if v == nil {
					sessions = append(sessions, string(k))
				}
				return nil
			})
		})
		if err != nil {
			return errorsx.Wrap(err, errorsx.KindStorage)
		}

		for _, id := range sessions {
			cont, err := b.scanSession(ctx, id, nil, fn)
			if err != nil || !cont {
				return err
			}
		}
		return nil
	}}
}

func (b *BoltStore) LastID(ctx context.Context) (uint64, error) {
	var last uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(segmentsBucket)
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			if lastKey, _ := root.Bucket(k).Cursor().Last(); lastKey != nil {
				if id := binary.BigEndian.Uint64(lastKey); id > last {
					last = id
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, errorsx.Wrap(err, errorsx.KindStorage)
	}
	return last, nil
}

func (b *BoltStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("session id is required")
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(rec.ID), value)
	})
	return errorsx.Wrap(err, errorsx.KindStorage)
}

func (b *BoltStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, err)
	}
	return rec, nil
}

func (b *BoltStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var out []SessionRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode session %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.KindStorage)
	}
	sortSessions(out)
	return out, nil
}

func (b *BoltStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := b.db.View(func(tx *bolt.Tx) error {
		st.Sessions = tx.Bucket(sessionsBucket).Stats().KeyN
		root := tx.Bucket(segmentsBucket)
		return root.ForEach(func(k, v []byte) error {
			if v == nil {
				st.Segments += root.Bucket(k).Stats().KeyN
			}
			return nil
		})
	})
	if err != nil {
		return Stats{}, errorsx.Wrap(err, errorsx.KindStorage)
	}
	return st, nil
}

// Ping verifies the database file is readable
func (b *BoltStore) Ping(ctx context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(segmentsBucket) == nil {
			return fmt.Errorf("segments bucket missing")
		}
		return nil
	})
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
