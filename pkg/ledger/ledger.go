// Package ledger records which direct-upload tokens have been spent so a
// signed upload URL can be used once.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

var bucketClaims = []byte("claims")

// Config configures the Bolt-backed ledger.
type Config struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// Entry describes a claimed token.
type Entry struct {
	Key       string `cbor:"1,keyasint"`
	ClaimedAt int64  `cbor:"2,keyasint"`
	ExpiresAt int64  `cbor:"3,keyasint"`
}

// Expired reports whether the token behind e stopped being valid before t.
func (e Entry) Expired(t time.Time) bool {
	return !t.Before(time.UnixMilli(e.ExpiresAt))
}

// Ledger persists claims in BoltDB, keyed by a digest of the token.
type Ledger struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the ledger file.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, xerrors.E(xerrors.KindNotConfigured, "ledger", "path")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClaims)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create bucket: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (l *Ledger) Close() error { return l.db.Close() }

// Claim marks token as spent for key. A token can be claimed once; later
// attempts fail with KindAlreadyExists.
func (l *Ledger) Claim(ctx context.Context, token, key string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := digest(token)
	data, err := cbor.Marshal(Entry{
		Key:       key,
		ClaimedAt: l.now().UnixMilli(),
		ExpiresAt: expiresAt.UnixMilli(),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "ledger.claim", key, err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		if b.Get(id) != nil {
			return xerrors.E(xerrors.KindAlreadyExists, "ledger.claim", key)
		}
		return b.Put(id, data)
	})
}

// Release forgets a claim so the token may be used again.
func (l *Ledger) Release(ctx context.Context, token string) error {
	return l.Forget(ctx, []string{hex.EncodeToString(digest(token))})
}

// Lookup returns the claim recorded for token.
func (l *Ledger) Lookup(ctx context.Context, token string) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClaims).Get(digest(token))
		if data == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(data, &entry)
	})
	return entry, found, err
}

// ListExpired returns up to limit claim IDs whose tokens expired before t.
func (l *Ledger) ListExpired(ctx context.Context, t time.Time, limit int) ([]string, error) {
	var ids []string
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketClaims).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(ids) >= limit {
				return nil
			}
			var entry Entry
			if err := cbor.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("ledger: decode %x: %w", k, err)
			}
			if entry.Expired(t) {
				ids = append(ids, hex.EncodeToString(k))
			}
		}
		return nil
	})
	return ids, err
}

// Forget removes the claims with the given IDs.
func (l *Ledger) Forget(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		for _, id := range ids {
			raw, err := hex.DecodeString(id)
			if err != nil {
				return xerrors.Wrap(xerrors.KindInvalid, "ledger.forget", id, err)
			}
			if err := b.Delete(raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len reports how many claims are recorded.
func (l *Ledger) Len() (int, error) {
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketClaims).Stats().KeyN
		return nil
	})
	return n, err
}

func digest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
