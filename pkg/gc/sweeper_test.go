package gc

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/treenewbee/activestorage-sftp/pkg/ledger"
)

func TestSweeperPrunesExpiredClaims(t *testing.T) {
	ctx := context.Background()
	l, err := ledger.Open(ledger.Config{Path: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer l.Close()

	now := time.Now()
	for i, token := range []string{"t1", "t2", "t3"} {
		if err := l.Claim(ctx, token, "abcdef12", now.Add(-time.Duration(i+1)*time.Minute)); err != nil {
			t.Fatalf("claim %s: %v", token, err)
		}
	}
	if err := l.Claim(ctx, "live", "abcdef12", now.Add(time.Hour)); err != nil {
		t.Fatalf("claim live: %v", err)
	}

	logger, _ := logtest.NewNullLogger()
	sweeper := NewSweeper(Options{
		Claims:    l,
		BatchSize: 2,
		Logger:    logger,
		Now:       func() time.Time { return now },
	})
	count, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 pruned claims, got %d", count)
	}
	if n, _ := l.Len(); n != 1 {
		t.Fatalf("expected 1 remaining claim, got %d", n)
	}
	if _, ok, _ := l.Lookup(ctx, "live"); !ok {
		t.Fatalf("live claim pruned")
	}
}

type stubClaims struct {
	mu        sync.Mutex
	listErr   error
	forgotten []string
	pending   []string
}

func (s *stubClaims) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	if len(s.pending) > limit {
		return append([]string(nil), s.pending[:limit]...), nil
	}
	return append([]string(nil), s.pending...), nil
}

func (s *stubClaims) Forget(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgotten = append(s.forgotten, ids...)
	s.pending = s.pending[len(ids):]
	return nil
}

func TestSweeperPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	sweeper := NewSweeper(Options{Claims: &stubClaims{listErr: boom}})
	if _, err := sweeper.Sweep(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := NewSweeper(Options{}).Sweep(context.Background()); err == nil {
		t.Fatalf("expected error without claims")
	}
}

func TestSweeperStartLogsFailures(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	sweeper := NewSweeper(Options{Claims: &stubClaims{listErr: errors.New("disk full")}, Logger: logger})
	cancel := sweeper.Start(context.Background(), time.Hour)
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entry := hook.LastEntry(); entry != nil {
			if entry.Level != logrus.WarnLevel {
				t.Fatalf("unexpected level %v", entry.Level)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sweep failure was not logged")
}
