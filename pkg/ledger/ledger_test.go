package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(Config{Path: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestClaimIsSingleUse(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	expires := time.Now().Add(time.Minute)

	if err := l.Claim(ctx, "token-a", "abcdef12", expires); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err := l.Claim(ctx, "token-a", "abcdef12", expires)
	if xerrors.KindOf(err) != xerrors.KindAlreadyExists {
		t.Fatalf("expected already exists, got %v", err)
	}
	if err := l.Claim(ctx, "token-b", "abcdef12", expires); err != nil {
		t.Fatalf("claim other token: %v", err)
	}

	entry, ok, err := l.Lookup(ctx, "token-a")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if entry.Key != "abcdef12" || entry.ExpiresAt != expires.UnixMilli() {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	expires := time.Now().Add(time.Minute)
	if err := l.Claim(ctx, "token-a", "abcdef12", expires); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := l.Release(ctx, "token-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := l.Lookup(ctx, "token-a"); ok {
		t.Fatalf("claim survived release")
	}
	if err := l.Claim(ctx, "token-a", "abcdef12", expires); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
}

func TestListExpiredAndForget(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	now := time.Now()
	if err := l.Claim(ctx, "old", "abcdef12", now.Add(-time.Minute)); err != nil {
		t.Fatalf("claim old: %v", err)
	}
	if err := l.Claim(ctx, "fresh", "abcdef13", now.Add(time.Hour)); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	ids, err := l.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 expired claim, got %v", ids)
	}
	if err := l.Forget(ctx, ids); err != nil {
		t.Fatalf("forget: %v", err)
	}
	n, err := l.Len()
	if err != nil || n != 1 {
		t.Fatalf("expected 1 remaining claim, got %d (%v)", n, err)
	}
	if _, ok, _ := l.Lookup(ctx, "fresh"); !ok {
		t.Fatalf("fresh claim was removed")
	}
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.Claim(ctx, "token-a", "abcdef12", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	l.Close()

	l, err = Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	if err := l.Claim(ctx, "token-a", "abcdef12", time.Now().Add(time.Minute)); xerrors.KindOf(err) != xerrors.KindAlreadyExists {
		t.Fatalf("claim should persist, got %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); xerrors.KindOf(err) != xerrors.KindNotConfigured {
		t.Fatalf("expected not configured, got %v", err)
	}
}
