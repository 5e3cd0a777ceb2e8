package xerrors

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindPermission, "op", "", errors.New("boom"))

	testcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindInvalid},
		{name: "wrapped error", err: wrapped, kind: KindPermission},
		{name: "double wrapped", err: fmt.Errorf("outer: %w", E(KindChunkSize, "download", "abcd")), kind: KindChunkSize},
		{name: "protocol status", err: Status("read", "/a", 4, nil), kind: KindProtocol},
		{name: "iofs permission", err: iofs.ErrPermission, kind: KindPermission},
		{name: "iofs exist", err: iofs.ErrExist, kind: KindAlreadyExists},
		{name: "iofs invalid", err: iofs.ErrInvalid, kind: KindInvalid},
		{name: "os not exist", err: os.ErrNotExist, kind: KindNotFound},
		{name: "path error not exist", err: &os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, kind: KindNotFound},
		{name: "unknown error defaults internal", err: errors.New("other"), kind: KindInternal},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("KindOf() = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	err := fmt.Errorf("download: %w", Status("sftp.read", "/store/ab/cd/abcd", 4, errors.New("failure")))
	code, ok := StatusOf(err)
	if !ok || code != 4 {
		t.Fatalf("StatusOf() = %d, %v; want 4, true", code, ok)
	}
	if !strings.Contains(err.Error(), "status 4") {
		t.Fatalf("expected status in message, got %q", err.Error())
	}
	if _, ok := StatusOf(E(KindNotFound, "open", "x")); ok {
		t.Fatalf("expected no status for not found error")
	}
}

func TestIsNilSafe(t *testing.T) {
	if Is(nil, KindInvalid) {
		t.Fatalf("nil error must not match any kind")
	}
	if !Is(os.ErrNotExist, KindNotFound) {
		t.Fatalf("os.ErrNotExist should classify as not found")
	}
}
