package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/treenewbee/activestorage-sftp/pkg/blob"
	"github.com/treenewbee/activestorage-sftp/pkg/sftpstore"
	"github.com/treenewbee/activestorage-sftp/pkg/signer"
	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

func TestBuildServiceDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "blobs")
	svc, err := buildService("disk", serviceOptions{DiskRoot: root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := svc.(*blob.DiskService); !ok {
		t.Fatalf("expected disk service, got %T", svc)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("disk root not created: %v", err)
	}
}

func TestBuildServiceSFTPValidation(t *testing.T) {
	if _, err := buildService("sftp", serviceOptions{Host: "files.example.com"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := buildService("ftp", serviceOptions{}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestBuildServiceSFTP(t *testing.T) {
	v, err := signer.NewVerifier([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	svc, err := buildService("SFTP", serviceOptions{
		Host:       "files.example.com",
		User:       "deploy",
		PublicHost: "cdn.example.com",
		Verifier:   v,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := svc.(*sftpstore.Service); !ok {
		t.Fatalf("expected sftp service, got %T", svc)
	}
	u, err := svc.URL(context.Background(), "abcdef12", blob.URLOptions{ExpiresIn: time.Minute})
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if !strings.HasPrefix(u, "https://cdn.example.com"+signer.DefaultBlobsPath+"/") {
		t.Fatalf("unexpected url %s", u)
	}
}

func TestDoPutAndGetOverDisk(t *testing.T) {
	ctx := context.Background()
	svc, err := buildService("disk", serviceOptions{DiskRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	src := filepath.Join(t.TempDir(), "payload")
	payload := bytes.Repeat([]byte("sftpblob"), 20000)
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := doPut(ctx, svc, "abcdef12", src, true); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out bytes.Buffer
	if err := doGet(ctx, svc, "abcdef12", 4096, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("round trip mismatch: %d bytes", out.Len())
	}
	if err := doPut(ctx, svc, "abcdef12", "-", true); err == nil {
		t.Fatalf("expected checksum on stdin to be rejected")
	}
}

func TestParseRange(t *testing.T) {
	rng, err := parseRange("10", "20")
	if err != nil || rng.Begin != 10 || rng.Size != 20 {
		t.Fatalf("unexpected range %+v %v", rng, err)
	}
	if _, err := parseRange("x", "1"); err == nil {
		t.Fatalf("expected offset error")
	}
	if _, err := parseRange("0", "y"); err == nil {
		t.Fatalf("expected size error")
	}
}

func TestConfigureLogger(t *testing.T) {
	log := logrus.New()
	if err := configureLogger(log, "debug"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("unexpected level %v", log.GetLevel())
	}
	if err := configureLogger(log, "loud"); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestShortSigningSecretFailsSetup(t *testing.T) {
	viper.Set("storage_provider", "disk")
	viper.Set("disk_root", t.TempDir())
	viper.Set("signing_secret", "short")
	t.Cleanup(func() {
		viper.Set("storage_provider", "sftp")
		viper.Set("signing_secret", "")
	})

	if _, err := serviceOptionsFromConfig(); xerrors.KindOf(err) != xerrors.KindNotConfigured {
		t.Fatalf("expected not configured, got %v", err)
	}
	a := &app{}
	defer a.close()
	if err := a.ensureService(&cobra.Command{Use: "url"}); err == nil {
		t.Fatalf("expected setup to fail on a short secret")
	}
	if a.service != nil {
		t.Fatalf("service built despite invalid secret")
	}

	viper.Set("signing_secret", "0123456789abcdef0123456789abcdef")
	if err := a.ensureService(&cobra.Command{Use: "url"}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if a.verifier == nil {
		t.Fatalf("expected verifier")
	}
}
