// Package sftpstore implements blob.Service on top of a remote host reached
// over SFTP.
//
// Blobs live at {root}/{key[0:2]}/{key[2:4]}/{key}. Each call dials its own
// session and closes it before returning; the service keeps no state between
// calls besides its configuration.
package sftpstore

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/treenewbee/activestorage-sftp/pkg/blob"
	"github.com/treenewbee/activestorage-sftp/pkg/sharder"
	"github.com/treenewbee/activestorage-sftp/pkg/signer"
	"github.com/treenewbee/activestorage-sftp/pkg/transport"
	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

// Service stores blobs on a remote SFTP host.
type Service struct {
	cfg      Config
	root     string
	dialer   transport.Dialer
	http     *http.Client
	log      logrus.FieldLogger
	verifier *signer.Verifier
	urls     *signer.URLSigner
}

var _ blob.Service = (*Service)(nil)

// New builds a Service from cfg.
func New(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, root: cfg.Root}
	if s.root == "" {
		s.root = "."
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		d, err := transport.NewSSHDialer(cfg.sshConfig())
		if err != nil {
			return nil, err
		}
		s.dialer = d
	}
	if s.verifier == nil && cfg.SigningSecret != "" {
		v, err := signer.NewVerifier([]byte(cfg.SigningSecret))
		if err != nil {
			return nil, err
		}
		s.verifier = v
	}
	if s.http == nil {
		s.http = http.DefaultClient
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.urls = signer.NewURLSigner(cfg.urlConfig(), s.verifier)
	return s, nil
}

// Name identifies the backend.
func (s *Service) Name() string { return "sftp" }

// Upload stores the content of r under key. When opts.Checksum is set the
// content is verified first; on mismatch the key is deleted and an
// integrity error returned.
func (s *Service) Upload(ctx context.Context, key string, r io.Reader, opts blob.UploadOptions) error {
	return s.instrument("upload", key, func() error {
		remote, err := sharder.PathFor(s.root, key)
		if err != nil {
			return err
		}
		body := r
		if opts.Checksum != "" {
			verified, err := blob.VerifyIntegrity(r, opts.Checksum)
			if err != nil {
				if xerrors.KindOf(err) == xerrors.KindIntegrity {
					if derr := s.remove(ctx, remote); derr != nil {
						s.log.WithError(derr).WithField("key", key).Warn("sftp: cleanup after integrity failure")
					}
				}
				return err
			}
			body = verified
		}
		return transport.WithSession(ctx, s.dialer, func(sess transport.Session) error {
			if err := transport.EnsureDir(sess, path.Dir(remote)); err != nil {
				return err
			}
			return writeFile(sess, remote, body)
		})
	})
}

func writeFile(sess transport.Session, remote string, body io.Reader) error {
	f, err := sess.Create(remote)
	if err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), "sftp.create", remote, err)
	}
	if _, err := f.ReadFrom(body); err != nil {
		f.Close()
		_ = sess.Remove(remote)
		return xerrors.Wrap(xerrors.KindInternal, "sftp.write", remote, err)
	}
	if err := f.Close(); err != nil {
		_ = sess.Remove(remote)
		return xerrors.Wrap(xerrors.KindInternal, "sftp.close", remote, err)
	}
	return nil
}

// Download returns the whole blob. With opts.OnChunk set the blob is read in
// chunks of at most opts.ChunkSize bytes, each handed to OnChunk in offset
// order before the next is requested.
func (s *Service) Download(ctx context.Context, key string, opts blob.DownloadOptions) ([]byte, error) {
	chunkSize, err := opts.EffectiveChunkSize()
	if err != nil {
		return nil, err
	}
	op := "download"
	if opts.OnChunk != nil {
		op = "streaming_download"
	}
	var data []byte
	err = s.instrument(op, key, func() error {
		remote, err := sharder.PathFor(s.root, key)
		if err != nil {
			return err
		}
		return transport.WithSession(ctx, s.dialer, func(sess transport.Session) error {
			var err error
			if opts.OnChunk != nil {
				data, err = readChunked(ctx, sess, remote, chunkSize, opts.OnChunk)
			} else {
				data, err = readWhole(sess, remote)
			}
			return err
		})
	})
	return data, err
}

// DownloadChunk returns the bytes of key within rng.
func (s *Service) DownloadChunk(ctx context.Context, key string, rng blob.Range) ([]byte, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.instrument("download_chunk", key, func() error {
		remote, err := sharder.PathFor(s.root, key)
		if err != nil {
			return err
		}
		return transport.WithSession(ctx, s.dialer, func(sess transport.Session) error {
			var err error
			data, err = readRange(sess, remote, rng)
			return err
		})
	})
	return data, err
}

// Delete removes key. Deleting an absent key succeeds.
func (s *Service) Delete(ctx context.Context, key string) error {
	return s.instrument("delete", key, func() error {
		remote, err := sharder.PathFor(s.root, key)
		if err != nil {
			return err
		}
		return s.remove(ctx, remote)
	})
}

func (s *Service) remove(ctx context.Context, remote string) error {
	return transport.WithSession(ctx, s.dialer, func(sess transport.Session) error {
		return removeIfPresent(sess, remote)
	})
}

func removeIfPresent(sess transport.Session, remote string) error {
	if err := sess.Remove(remote); err != nil && !transport.IsNotFound(err) {
		return xerrors.Wrap(xerrors.KindOf(err), "sftp.remove", remote, err)
	}
	return nil
}

// DeletePrefixed removes every blob whose key starts with prefix.
func (s *Service) DeletePrefixed(ctx context.Context, prefix string) error {
	if err := sharder.ValidatePrefix(prefix); err != nil {
		return err
	}
	return s.instrument("delete_prefixed", prefix, func() error {
		return transport.WithSession(ctx, s.dialer, func(sess transport.Session) error {
			return s.deletePrefixed(ctx, sess, prefix)
		})
	})
}

func (s *Service) deletePrefixed(ctx context.Context, sess transport.Session, prefix string) error {
	level1, err := shardDirs(sess, s.root, prefixPart(prefix, 0))
	if err != nil {
		return err
	}
	for _, d1 := range level1 {
		dir1 := path.Join(s.root, d1)
		level2, err := shardDirs(sess, dir1, prefixPart(prefix, 2))
		if err != nil {
			return err
		}
		for _, d2 := range level2 {
			if err := ctx.Err(); err != nil {
				return err
			}
			dir2 := path.Join(dir1, d2)
			entries, err := sess.ReadDir(dir2)
			if err != nil {
				if transport.IsNotFound(err) {
					continue
				}
				return xerrors.Wrap(xerrors.KindOf(err), "sftp.readdir", dir2, err)
			}
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
					continue
				}
				if err := removeIfPresent(sess, path.Join(dir2, entry.Name())); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// shardDirs lists the two-character directories under dir starting with
// want. A complete two-character want is checked with a single stat.
func shardDirs(sess transport.Session, dir, want string) ([]string, error) {
	if len(want) == 2 {
		info, err := sess.Stat(path.Join(dir, want))
		if err != nil {
			if transport.IsNotFound(err) {
				return nil, nil
			}
			return nil, xerrors.Wrap(xerrors.KindOf(err), "sftp.stat", path.Join(dir, want), err)
		}
		if !info.IsDir() {
			return nil, nil
		}
		return []string{want}, nil
	}
	entries, err := sess.ReadDir(dir)
	if err != nil {
		if transport.IsNotFound(err) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.KindOf(err), "sftp.readdir", dir, err)
	}
	var dirs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() && len(name) == 2 && name != ".." && strings.HasPrefix(name, want) {
			dirs = append(dirs, name)
		}
	}
	return dirs, nil
}

func prefixPart(prefix string, start int) string {
	if start >= len(prefix) {
		return ""
	}
	end := start + 2
	if end > len(prefix) {
		end = len(prefix)
	}
	return prefix[start:end]
}

// Exists reports whether key is stored.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.instrument("exist", key, func() error {
		var err error
		if s.cfg.VerifyViaHTTPGet {
			found, err = s.probeHTTP(ctx, key)
		} else {
			found, err = s.probeStat(ctx, key)
		}
		return err
	})
	return found, err
}

// URL returns a URL the blob can be fetched from.
func (s *Service) URL(ctx context.Context, key string, opts blob.URLOptions) (string, error) {
	var out string
	err := s.instrument("url", key, func() error {
		if err := sharder.ValidateKey(key); err != nil {
			return err
		}
		var err error
		out, err = s.urls.BlobURL(ctx, key, opts.ExpiresIn, opts.Filename, string(opts.Disposition), opts.ContentType)
		return err
	})
	return out, err
}

// URLForDirectUpload returns a URL a client can upload key's content to.
func (s *Service) URLForDirectUpload(ctx context.Context, key string, opts blob.DirectUploadOptions) (string, error) {
	var out string
	err := s.instrument("url_for_direct_upload", key, func() error {
		if err := sharder.ValidateKey(key); err != nil {
			return err
		}
		var err error
		out, err = s.urls.DirectUploadURL(ctx, key, opts.ExpiresIn, opts.ContentType, opts.ContentLength, opts.Checksum)
		return err
	})
	return out, err
}

// HeadersForDirectUpload returns the headers a direct upload must carry.
func (s *Service) HeadersForDirectUpload(key string, contentType string) map[string]string {
	return blob.Headers(contentType)
}

func (s *Service) instrument(op, key string, fn func() error) error {
	start := time.Now()
	err := fn()
	entry := s.log.WithFields(logrus.Fields{
		"service":  "sftp",
		"op":       op,
		"key":      key,
		"duration": time.Since(start),
	})
	switch {
	case err == nil:
		entry.Debug("storage operation")
	case xerrors.KindOf(err) == xerrors.KindNotFound:
		entry.WithError(err).Debug("storage operation")
	default:
		entry.WithError(err).Warn("storage operation failed")
	}
	return err
}
