package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"

	"github.com/treenewbee/activestorage-sftp/pkg/sharder"
	"github.com/treenewbee/activestorage-sftp/pkg/signer"
	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

// DiskService keeps blobs in a billy filesystem using the same
// {ab}/{cd}/{key} layout as the remote backend. It serves local development
// and tests.
type DiskService struct {
	fs   billy.Filesystem
	urls *signer.URLSigner
	log  logrus.FieldLogger
}

var _ Service = (*DiskService)(nil)

// OpenDiskService returns a DiskService rooted at root on the local disk.
func OpenDiskService(root string, urls *signer.URLSigner, log logrus.FieldLogger) (*DiskService, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "DiskService", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "DiskService.mkdir", root, err)
	}
	return NewDiskService(osfs.New(root), urls, log), nil
}

// NewDiskService wraps fsys. A nil urls issues no URLs; a nil log uses the
// standard logger.
func NewDiskService(fsys billy.Filesystem, urls *signer.URLSigner, log logrus.FieldLogger) *DiskService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DiskService{fs: fsys, urls: urls, log: log}
}

// Name identifies the backend.
func (d *DiskService) Name() string { return "disk" }

func (d *DiskService) Upload(ctx context.Context, key string, r io.Reader, opts UploadOptions) error {
	return d.instrument("upload", key, func() error {
		rel, err := sharder.RelativePath(key)
		if err != nil {
			return err
		}
		body := r
		if opts.Checksum != "" {
			verified, err := VerifyIntegrity(r, opts.Checksum)
			if err != nil {
				if xerrors.KindOf(err) == xerrors.KindIntegrity {
					_ = d.remove(rel)
				}
				return err
			}
			body = verified
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		folder := path.Dir(rel)
		if err := d.fs.MkdirAll(folder, 0o755); err != nil {
			return xerrors.Wrap(xerrors.KindOf(err), "DiskService.mkdir", folder, err)
		}
		tmp, err := d.fs.TempFile(folder, "upload-")
		if err != nil {
			return xerrors.Wrap(xerrors.KindInternal, "DiskService.create", folder, err)
		}
		tmpName := tmp.Name()
		if _, err := io.Copy(tmp, body); err != nil {
			tmp.Close()
			d.fs.Remove(tmpName)
			return xerrors.Wrap(xerrors.KindInternal, "DiskService.write", rel, err)
		}
		if err := tmp.Close(); err != nil {
			d.fs.Remove(tmpName)
			return xerrors.Wrap(xerrors.KindInternal, "DiskService.close", rel, err)
		}
		if err := d.fs.Rename(tmpName, rel); err != nil {
			d.fs.Remove(tmpName)
			return xerrors.Wrap(xerrors.KindInternal, "DiskService.rename", rel, err)
		}
		return nil
	})
}

func (d *DiskService) Download(ctx context.Context, key string, opts DownloadOptions) ([]byte, error) {
	chunkSize, err := opts.EffectiveChunkSize()
	if err != nil {
		return nil, err
	}
	var data []byte
	err = d.instrument("download", key, func() error {
		f, rel, err := d.open(key)
		if err != nil {
			return err
		}
		defer f.Close()
		if opts.OnChunk == nil {
			data, err = io.ReadAll(f)
			if err != nil {
				return xerrors.Wrap(xerrors.KindInternal, "DiskService.read", rel, err)
			}
			return nil
		}
		var buf bytes.Buffer
		chunk := make([]byte, chunkSize)
		var offset int64
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, rerr := f.ReadAt(chunk, offset)
			if n > 0 {
				part := append([]byte(nil), chunk[:n]...)
				buf.Write(part)
				offset += int64(n)
				if err := opts.OnChunk(part); err != nil {
					return err
				}
			}
			if rerr == io.EOF || (rerr == nil && n == 0) {
				data = buf.Bytes()
				return nil
			}
			if rerr != nil {
				return xerrors.Wrap(xerrors.KindInternal, "DiskService.read", rel, rerr)
			}
		}
	})
	return data, err
}

func (d *DiskService) DownloadChunk(ctx context.Context, key string, rng Range) ([]byte, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	var data []byte
	err := d.instrument("download_chunk", key, func() error {
		f, rel, err := d.open(key)
		if err != nil {
			return err
		}
		defer f.Close()
		buf := make([]byte, rng.Size)
		n, err := f.ReadAt(buf, rng.Begin)
		if err != nil && err != io.EOF {
			return xerrors.Wrap(xerrors.KindInternal, "DiskService.read", rel, err)
		}
		data = buf[:n]
		return nil
	})
	return data, err
}

func (d *DiskService) open(key string) (billy.File, string, error) {
	rel, err := sharder.RelativePath(key)
	if err != nil {
		return nil, "", err
	}
	f, err := d.fs.Open(rel)
	if err != nil {
		return nil, rel, xerrors.Wrap(xerrors.KindOf(err), "DiskService.open", rel, err)
	}
	return f, rel, nil
}

func (d *DiskService) Delete(ctx context.Context, key string) error {
	return d.instrument("delete", key, func() error {
		rel, err := sharder.RelativePath(key)
		if err != nil {
			return err
		}
		return d.remove(rel)
	})
}

func (d *DiskService) remove(rel string) error {
	if err := d.fs.Remove(rel); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.KindOf(err), "DiskService.remove", rel, err)
	}
	return nil
}

func (d *DiskService) DeletePrefixed(ctx context.Context, prefix string) error {
	if err := sharder.ValidatePrefix(prefix); err != nil {
		return err
	}
	return d.instrument("delete_prefixed", prefix, func() error {
		matches, err := util.Glob(d.fs, prefixPattern(prefix))
		if err != nil {
			return xerrors.Wrap(xerrors.KindInvalid, "DiskService.glob", prefix, err)
		}
		for _, match := range matches {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := d.fs.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			if err := d.remove(match); err != nil {
				return err
			}
		}
		return nil
	})
}

// prefixPattern builds "{p0}?/{p2}?/{prefix}*" style globs that only visit
// shard directories compatible with prefix.
func prefixPattern(prefix string) string {
	level := func(start int) string {
		var want string
		if start < len(prefix) {
			want = prefix[start:min(start+2, len(prefix))]
		}
		return globEscape(want) + strings.Repeat("?", 2-len(want))
	}
	return level(0) + "/" + level(2) + "/" + globEscape(prefix) + "*"
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DiskService) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := d.instrument("exist", key, func() error {
		rel, err := sharder.RelativePath(key)
		if err != nil {
			return err
		}
		_, err = d.fs.Stat(rel)
		switch {
		case err == nil:
			found = true
		case os.IsNotExist(err):
		default:
			return xerrors.Wrap(xerrors.KindOf(err), "DiskService.stat", rel, err)
		}
		return nil
	})
	return found, err
}

func (d *DiskService) URL(ctx context.Context, key string, opts URLOptions) (string, error) {
	if err := sharder.ValidateKey(key); err != nil {
		return "", err
	}
	if d.urls == nil {
		return "", xerrors.E(xerrors.KindNotConfigured, "DiskService.url", key)
	}
	return d.urls.BlobURL(ctx, key, opts.ExpiresIn, opts.Filename, string(opts.Disposition), opts.ContentType)
}

func (d *DiskService) URLForDirectUpload(ctx context.Context, key string, opts DirectUploadOptions) (string, error) {
	if err := sharder.ValidateKey(key); err != nil {
		return "", err
	}
	if d.urls == nil {
		return "", xerrors.E(xerrors.KindNotConfigured, "DiskService.upload_url", key)
	}
	return d.urls.DirectUploadURL(ctx, key, opts.ExpiresIn, opts.ContentType, opts.ContentLength, opts.Checksum)
}

func (d *DiskService) HeadersForDirectUpload(key string, contentType string) map[string]string {
	return Headers(contentType)
}

func (d *DiskService) instrument(op, key string, fn func() error) error {
	start := time.Now()
	err := fn()
	entry := d.log.WithFields(logrus.Fields{
		"service":  "disk",
		"op":       op,
		"key":      key,
		"duration": time.Since(start),
	})
	if err != nil && xerrors.KindOf(err) != xerrors.KindNotFound {
		entry.WithError(err).Warn("storage operation failed")
		return err
	}
	entry.Debug("storage operation")
	return err
}
