package blob

import (
	"context"
	"io"
	"time"

	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

// MaxChunkSize is the largest read a single chunk or range may request.
const MaxChunkSize = 64 << 10

// Service is the storage contract every backend implements.
type Service interface {
	Upload(ctx context.Context, key string, r io.Reader, opts UploadOptions) error
	Download(ctx context.Context, key string, opts DownloadOptions) ([]byte, error)
	DownloadChunk(ctx context.Context, key string, rng Range) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeletePrefixed(ctx context.Context, prefix string) error
	Exists(ctx context.Context, key string) (bool, error)
	URL(ctx context.Context, key string, opts URLOptions) (string, error)
	URLForDirectUpload(ctx context.Context, key string, opts DirectUploadOptions) (string, error)
	HeadersForDirectUpload(key string, contentType string) map[string]string
}

// UploadOptions controls blob persistence.
type UploadOptions struct {
	// Checksum is the expected base64 MD5 of the content. Empty skips
	// verification.
	Checksum string
}

// ChunkFunc receives each chunk of a streaming download in offset order.
// The slice is owned by the callee. Returning an error aborts the download.
type ChunkFunc func(chunk []byte) error

// DownloadOptions controls reads.
type DownloadOptions struct {
	// ChunkSize bounds each read when OnChunk is set. Zero means MaxChunkSize.
	ChunkSize int
	OnChunk   ChunkFunc
}

// Range is a sub-region of a blob.
type Range struct {
	Begin int64
	Size  int64
}

// Disposition selects how a browser should present a served blob.
type Disposition string

const (
	DispositionInline     Disposition = "inline"
	DispositionAttachment Disposition = "attachment"
)

// URLOptions describes a retrieval URL.
type URLOptions struct {
	ExpiresIn   time.Duration
	Filename    string
	Disposition Disposition
	ContentType string
}

// DirectUploadOptions describes a direct upload URL.
type DirectUploadOptions struct {
	ExpiresIn     time.Duration
	ContentType   string
	ContentLength int64
	Checksum      string
}

// EffectiveChunkSize resolves the streaming chunk size for opts.
func (o DownloadOptions) EffectiveChunkSize() (int, error) {
	size := o.ChunkSize
	if size == 0 {
		size = MaxChunkSize
	}
	if size < 0 {
		return 0, xerrors.E(xerrors.KindInvalid, "blob.chunk_size", "")
	}
	if size > MaxChunkSize {
		return 0, xerrors.E(xerrors.KindChunkSize, "blob.chunk_size", "")
	}
	return size, nil
}

// Validate checks rng against the chunk ceiling.
func (r Range) Validate() error {
	if r.Size > MaxChunkSize {
		return xerrors.E(xerrors.KindChunkSize, "blob.range", "")
	}
	if r.Begin < 0 || r.Size <= 0 {
		return xerrors.E(xerrors.KindRange, "blob.range", "")
	}
	return nil
}

// Headers returns the header set a client must send with a direct upload.
func Headers(contentType string) map[string]string {
	return map[string]string{"Content-Type": contentType}
}
