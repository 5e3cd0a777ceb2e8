package signer

import (
	"context"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/treenewbee/activestorage-sftp/pkg/sharder"
	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

const (
	DefaultBlobsPath   = "/storage/blobs"
	DefaultUploadsPath = "/storage/uploads"
)

// URLConfig controls how URLs are rendered.
type URLConfig struct {
	// PublicHost is "host[:port]" or a full "scheme://host[:port]" base.
	PublicHost string
	PublicRoot string
	// Scheme is used when PublicHost carries none. Defaults to https.
	Scheme string
	// SimplePublicURLs renders unsigned direct links into the public mirror.
	SimplePublicURLs bool
	BlobsPath        string
	UploadsPath      string
}

// URLSigner renders retrieval and direct upload URLs.
type URLSigner struct {
	cfg      URLConfig
	verifier *Verifier
}

// NewURLSigner returns a URLSigner. verifier may be nil when only simple
// public URLs are issued.
func NewURLSigner(cfg URLConfig, verifier *Verifier) *URLSigner {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.PublicRoot == "" {
		cfg.PublicRoot = "."
	}
	if cfg.BlobsPath == "" {
		cfg.BlobsPath = DefaultBlobsPath
	}
	if cfg.UploadsPath == "" {
		cfg.UploadsPath = DefaultUploadsPath
	}
	return &URLSigner{cfg: cfg, verifier: verifier}
}

// Verifier returns the token verifier backing s, possibly nil.
func (s *URLSigner) Verifier() *Verifier { return s.verifier }

// BlobURL returns a URL from which key can be retrieved. Signed URLs are
// always rendered against PublicHost; a request-scoped host is ignored.
func (s *URLSigner) BlobURL(ctx context.Context, key string, expiresIn time.Duration, filename, disposition, contentType string) (string, error) {
	if s.cfg.SimplePublicURLs {
		return s.PublicURL(key)
	}
	if s.verifier == nil {
		return "", xerrors.E(xerrors.KindNotConfigured, "signer.url", "signing_secret")
	}
	scheme, host, err := s.splitHost(s.cfg.PublicHost)
	if err != nil {
		return "", err
	}
	cd := ContentDisposition(disposition, filename)
	token, err := s.verifier.Generate(Claims{
		Key:         key,
		Disposition: cd,
		ContentType: contentType,
	}, expiresIn, PurposeBlobKey)
	if err != nil {
		return "", err
	}
	query := url.Values{}
	query.Set("disposition", cd)
	query.Set("content_type", contentType)
	query.Set("filename", filename)
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     path.Join(s.cfg.BlobsPath, token),
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}

// DirectUploadURL returns a URL a client may PUT key's content to.
func (s *URLSigner) DirectUploadURL(ctx context.Context, key string, expiresIn time.Duration, contentType string, contentLength int64, checksum string) (string, error) {
	if s.verifier == nil {
		return "", xerrors.E(xerrors.KindNotConfigured, "signer.upload_url", "signing_secret")
	}
	scheme, host, err := s.host(ctx)
	if err != nil {
		return "", err
	}
	token, err := s.verifier.Generate(Claims{
		Key:           key,
		ContentType:   contentType,
		ContentLength: contentLength,
		Checksum:      checksum,
	}, expiresIn, PurposeBlobToken)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: scheme, Host: host, Path: path.Join(s.cfg.UploadsPath, token)}
	return u.String(), nil
}

// PublicURL returns {public_host}/{public_root}/{shard1}/{shard2}/{key}.
func (s *URLSigner) PublicURL(key string) (string, error) {
	rel, err := sharder.RelativePath(key)
	if err != nil {
		return "", err
	}
	if s.cfg.PublicHost == "" {
		return "", xerrors.E(xerrors.KindNotConfigured, "signer.public_url", "public_host")
	}
	return joinHost(s.cfg.PublicHost, path.Join(s.cfg.PublicRoot, rel)), nil
}

// MirrorURL returns {public_host}/{shard1}/{shard2}/{key}, the address the
// HTTP existence check probes.
func (s *URLSigner) MirrorURL(key string) (string, error) {
	rel, err := sharder.RelativePath(key)
	if err != nil {
		return "", err
	}
	if s.cfg.PublicHost == "" {
		return "", xerrors.E(xerrors.KindNotConfigured, "signer.mirror_url", "public_host")
	}
	base := s.cfg.PublicHost
	if !strings.Contains(base, "://") {
		base = s.cfg.Scheme + "://" + base
	}
	return joinHost(base, rel), nil
}

// host resolves the request-scoped host, falling back to PublicHost.
func (s *URLSigner) host(ctx context.Context) (string, string, error) {
	host, ok := HostFromContext(ctx)
	if !ok {
		host = s.cfg.PublicHost
	}
	return s.splitHost(host)
}

func (s *URLSigner) splitHost(host string) (string, string, error) {
	if host == "" {
		return "", "", xerrors.E(xerrors.KindNotConfigured, "signer.url", "public_host")
	}
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil || u.Host == "" {
			return "", "", xerrors.Wrap(xerrors.KindNotConfigured, "signer.url", host, err)
		}
		return u.Scheme, u.Host, nil
	}
	return s.cfg.Scheme, strings.TrimSuffix(host, "/"), nil
}

func joinHost(host, p string) string {
	return strings.TrimSuffix(host, "/") + "/" + strings.TrimPrefix(p, "/")
}

// ContentDisposition renders a Content-Disposition value such as
// `attachment; filename="report.pdf"`. Non-ASCII names use the RFC 2231
// extended form.
func ContentDisposition(disposition, filename string) string {
	if disposition == "" {
		disposition = "inline"
	}
	if filename == "" {
		return disposition
	}
	if v := mime.FormatMediaType(disposition, map[string]string{"filename": filename}); v != "" {
		return v
	}
	return disposition
}
