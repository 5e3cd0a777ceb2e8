package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/treenewbee/activestorage-sftp/pkg/blob"
	"github.com/treenewbee/activestorage-sftp/pkg/server/middleware"
	"github.com/treenewbee/activestorage-sftp/pkg/signer"
	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

// Claims records spent direct-upload tokens.
type Claims interface {
	Claim(ctx context.Context, token, key string, expiresAt time.Time) error
	Release(ctx context.Context, token string) error
}

// Server serves the URLs a blob.Service issues and, when an API key is set,
// a small admin API for issuing them.
type Server struct {
	Service  blob.Service
	Verifier *signer.Verifier
	// Claims makes upload URLs single-use. Optional.
	Claims Claims
	Log    logrus.FieldLogger
	Opts   Options
}

// Options configure auth, rate limiting and URL issuance.
type Options struct {
	// APIKey enables the /admin routes.
	APIKey    string
	RateLimit middleware.RateLimitOptions
	// UseRequestHost issues admin direct upload URLs against the host the
	// request came in on. Retrieval URLs always use the public host.
	UseRequestHost bool
	DefaultExpiry  time.Duration
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET "+signer.DefaultBlobsPath+"/{token}", s.serveBlob)
	mux.HandleFunc("HEAD "+signer.DefaultBlobsPath+"/{token}", s.headBlob)
	mux.HandleFunc("PUT "+signer.DefaultUploadsPath+"/{token}", s.putUpload)
	if auth := middleware.APIKeyAuth(s.Opts.APIKey); auth != nil {
		admin := http.NewServeMux()
		admin.HandleFunc("POST /admin/urls", s.issueURL)
		admin.HandleFunc("POST /admin/direct-uploads", s.issueDirectUpload)
		admin.HandleFunc("DELETE /admin/blobs/{key}", s.deleteBlob)
		admin.HandleFunc("DELETE /admin/blobs", s.deletePrefixed)
		mux.Handle("/admin/", auth(admin))
	}
	return s.applyMiddleware(mux)
}

func (s *Server) log() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *Server) verify(token string, purpose signer.Purpose) (signer.Claims, error) {
	if s.Verifier == nil {
		return signer.Claims{}, xerrors.E(xerrors.KindNotConfigured, "httpapi.verify", "signing_secret")
	}
	return s.Verifier.Verify(token, purpose)
}

func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verify(r.PathValue("token"), signer.PurposeBlobKey)
	if err != nil {
		httpError(w, err)
		return
	}
	ctx := r.Context()
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, size, err := parseRangeHeader(rangeHeader)
		if err != nil {
			httpError(w, err)
			return
		}
		data, err := s.Service.DownloadChunk(ctx, claims.Key, blob.Range{Begin: start, Size: size})
		if err != nil {
			httpError(w, err)
			return
		}
		if len(data) == 0 {
			w.Header().Set("Content-Range", "bytes */*")
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		blobHeaders(w, claims)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", start, start+int64(len(data))-1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data)
		return
	}

	var started bool
	_, err = s.Service.Download(ctx, claims.Key, blob.DownloadOptions{OnChunk: func(chunk []byte) error {
		if !started {
			blobHeaders(w, claims)
			w.WriteHeader(http.StatusOK)
			started = true
		}
		_, err := w.Write(chunk)
		return err
	}})
	switch {
	case err != nil && !started:
		httpError(w, err)
	case err != nil:
		s.log().WithError(err).WithField("key", claims.Key).Warn("blob stream aborted")
	case !started:
		blobHeaders(w, claims)
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) headBlob(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verify(r.PathValue("token"), signer.PurposeBlobKey)
	if err != nil {
		httpError(w, err)
		return
	}
	ok, err := s.Service.Exists(r.Context(), claims.Key)
	if err != nil {
		httpError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	blobHeaders(w, claims)
	w.WriteHeader(http.StatusOK)
}

func blobHeaders(w http.ResponseWriter, claims signer.Claims) {
	h := w.Header()
	contentType := claims.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	if claims.Disposition != "" {
		h.Set("Content-Disposition", claims.Disposition)
	}
	h.Set("Accept-Ranges", "bytes")
	h.Set("X-Content-Type-Options", "nosniff")
}

func (s *Server) putUpload(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	claims, err := s.verify(token, signer.PurposeBlobToken)
	if err != nil {
		httpError(w, err)
		return
	}
	if claims.ContentType != "" && r.Header.Get("Content-Type") != claims.ContentType {
		http.Error(w, "content type mismatch", http.StatusUnprocessableEntity)
		return
	}
	if r.ContentLength != claims.ContentLength {
		http.Error(w, "content length mismatch", http.StatusUnprocessableEntity)
		return
	}
	ctx := r.Context()
	if s.Claims != nil {
		expiresAt, err := s.Verifier.ExpiresAt(token)
		if err != nil {
			httpError(w, err)
			return
		}
		if err := s.Claims.Claim(ctx, token, claims.Key, expiresAt); err != nil {
			httpError(w, err)
			return
		}
	}
	body := http.MaxBytesReader(w, r.Body, claims.ContentLength)
	if err := s.Service.Upload(ctx, claims.Key, body, blob.UploadOptions{Checksum: claims.Checksum}); err != nil {
		if s.Claims != nil {
			if rerr := s.Claims.Release(context.WithoutCancel(ctx), token); rerr != nil {
				s.log().WithError(rerr).Warn("release upload claim")
			}
		}
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type urlRequest struct {
	Key         string `json:"key"`
	ExpiresIn   int64  `json:"expires_in"`
	Filename    string `json:"filename"`
	Disposition string `json:"disposition"`
	ContentType string `json:"content_type"`
}

type directUploadRequest struct {
	Key           string `json:"key"`
	ExpiresIn     int64  `json:"expires_in"`
	ContentType   string `json:"content_type"`
	ContentLength int64  `json:"content_length"`
	Checksum      string `json:"checksum"`
}

type directUploadResponse struct {
	Key     string            `json:"key"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

func (s *Server) issueURL(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	disposition := blob.Disposition(strings.ToLower(req.Disposition))
	if disposition == "" {
		disposition = blob.DispositionInline
	}
	if disposition != blob.DispositionInline && disposition != blob.DispositionAttachment {
		http.Error(w, "invalid disposition", http.StatusBadRequest)
		return
	}
	u, err := s.Service.URL(s.urlContext(r), req.Key, blob.URLOptions{
		ExpiresIn:   s.expiry(req.ExpiresIn),
		Filename:    req.Filename,
		Disposition: disposition,
		ContentType: req.ContentType,
	})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (s *Server) issueDirectUpload(w http.ResponseWriter, r *http.Request) {
	var req directUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ContentLength < 0 {
		http.Error(w, "invalid content length", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		req.Key = blob.NewKey()
	}
	u, err := s.Service.URLForDirectUpload(s.urlContext(r), req.Key, blob.DirectUploadOptions{
		ExpiresIn:     s.expiry(req.ExpiresIn),
		ContentType:   req.ContentType,
		ContentLength: req.ContentLength,
		Checksum:      req.Checksum,
	})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, directUploadResponse{
		Key:     req.Key,
		URL:     u,
		Headers: s.Service.HeadersForDirectUpload(req.Key, req.ContentType),
	})
}

func (s *Server) deleteBlob(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.Delete(r.Context(), r.PathValue("key")); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deletePrefixed(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		http.Error(w, "prefix is required", http.StatusBadRequest)
		return
	}
	if err := s.Service.DeletePrefixed(r.Context(), prefix); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) urlContext(r *http.Request) context.Context {
	if s.Opts.UseRequestHost && r.Host != "" {
		return signer.WithHost(r.Context(), r.Host)
	}
	return r.Context()
}

func (s *Server) expiry(seconds int64) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if s.Opts.DefaultExpiry > 0 {
		return s.Opts.DefaultExpiry
	}
	return 5 * time.Minute
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		status = http.StatusRequestEntityTooLarge
	default:
		switch xerrors.KindOf(err) {
		case xerrors.KindNotFound:
			status = http.StatusNotFound
		case xerrors.KindAlreadyExists:
			status = http.StatusConflict
		case xerrors.KindPermission:
			status = http.StatusForbidden
		case xerrors.KindRange, xerrors.KindChunkSize:
			status = http.StatusRequestedRangeNotSatisfiable
		case xerrors.KindInvalid:
			status = http.StatusBadRequest
		case xerrors.KindIntegrity:
			status = http.StatusUnprocessableEntity
		case xerrors.KindNotSupported, xerrors.KindNotConfigured:
			status = http.StatusNotImplemented
		case xerrors.KindConnection, xerrors.KindProtocol:
			status = http.StatusBadGateway
		}
	}
	http.Error(w, err.Error(), status)
}

// parseRangeHeader accepts a single "bytes=a-b" or "bytes=a-" range. Open
// ranges read up to blob.MaxChunkSize bytes; suffix ranges are not
// supported because the blob size is not known up front.
func parseRangeHeader(header string) (int64, int64, error) {
	const op = "httpapi.range"
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, xerrors.E(xerrors.KindRange, op, "unsupported range unit")
	}
	rangeSpec := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if rangeSpec == "" || strings.Contains(rangeSpec, ",") {
		return 0, 0, xerrors.E(xerrors.KindRange, op, "invalid range")
	}
	if strings.HasPrefix(rangeSpec, "-") {
		return 0, 0, xerrors.E(xerrors.KindRange, op, "suffix ranges not supported")
	}
	parts := strings.SplitN(rangeSpec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, xerrors.E(xerrors.KindRange, op, "invalid range spec")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, xerrors.E(xerrors.KindRange, op, "invalid range start")
	}
	if strings.TrimSpace(parts[1]) == "" {
		return start, blob.MaxChunkSize, nil
	}
	end, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || end < start {
		return 0, 0, xerrors.E(xerrors.KindRange, op, "invalid range end")
	}
	size := end - start + 1
	if size > blob.MaxChunkSize {
		return 0, 0, xerrors.E(xerrors.KindChunkSize, op, "range too large")
	}
	return start, size, nil
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	var chain []middleware.HTTPMiddleware
	if logger := middleware.RequestLogger(s.Log); logger != nil {
		chain = append(chain, logger)
	}
	if limit := middleware.RateLimit(s.Opts.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	if len(chain) == 0 {
		return handler
	}
	return middleware.Wrap(handler, chain...)
}
