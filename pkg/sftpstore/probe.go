package sftpstore

import (
	"context"
	"net/http"

	"github.com/treenewbee/activestorage-sftp/pkg/sharder"
	"github.com/treenewbee/activestorage-sftp/pkg/transport"
	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

// probeStat stats the blob's remote path. Any error answered by the remote
// end counts as absent; only dial failures propagate.
func (s *Service) probeStat(ctx context.Context, key string) (bool, error) {
	remote, err := sharder.PathFor(s.root, key)
	if err != nil {
		return false, err
	}
	var found bool
	err = transport.WithSession(ctx, s.dialer, func(sess transport.Session) error {
		_, statErr := sess.Stat(remote)
		found = statErr == nil
		return nil
	})
	return found, err
}

// probeHTTP asks the public mirror for the blob with a HEAD request. Only a
// 200 response counts as present.
func (s *Service) probeHTTP(ctx context.Context, key string) (bool, error) {
	target, err := s.urls.MirrorURL(key)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false, xerrors.Wrap(xerrors.KindInvalid, "sftpstore.exist", target, err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false, xerrors.Wrap(xerrors.KindConnection, "sftpstore.exist", target, err)
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
