package blob

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"io"

	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

// Checksum returns the base64-encoded MD5 digest of r's content.
func Checksum(r io.Reader) (string, error) {
	hasher := md5.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyIntegrity hashes the whole of r and compares it with expected. It
// returns a reader positioned at the start of the same content: seekable
// sources are rewound, anything else is buffered in memory.
func VerifyIntegrity(r io.Reader, expected string) (io.Reader, error) {
	var (
		sum  string
		err  error
		body io.Reader
	)
	if seeker, ok := r.(io.ReadSeeker); ok {
		start, serr := seeker.Seek(0, io.SeekCurrent)
		if serr != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, "blob.integrity", "", serr)
		}
		if sum, err = Checksum(seeker); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, "blob.integrity", "", err)
		}
		if _, serr := seeker.Seek(start, io.SeekStart); serr != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, "blob.integrity", "", serr)
		}
		body = seeker
	} else {
		var buf bytes.Buffer
		hasher := md5.New()
		if _, err := io.Copy(io.MultiWriter(&buf, hasher), r); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, "blob.integrity", "", err)
		}
		sum = base64.StdEncoding.EncodeToString(hasher.Sum(nil))
		body = &buf
	}
	if sum != expected {
		return nil, xerrors.E(xerrors.KindIntegrity, "blob.integrity", "")
	}
	return body, nil
}
