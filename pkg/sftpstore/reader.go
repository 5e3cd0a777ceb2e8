package sftpstore

import (
	"bytes"
	"context"

	"github.com/treenewbee/activestorage-sftp/pkg/blob"
	"github.com/treenewbee/activestorage-sftp/pkg/transport"
	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

func openRemote(sess transport.Session, remote string) (transport.File, error) {
	f, err := sess.Open(remote)
	if err != nil {
		if transport.IsNotFound(err) {
			return nil, xerrors.Wrap(xerrors.KindNotFound, "sftp.open", remote, err)
		}
		return nil, xerrors.Wrap(xerrors.KindOf(err), "sftp.open", remote, err)
	}
	return f, nil
}

func readError(remote string, err error) error {
	if transport.IsNotFound(err) {
		return xerrors.Wrap(xerrors.KindNotFound, "sftp.read", remote, err)
	}
	code, _ := transport.StatusCode(err)
	return xerrors.Status("sftp.read", remote, code, err)
}

// readWhole fetches the complete file in one transfer.
func readWhole(sess transport.Session, remote string) ([]byte, error) {
	f, err := openRemote(sess, remote)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, readError(remote, err)
	}
	return buf.Bytes(), nil
}

// readChunked reads remote with sequential positioned reads of chunkSize
// bytes. Every chunk is appended to the result and passed to consume before
// the next read is issued. A read reporting end of file stops the loop; any
// other failure aborts with a protocol error carrying the status code.
func readChunked(ctx context.Context, sess transport.Session, remote string, chunkSize int, consume blob.ChunkFunc) ([]byte, error) {
	f, err := openRemote(sess, remote)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		buf    bytes.Buffer
		offset int64
		chunk  = make([]byte, chunkSize)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := f.ReadAt(chunk, offset)
		if n > 0 {
			data := append([]byte(nil), chunk[:n]...)
			buf.Write(data)
			offset += int64(n)
			if consume != nil {
				if cerr := consume(data); cerr != nil {
					return nil, cerr
				}
			}
		}
		switch {
		case err == nil && n == 0:
			return buf.Bytes(), nil
		case err == nil:
			continue
		case transport.IsEOF(err):
			return buf.Bytes(), nil
		default:
			return nil, readError(remote, err)
		}
	}
}

// readRange issues a single positioned read for rng. A range extending past
// the end of the file yields the bytes that exist.
func readRange(sess transport.Session, remote string, rng blob.Range) ([]byte, error) {
	f, err := openRemote(sess, remote)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, rng.Size)
	n, err := f.ReadAt(buf, rng.Begin)
	if err != nil && !transport.IsEOF(err) {
		return nil, readError(remote, err)
	}
	return buf[:n], nil
}
