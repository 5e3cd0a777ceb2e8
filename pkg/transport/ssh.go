package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

// SSHConfig describes how to reach and authenticate against the remote host.
type SSHConfig struct {
	Host string
	Port int
	User string
	// Password enables password authentication. When empty the dialer relies
	// on ssh-agent and private key files.
	Password       string
	PrivateKeyPath string
	KnownHostsPath string
	// InsecureIgnoreHostKey skips host key verification.
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
}

// SSHDialer dials SFTP sessions over SSH.
type SSHDialer struct {
	cfg  SSHConfig
	addr string
}

var defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// NewSSHDialer validates cfg and returns a dialer.
func NewSSHDialer(cfg SSHConfig) (*SSHDialer, error) {
	if cfg.Host == "" {
		return nil, xerrors.E(xerrors.KindNotConfigured, "transport.ssh", "host")
	}
	if cfg.User == "" {
		return nil, xerrors.E(xerrors.KindNotConfigured, "transport.ssh", "user")
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	addr := cfg.Host
	if _, _, err := net.SplitHostPort(cfg.Host); err != nil {
		addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	return &SSHDialer{cfg: cfg, addr: addr}, nil
}

// Addr returns the host:port the dialer connects to.
func (d *SSHDialer) Addr() string { return d.addr }

// Dial opens a new authenticated SFTP session.
func (d *SSHDialer) Dial(ctx context.Context) (Session, error) {
	auth, cleanup, err := d.authMethods()
	if err != nil {
		return nil, err
	}
	defer cleanup()
	hostKey, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	clientCfg := &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         d.cfg.Timeout,
	}
	nd := net.Dialer{Timeout: d.cfg.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindConnection, "transport.dial", d.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, d.addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.KindConnection, "transport.handshake", d.addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.KindConnection, "transport.sftp", d.addr, err)
	}
	return NewSession(sc, client), nil
}

func (d *SSHDialer) authMethods() ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	if d.cfg.Password != "" {
		password := d.cfg.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, noop, nil
	}

	var (
		methods []ssh.AuthMethod
		cleanup = noop
	)
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			cleanup = func() { conn.Close() }
		}
	}
	signers, err := d.keySigners()
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if len(methods) == 0 {
		cleanup()
		return nil, noop, xerrors.E(xerrors.KindNotConfigured, "transport.auth", "no password, agent or private key")
	}
	return methods, cleanup, nil
}

func (d *SSHDialer) keySigners() ([]ssh.Signer, error) {
	if d.cfg.PrivateKeyPath != "" {
		signer, err := loadSigner(d.cfg.PrivateKeyPath)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindNotConfigured, "transport.private_key", d.cfg.PrivateKeyPath, err)
		}
		return []ssh.Signer{signer}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil
	}
	var signers []ssh.Signer
	for _, name := range defaultKeyFiles {
		signer, err := loadSigner(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, errors.New("encrypted private keys must be loaded through ssh-agent")
		}
		return nil, err
	}
	return signer, nil
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := d.cfg.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindNotConfigured, "transport.known_hosts", "", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindNotConfigured, "transport.known_hosts", path, err)
	}
	return cb, nil
}

type sftpSession struct {
	client *sftp.Client
	conn   io.Closer
}

// NewSession wraps an SFTP client as a Session. conn, if non-nil, is closed
// after the client.
func NewSession(client *sftp.Client, conn io.Closer) Session {
	return &sftpSession{client: client, conn: conn}
}

func (s *sftpSession) Open(p string) (File, error) {
	f, err := s.client.Open(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *sftpSession) Create(p string) (File, error) {
	f, err := s.client.Create(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *sftpSession) Stat(p string) (os.FileInfo, error) { return s.client.Stat(p) }

func (s *sftpSession) Mkdir(p string) error { return s.client.Mkdir(p) }

func (s *sftpSession) Remove(p string) error { return s.client.Remove(p) }

func (s *sftpSession) ReadDir(p string) ([]os.FileInfo, error) { return s.client.ReadDir(p) }

func (s *sftpSession) Close() error {
	err := s.client.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
