package sftpstore

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/treenewbee/activestorage-sftp/pkg/signer"
	"github.com/treenewbee/activestorage-sftp/pkg/transport"
	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

// Config describes the remote host and how URLs are issued. It is copied
// into the Service and never changes afterwards.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	// Root is the remote directory blobs are stored under. Defaults to ".".
	Root string

	PublicHost   string
	PublicRoot   string
	PublicScheme string
	// SimplePublicURLs issues unsigned links into the public mirror.
	SimplePublicURLs bool
	// VerifyViaHTTPGet answers Exists with a HEAD request to the public
	// mirror instead of a remote stat.
	VerifyViaHTTPGet bool

	PrivateKeyPath        string
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	DialTimeout           time.Duration

	// SigningSecret keys the tokens embedded in issued URLs.
	SigningSecret string
}

// Validate reports missing required settings.
func (c Config) Validate() error {
	if c.Host == "" {
		return xerrors.E(xerrors.KindNotConfigured, "sftpstore", "host")
	}
	if c.User == "" {
		return xerrors.E(xerrors.KindNotConfigured, "sftpstore", "user")
	}
	return nil
}

func (c Config) sshConfig() transport.SSHConfig {
	return transport.SSHConfig{
		Host:                  c.Host,
		Port:                  c.Port,
		User:                  c.User,
		Password:              c.Password,
		PrivateKeyPath:        c.PrivateKeyPath,
		KnownHostsPath:        c.KnownHostsPath,
		InsecureIgnoreHostKey: c.InsecureIgnoreHostKey,
		Timeout:               c.DialTimeout,
	}
}

func (c Config) urlConfig() signer.URLConfig {
	return signer.URLConfig{
		PublicHost:       c.PublicHost,
		PublicRoot:       c.PublicRoot,
		Scheme:           c.PublicScheme,
		SimplePublicURLs: c.SimplePublicURLs,
	}
}

// Option customises a Service.
type Option func(*Service)

// WithDialer replaces the SSH dialer, typically with an in-memory one.
func WithDialer(d transport.Dialer) Option {
	return func(s *Service) { s.dialer = d }
}

// WithHTTPClient sets the client used by the HTTP existence check.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.http = c }
}

// WithLogger sets the logger operations report to.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

// WithVerifier sets the token verifier, overriding Config.SigningSecret.
func WithVerifier(v *signer.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}
