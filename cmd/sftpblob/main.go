package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/treenewbee/activestorage-sftp/pkg/blob"
	"github.com/treenewbee/activestorage-sftp/pkg/gc"
	"github.com/treenewbee/activestorage-sftp/pkg/ledger"
	"github.com/treenewbee/activestorage-sftp/pkg/server/httpapi"
	"github.com/treenewbee/activestorage-sftp/pkg/server/middleware"
	"github.com/treenewbee/activestorage-sftp/pkg/sftpstore"
	"github.com/treenewbee/activestorage-sftp/pkg/signer"
)

// offline marks commands that run without a storage backend.
const offline = "offline"

type app struct {
	ctx      context.Context
	log      *logrus.Logger
	service  blob.Service
	verifier *signer.Verifier
	cleanup  []func()
}

func (a *app) ensureService(cmd *cobra.Command) error {
	if a.log == nil {
		a.log = logrus.StandardLogger()
	}
	if err := configureLogger(a.log, viper.GetString("log_level")); err != nil {
		return err
	}
	if a.ctx == nil {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		a.ctx = ctx
		a.cleanup = append(a.cleanup, stop)
	}
	if _, ok := cmd.Annotations[offline]; ok || a.service != nil {
		return nil
	}
	opts, err := serviceOptionsFromConfig()
	if err != nil {
		return err
	}
	opts.Logger = a.log
	svc, err := buildService(viper.GetString("storage_provider"), opts)
	if err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	a.service = svc
	a.verifier = opts.Verifier
	return nil
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "sftpblob",
		Short:         "Blob storage on an SFTP host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureService(cmd)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	err := rootCmd.Execute()
	application.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sftpblob")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "sftpblob"))
		}
	}
	viper.SetEnvPrefix("SFTPBLOB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("storage-provider", "sftp", "storage provider: sftp|disk")
	flags.String("host", "", "SFTP host, optionally host:port")
	flags.Int("port", 22, "SFTP port")
	flags.String("user", "", "SFTP user")
	flags.String("password", "", "SFTP password (ssh-agent and key files are used when empty)")
	flags.String("root", ".", "remote directory blobs are stored under")
	flags.String("private-key", "", "private key file")
	flags.String("known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	flags.Bool("insecure-ignore-host-key", false, "skip host key verification")
	flags.Duration("dial-timeout", 10*time.Second, "SSH connect timeout")
	flags.String("disk-root", ".sftpblob/blobs", "blob directory (disk provider)")

	flags.String("public-host", "", "host URLs are issued against")
	flags.String("public-root", "", "path of the public mirror on the public host")
	flags.String("public-scheme", "https", "scheme used when public-host carries none")
	flags.Bool("simple-public-urls", false, "issue unsigned links into the public mirror")
	flags.Bool("verify-via-http-get", false, "check existence with a HEAD request to the public mirror")
	flags.String("signing-secret", "", "secret keying signed URLs")

	flags.String("log-level", "info", "log level: debug|info|warn|error")

	for _, name := range []string{
		"storage-provider", "host", "port", "user", "password", "root",
		"private-key", "known-hosts", "insecure-ignore-host-key", "dial-timeout", "disk-root",
		"public-host", "public-root", "public-scheme", "simple-public-urls", "verify-via-http-get",
		"signing-secret", "log-level",
	} {
		bindConfig(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
}

func initCommands() {
	rootCmd.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newGetRangeCmd(),
		newRmCmd(),
		newRmPrefixCmd(),
		newExistsCmd(),
		newURLCmd(),
		newUploadURLCmd(),
		newKeyCmd(),
		newServeCmd(),
	)
}

func newPutCmd() *cobra.Command {
	var checksum bool
	cmd := &cobra.Command{
		Use:   "put <key> [file]",
		Short: "Upload a file (or stdin) under key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "-"
			if len(args) == 2 {
				src = args[1]
			}
			return doPut(application.ctx, application.service, args[0], src, checksum)
		},
	}
	cmd.Flags().BoolVar(&checksum, "checksum", false, "verify the upload against the file's MD5")
	return cmd
}

func newGetCmd() *cobra.Command {
	var chunk int
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Stream a blob to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doGet(application.ctx, application.service, args[0], chunk, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&chunk, "chunk-size", blob.MaxChunkSize, "bytes per read")
	return cmd
}

func newGetRangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-range <key> <offset> <size>",
		Short: "Write a byte range of a blob to stdout",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := parseRange(args[1], args[2])
			if err != nil {
				return err
			}
			data, err := application.service.DownloadChunk(application.ctx, args[0], rng)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>...",
		Short: "Delete blobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, key := range args {
				if err := application.service.Delete(application.ctx, key); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newRmPrefixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm-prefix <prefix>",
		Short: "Delete every blob whose key starts with prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.service.DeletePrefixed(application.ctx, args[0])
		},
	}
}

func newExistsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <key>",
		Short: "Report whether a blob exists; exits 1 when it does not",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := application.service.Exists(application.ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			if !ok {
				return fmt.Errorf("%s: not found", args[0])
			}
			return nil
		},
	}
}

func newURLCmd() *cobra.Command {
	var (
		expires     time.Duration
		filename    string
		disposition string
		contentType string
	)
	cmd := &cobra.Command{
		Use:   "url <key>",
		Short: "Print a retrieval URL for a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := application.service.URL(application.ctx, args[0], blob.URLOptions{
				ExpiresIn:   expires,
				Filename:    filename,
				Disposition: blob.Disposition(disposition),
				ContentType: contentType,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	cmd.Flags().DurationVar(&expires, "expires-in", 5*time.Minute, "URL lifetime")
	cmd.Flags().StringVar(&filename, "filename", "", "filename suggested to the client")
	cmd.Flags().StringVar(&disposition, "disposition", string(blob.DispositionInline), "inline|attachment")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type served with the blob")
	return cmd
}

func newUploadURLCmd() *cobra.Command {
	var (
		expires     time.Duration
		contentType string
		length      int64
		checksum    string
	)
	cmd := &cobra.Command{
		Use:   "upload-url <key>",
		Short: "Print a direct upload URL and the headers the client must send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := application.service.URLForDirectUpload(application.ctx, args[0], blob.DirectUploadOptions{
				ExpiresIn:     expires,
				ContentType:   contentType,
				ContentLength: length,
				Checksum:      checksum,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, u)
			for name, value := range application.service.HeadersForDirectUpload(args[0], contentType) {
				fmt.Fprintf(out, "%s: %s\n", name, value)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&expires, "expires-in", 5*time.Minute, "URL lifetime")
	cmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "content type the client will send")
	cmd.Flags().Int64Var(&length, "content-length", 0, "exact body length the client will send")
	cmd.Flags().StringVar(&checksum, "checksum", "", "base64 MD5 the body must match")
	return cmd
}

func newKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "new-key",
		Short:       "Print a fresh random blob key",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{offline: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), blob.NewKey())
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve issued URLs over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := serveOptions{
				Addr:          viper.GetString("serve.addr"),
				APIKey:        viper.GetString("serve.api_key"),
				Ledger:        viper.GetString("serve.ledger"),
				RateLimit:     viper.GetInt("serve.rate_limit"),
				RateWindow:    viper.GetDuration("serve.rate_window"),
				PerClient:     viper.GetBool("serve.rate_per_client"),
				SweepInterval: viper.GetDuration("serve.sweep_interval"),
				RequestHost:   viper.GetBool("serve.use_request_host"),
			}
			return runServe(application.ctx, application, opts)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "enable /admin routes behind this key (X-API-Key or Bearer token)")
	cmd.Flags().String("ledger", ".sftpblob/ledger.db", "single-use upload token ledger")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Bool("rate-per-client", false, "apply the rate limit per remote host")
	cmd.Flags().Duration("sweep-interval", time.Hour, "how often expired upload claims are pruned")
	cmd.Flags().Bool("use-request-host", false, "issue admin direct upload URLs against the request host")
	for _, name := range []string{"addr", "api-key", "ledger", "rate-limit", "rate-window", "rate-per-client", "sweep-interval", "use-request-host"} {
		bindConfig("serve."+strings.ReplaceAll(name, "-", "_"), cmd.Flags().Lookup(name))
	}
	return cmd
}

type serveOptions struct {
	Addr          string
	APIKey        string
	Ledger        string
	RateLimit     int
	RateWindow    time.Duration
	PerClient     bool
	SweepInterval time.Duration
	RequestHost   bool
}

// serviceOptions is the flat view of every backend setting.
type serviceOptions struct {
	Host                  string
	Port                  int
	User                  string
	Password              string
	Root                  string
	PrivateKeyPath        string
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	DialTimeout           time.Duration
	DiskRoot              string

	PublicHost       string
	PublicRoot       string
	PublicScheme     string
	SimplePublicURLs bool
	VerifyViaHTTPGet bool

	Verifier *signer.Verifier
	Logger   logrus.FieldLogger
}

func serviceOptionsFromConfig() (serviceOptions, error) {
	opts := serviceOptions{
		Host:                  viper.GetString("host"),
		Port:                  viper.GetInt("port"),
		User:                  viper.GetString("user"),
		Password:              viper.GetString("password"),
		Root:                  viper.GetString("root"),
		PrivateKeyPath:        viper.GetString("private_key"),
		KnownHostsPath:        viper.GetString("known_hosts"),
		InsecureIgnoreHostKey: viper.GetBool("insecure_ignore_host_key"),
		DialTimeout:           viper.GetDuration("dial_timeout"),
		DiskRoot:              viper.GetString("disk_root"),
		PublicHost:            viper.GetString("public_host"),
		PublicRoot:            viper.GetString("public_root"),
		PublicScheme:          viper.GetString("public_scheme"),
		SimplePublicURLs:      viper.GetBool("simple_public_urls"),
		VerifyViaHTTPGet:      viper.GetBool("verify_via_http_get"),
	}
	if secret := viper.GetString("signing_secret"); secret != "" {
		v, err := signer.NewVerifier([]byte(secret))
		if err != nil {
			return serviceOptions{}, fmt.Errorf("signing secret: %w", err)
		}
		opts.Verifier = v
	}
	return opts, nil
}

func buildService(provider string, opts serviceOptions) (blob.Service, error) {
	switch strings.ToLower(provider) {
	case "", "sftp":
		if opts.Host == "" || opts.User == "" {
			return nil, errors.New("sftp config requires host and user")
		}
		svcOpts := []sftpstore.Option{sftpstore.WithVerifier(opts.Verifier)}
		if opts.Logger != nil {
			svcOpts = append(svcOpts, sftpstore.WithLogger(opts.Logger))
		}
		return sftpstore.New(sftpstore.Config{
			Host:                  opts.Host,
			Port:                  opts.Port,
			User:                  opts.User,
			Password:              opts.Password,
			Root:                  opts.Root,
			PublicHost:            opts.PublicHost,
			PublicRoot:            opts.PublicRoot,
			PublicScheme:          opts.PublicScheme,
			SimplePublicURLs:      opts.SimplePublicURLs,
			VerifyViaHTTPGet:      opts.VerifyViaHTTPGet,
			PrivateKeyPath:        opts.PrivateKeyPath,
			KnownHostsPath:        opts.KnownHostsPath,
			InsecureIgnoreHostKey: opts.InsecureIgnoreHostKey,
			DialTimeout:           opts.DialTimeout,
		}, svcOpts...)
	case "disk":
		urls := signer.NewURLSigner(signer.URLConfig{
			PublicHost:       opts.PublicHost,
			PublicRoot:       opts.PublicRoot,
			Scheme:           opts.PublicScheme,
			SimplePublicURLs: opts.SimplePublicURLs,
		}, opts.Verifier)
		return blob.OpenDiskService(opts.DiskRoot, urls, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}

func configureLogger(log *logrus.Logger, level string) error {
	if level == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	return nil
}

func runServe(ctx context.Context, a *app, opt serveOptions) error {
	if a.verifier == nil {
		return errors.New("serve: --signing-secret is required")
	}
	if dir := filepath.Dir(opt.Ledger); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("serve: ledger dir: %w", err)
		}
	}
	claims, err := ledger.Open(ledger.Config{Path: opt.Ledger})
	if err != nil {
		return err
	}
	defer claims.Close()

	sweeper := gc.NewSweeper(gc.Options{Claims: claims, Logger: a.log})
	stop := sweeper.Start(ctx, opt.SweepInterval)
	defer stop()

	httpOpts := httpapi.Options{
		APIKey:         opt.APIKey,
		UseRequestHost: opt.RequestHost,
	}
	if opt.RateLimit > 0 {
		httpOpts.RateLimit = middleware.RateLimitOptions{
			Requests:  opt.RateLimit,
			Window:    opt.RateWindow,
			PerClient: opt.PerClient,
		}
	}
	server := &httpapi.Server{
		Service:  a.service,
		Verifier: a.verifier,
		Claims:   claims,
		Log:      a.log,
		Opts:     httpOpts,
	}
	a.log.WithField("addr", opt.Addr).Info("serving blob URLs")
	return server.Start(ctx, opt.Addr)
}

func doPut(ctx context.Context, svc blob.Service, key, src string, checksum bool) error {
	var r io.Reader = os.Stdin
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	opts := blob.UploadOptions{}
	if checksum {
		seeker, ok := r.(io.ReadSeeker)
		if !ok || src == "-" {
			return errors.New("put: --checksum needs a file argument")
		}
		sum, err := blob.Checksum(seeker)
		if err != nil {
			return err
		}
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return err
		}
		opts.Checksum = sum
	}
	return svc.Upload(ctx, key, r, opts)
}

func doGet(ctx context.Context, svc blob.Service, key string, chunk int, w io.Writer) error {
	_, err := svc.Download(ctx, key, blob.DownloadOptions{
		ChunkSize: chunk,
		OnChunk: func(p []byte) error {
			_, err := w.Write(p)
			return err
		},
	})
	return err
}

func parseRange(offset, size string) (blob.Range, error) {
	begin, err := strconv.ParseInt(offset, 10, 64)
	if err != nil {
		return blob.Range{}, fmt.Errorf("invalid offset %s", offset)
	}
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return blob.Range{}, fmt.Errorf("invalid size %s", size)
	}
	return blob.Range{Begin: begin, Size: n}, nil
}
