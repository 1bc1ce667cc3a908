package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pigseek/pigseek/pkg/blob"
	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/gallery"
	"github.com/pigseek/pigseek/pkg/pack"
	"github.com/pigseek/pigseek/pkg/platform"
	"github.com/pigseek/pigseek/pkg/remote"
	"github.com/pigseek/pigseek/pkg/search"
	"github.com/pigseek/pigseek/pkg/server/fuse"
	"github.com/pigseek/pigseek/pkg/server/httpapi"
	"github.com/pigseek/pigseek/pkg/server/middleware"
	"github.com/pigseek/pigseek/pkg/server/nfs"
	"github.com/pigseek/pigseek/pkg/server/publish"
	"github.com/pigseek/pigseek/pkg/store"
)

type app struct {
	ctx     context.Context
	log     *logrus.Logger
	gallery *gallery.Gallery
	cleanup []func()
}

func (a *app) ensureLogger() error {
	if a.log != nil {
		return nil
	}
	log, err := newLogger(viper.GetString("log_level"), viper.GetString("log_format"))
	if err != nil {
		return err
	}
	a.log = log
	return nil
}

// ensureGallery opens the collection. Long-running commands keep the sync
// outcome visible for the configured lingers; the rest skip them.
func (a *app) ensureGallery(keepSyncState bool) error {
	if err := a.ensureLogger(); err != nil {
		return err
	}
	if a.gallery != nil {
		return nil
	}
	home := viper.GetString("home")
	blobs, err := blob.OpenDir(home)
	if err != nil {
		return fmt.Errorf("open blob directory: %w", err)
	}

	var persister catalog.Persister
	switch backend := strings.ToLower(viper.GetString("catalog_backend")); backend {
	case "", "json":
		persister = catalog.NewFileStore(blobs.Filesystem(), catalog.MetadataFile)
	case "bolt":
		bs, err := catalog.NewBoltStore(catalog.BoltConfig{Path: boltPath(home)})
		if err != nil {
			return fmt.Errorf("open bolt catalog: %w", err)
		}
		a.cleanup = append(a.cleanup, func() { _ = bs.Close() })
		persister = bs
	default:
		return fmt.Errorf("unknown catalog backend %q", backend)
	}

	st, err := store.New(store.Config{
		Blobs:     blobs,
		Persister: persister,
		Logger:    a.log,
	})
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { _ = st.Close() })

	src, err := buildSource(a.ctx, sourceOptionsFromConfig())
	if err != nil {
		return fmt.Errorf("sync source: %w", err)
	}
	successLinger, completedLinger := time.Duration(-1), time.Duration(-1)
	if keepSyncState {
		successLinger = viper.GetDuration("sync.success_linger")
		completedLinger = viper.GetDuration("sync.completed_linger")
	}

	g, err := gallery.New(gallery.Config{
		Store:       st,
		Source:      src,
		BlobDir:     home,
		ArchivePath: viper.GetString("archive_path"),
		Verify:      viper.GetBool("verify_digests"),
		Ranker: &search.Ranker{
			Scorer:    search.Scorer{PrefixScale: viper.GetFloat64("search.prefix_scale")},
			Threshold: viper.GetFloat64("search.threshold"),
		},
		SuccessLinger:   successLinger,
		CompletedLinger: completedLinger,
		GCMinAge:        viper.GetDuration("gc.min_age"),
		Logger:          a.log,
	})
	if err != nil {
		return fmt.Errorf("init gallery: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { _ = g.Close() })
	if _, err := g.Load(a.ctx); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	a.gallery = g
	return nil
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// longRunning marks commands that serve until interrupted.
const longRunning = "long_running"

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "pigseek",
		Short:         "Collect, search and share pig pictures",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureGallery(cmd.Annotations[longRunning] != "")
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	application.ctx = ctx
	err := rootCmd.ExecuteContext(ctx)
	application.close()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("pigseek")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "pigseek"))
		}
	}
	viper.SetEnvPrefix("PIGSEEK")
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

func defaultHome() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".pigseek", "output")
	}
	return filepath.Join(".pigseek", "output")
}

func boltPath(home string) string {
	if p := viper.GetString("bolt_path"); p != "" {
		return p
	}
	return filepath.Join(filepath.Dir(home), "catalog.bolt")
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("home", defaultHome(), "blob directory holding images and metadata.json")
	flags.String("catalog-backend", "json", "catalog persistence: json|bolt")
	flags.String("bolt-path", "", "bolt catalog file (default next to the blob directory)")
	flags.Bool("verify-digests", true, "check downloaded and imported blobs against their id")
	flags.Float64("search-threshold", search.DefaultThreshold, "minimum similarity for fuzzy matches")
	flags.Float64("search-prefix-scale", search.DefaultPrefixScale, "Jaro-Winkler prefix boost")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "text", "log format: text|json")

	flags.String("source", "github", "sync source: github|http|s3|none")
	flags.String("source-url", "", "base URL of an http source")
	flags.String("source-blob-prefix", remote.DefaultBlobPrefix, "directory holding blobs at the source")
	flags.String("github-owner", remote.DefaultGitHubOwner, "GitHub owner of the data repository")
	flags.String("github-repo", remote.DefaultGitHubRepo, "GitHub data repository")
	flags.String("github-branch", remote.DefaultGitHubBranch, "GitHub branch to read")
	flags.String("s3-bucket", "", "bucket of an s3 source")
	flags.String("s3-region", "", "region of an s3 source")
	flags.String("s3-endpoint", "", "endpoint of an S3-compatible source")
	flags.String("s3-root", "", "key prefix holding metadata.json")
	flags.String("s3-access-key", "", "s3 access key")
	flags.String("s3-secret-key", "", "s3 secret key")
	flags.Duration("sync-timeout", 30*time.Second, "timeout of each source request (0 disables)")

	bindConfig("home", flags.Lookup("home"))
	bindConfig("catalog_backend", flags.Lookup("catalog-backend"))
	bindConfig("bolt_path", flags.Lookup("bolt-path"))
	bindConfig("verify_digests", flags.Lookup("verify-digests"))
	bindConfig("search.threshold", flags.Lookup("search-threshold"))
	bindConfig("search.prefix_scale", flags.Lookup("search-prefix-scale"))
	bindConfig("log_level", flags.Lookup("log-level"))
	bindConfig("log_format", flags.Lookup("log-format"))

	bindConfig("sync.source", flags.Lookup("source"))
	bindConfig("sync.url", flags.Lookup("source-url"))
	bindConfig("sync.blob_prefix", flags.Lookup("source-blob-prefix"))
	bindConfig("sync.github_owner", flags.Lookup("github-owner"))
	bindConfig("sync.github_repo", flags.Lookup("github-repo"))
	bindConfig("sync.github_branch", flags.Lookup("github-branch"))
	bindConfig("sync.s3_bucket", flags.Lookup("s3-bucket"))
	bindConfig("sync.s3_region", flags.Lookup("s3-region"))
	bindConfig("sync.s3_endpoint", flags.Lookup("s3-endpoint"))
	bindConfig("sync.s3_root", flags.Lookup("s3-root"))
	bindConfig("sync.s3_access_key", flags.Lookup("s3-access-key"))
	bindConfig("sync.s3_secret_key", flags.Lookup("s3-secret-key"))
	bindConfig("sync.timeout", flags.Lookup("sync-timeout"))
}

func initCommands() {
	rootCmd.AddCommand(
		newAddCmd(),
		newLsCmd(),
		newSearchCmd(),
		newRmCmd(),
		newDescribeCmd(),
		newExportCmd(),
		newImportCmd(),
		newSyncCmd(),
		newGCCmd(),
		newMigrateCmd(),
		newShareCmd(),
		newServeCmd(),
		newPublishCmd(),
		newServeNFSCmd(),
		newMountCmd(),
	)
}

func newLogger(level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		log.SetLevel(lvl)
	}
	switch strings.ToLower(format) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return log, nil
}

func appGallery() (context.Context, *gallery.Gallery) {
	return application.ctx, application.gallery
}

func newAddCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "add <path>...",
		Short: "Add image files to the collection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, g := appGallery()
			return doAdd(ctx, g, args, description)
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "description (defaults to the file name)")
	return cmd
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List the collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, g := appGallery()
			return doList(ctx, g, g.Store().Snapshot().Entries())
		},
	}
}

func newSearchCmd() *cobra.Command {
	var scores bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search descriptions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, g := appGallery()
			query := strings.Join(args, " ")
			if scores {
				return doExplain(g.Explain(query))
			}
			return doList(ctx, g, g.Search(query))
		},
	}
	cmd.Flags().BoolVar(&scores, "scores", false, "print match signals")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id|path>",
		Short: "Remove an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, g := appGallery()
			return doRemove(ctx, g, args[0])
		},
	}
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <id> <text>",
		Short: "Change an image description",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, g := appGallery()
			return g.Describe(ctx, catalog.ContentID(args[0]), strings.Join(args[1:], " "))
		},
	}
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the collection to a zip archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, g := appGallery()
			return doExport(ctx, g)
		},
	}
	cmd.Flags().String("out", pack.DefaultArchivePath(), "archive path")
	bindConfig("archive_path", cmd.Flags().Lookup("out"))
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <archive>",
		Short: "Merge an exported archive into the collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, g := appGallery()
			return doImport(ctx, g, args[0])
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull the published collection from the sync source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, g := appGallery()
			return doSync(ctx, g)
		},
	}
}

func newGCCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove blobs no catalog entry references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, g := appGallery()
			return doGC(ctx, g, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report orphans without deleting them")
	cmd.Flags().Duration("min-age", time.Minute, "orphan blobs younger than this are kept")
	bindConfig("gc.min_age", cmd.Flags().Lookup("min-age"))
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Copy the JSON catalog into the bolt backend",
		Args:  cobra.NoArgs,
		// Opening the gallery would hold the bolt file.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureLogger()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			home := viper.GetString("home")
			return doMigrate(application.ctx, home, boltPath(home))
		},
	}
}

func newShareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share <id> <dir>",
		Short: "Copy an image into a directory under a readable name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, g := appGallery()
			outcome, err := g.Share(ctx, catalog.ContentID(args[0]), platform.DirSharer{Dir: args[1]})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s\n", outcome)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Annotations: map[string]string{longRunning: "true"},
		Short: "Expose the collection over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := serveOptions{
				Addr:        viper.GetString("serve.addr"),
				APIKey:      viper.GetString("serve.api_key"),
				PageSize:    viper.GetInt("serve.page_size"),
				PageMax:     viper.GetInt("serve.page_max"),
				MaxUpload:   viper.GetInt64("serve.max_upload"),
				RateLimit:   viper.GetInt("serve.rate_limit"),
				RateWindow:  viper.GetDuration("serve.rate_window"),
				NFSAddr:     viper.GetString("serve.nfs_addr"),
				PublishAddr: viper.GetString("serve.publish_addr"),
			}
			ctx, g := appGallery()
			return runServe(ctx, g, application.log, opts)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("page-size", 100, "default page size for image listings")
	cmd.Flags().Int("page-max", 1000, "maximum page size for image listings")
	cmd.Flags().Int64("max-upload", 64<<20, "largest accepted image or archive upload in bytes")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().String("nfs-addr", "", "also export over NFS on this address")
	cmd.Flags().String("publish-addr", "", "also publish the S3 layout on this address")
	cmd.Flags().Duration("success-linger", time.Second, "how long a finished sync reports success")
	cmd.Flags().Duration("completed-linger", 100*time.Millisecond, "how long a finished sync reports completion")
	bindConfig("serve.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve.page_size", cmd.Flags().Lookup("page-size"))
	bindConfig("serve.page_max", cmd.Flags().Lookup("page-max"))
	bindConfig("serve.max_upload", cmd.Flags().Lookup("max-upload"))
	bindConfig("serve.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve.nfs_addr", cmd.Flags().Lookup("nfs-addr"))
	bindConfig("serve.publish_addr", cmd.Flags().Lookup("publish-addr"))
	bindConfig("sync.success_linger", cmd.Flags().Lookup("success-linger"))
	bindConfig("sync.completed_linger", cmd.Flags().Lookup("completed-linger"))
	return cmd
}

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Annotations: map[string]string{longRunning: "true"},
		Short: "Serve the collection as a read-only S3 bucket other installs can sync from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := publishOptions{
				Addr:       viper.GetString("publish.addr"),
				Bucket:     viper.GetString("publish.bucket"),
				Root:       viper.GetString("publish.root"),
				APIKey:     viper.GetString("publish.api_key"),
				RateLimit:  viper.GetInt("publish.rate_limit"),
				RateWindow: viper.GetDuration("publish.rate_window"),
			}
			ctx, g := appGallery()
			return runPublish(ctx, g.Store(), application.log, opts)
		},
	}
	cmd.Flags().String("addr", ":9000", "listen address")
	cmd.Flags().String("bucket", publish.DefaultBucket, "bucket name")
	cmd.Flags().String("root", "", "key prefix holding metadata.json")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key header)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	bindConfig("publish.addr", cmd.Flags().Lookup("addr"))
	bindConfig("publish.bucket", cmd.Flags().Lookup("bucket"))
	bindConfig("publish.root", cmd.Flags().Lookup("root"))
	bindConfig("publish.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("publish.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("publish.rate_window", cmd.Flags().Lookup("rate-window"))
	return cmd
}

func newServeNFSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-nfs",
		Annotations: map[string]string{longRunning: "true"},
		Short: "Export the collection read-only over NFS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := nfsServeOptions{
				Addr:        viper.GetString("serve_nfs.addr"),
				Export:      viper.GetString("serve_nfs.export"),
				HandleCache: viper.GetInt("serve_nfs.handle_cache"),
			}
			ctx, g := appGallery()
			return runServeNFS(ctx, g.Store(), application.log, opts)
		},
	}
	cmd.Flags().String("addr", ":2049", "listen address")
	cmd.Flags().String("export", "/", "directory to export")
	cmd.Flags().Int("handle-cache", 1024, "number of cached NFS file handles")
	bindConfig("serve_nfs.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_nfs.export", cmd.Flags().Lookup("export"))
	bindConfig("serve_nfs.handle_cache", cmd.Flags().Lookup("handle-cache"))
	return cmd
}

func newMountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount <dir>",
		Annotations: map[string]string{longRunning: "true"},
		Short: "Mount the collection read-only via FUSE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := fuse.Options{
				CacheEntries: viper.GetInt("mount.cache_entries"),
				CacheBytes:   viper.GetInt64("mount.cache_bytes"),
				AllowOther:   viper.GetBool("mount.allow_other"),
			}
			ctx, g := appGallery()
			fmt.Fprintf(os.Stderr, "Mounting via FUSE at %s\n", args[0])
			return fuse.Mount(ctx, g.Store(), args[0], opts)
		},
	}
	cmd.Flags().Int("cache-entries", 64, "blobs kept in the read cache")
	cmd.Flags().Int64("cache-bytes", 64<<20, "bytes kept in the read cache")
	cmd.Flags().Bool("allow-other", false, "let other users read the mount")
	bindConfig("mount.cache_entries", cmd.Flags().Lookup("cache-entries"))
	bindConfig("mount.cache_bytes", cmd.Flags().Lookup("cache-bytes"))
	bindConfig("mount.allow_other", cmd.Flags().Lookup("allow-other"))
	return cmd
}

type serveOptions struct {
	Addr        string
	APIKey      string
	PageSize    int
	PageMax     int
	MaxUpload   int64
	RateLimit   int
	RateWindow  time.Duration
	NFSAddr     string
	PublishAddr string
}

type publishOptions struct {
	Addr       string
	Bucket     string
	Root       string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
}

type nfsServeOptions struct {
	Addr        string
	Export      string
	HandleCache int
}

type sourceOptions struct {
	Kind         string
	URL          string
	BlobPrefix   string
	GitHubOwner  string
	GitHubRepo   string
	GitHubBranch string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3Root       string
	S3AccessKey  string
	S3SecretKey  string
	Timeout      time.Duration
}

func sourceOptionsFromConfig() sourceOptions {
	return sourceOptions{
		Kind:         viper.GetString("sync.source"),
		URL:          viper.GetString("sync.url"),
		BlobPrefix:   viper.GetString("sync.blob_prefix"),
		GitHubOwner:  viper.GetString("sync.github_owner"),
		GitHubRepo:   viper.GetString("sync.github_repo"),
		GitHubBranch: viper.GetString("sync.github_branch"),
		S3Bucket:     viper.GetString("sync.s3_bucket"),
		S3Region:     viper.GetString("sync.s3_region"),
		S3Endpoint:   viper.GetString("sync.s3_endpoint"),
		S3Root:       viper.GetString("sync.s3_root"),
		S3AccessKey:  viper.GetString("sync.s3_access_key"),
		S3SecretKey:  viper.GetString("sync.s3_secret_key"),
		Timeout:      viper.GetDuration("sync.timeout"),
	}
}

// buildSource returns nil for the "none" kind, which disables sync.
func buildSource(ctx context.Context, opts sourceOptions) (remote.Source, error) {
	client := &http.Client{Timeout: opts.Timeout}
	switch strings.ToLower(opts.Kind) {
	case "none":
		return nil, nil
	case "", "github":
		return remote.NewGitHubSource(opts.GitHubOwner, opts.GitHubRepo, opts.GitHubBranch, client)
	case "http":
		if opts.URL == "" {
			return nil, errors.New("http source requires a url")
		}
		return remote.NewHTTPSource(remote.HTTPConfig{
			BaseURL:    opts.URL,
			BlobPrefix: opts.BlobPrefix,
			Client:     client,
		})
	case "s3":
		if opts.S3Bucket == "" {
			return nil, errors.New("s3 source requires a bucket")
		}
		if (opts.S3AccessKey == "") != (opts.S3SecretKey == "") {
			return nil, errors.New("s3 source requires both access key and secret key")
		}
		return remote.NewS3Source(ctx, remote.S3Config{
			Bucket:     opts.S3Bucket,
			Region:     opts.S3Region,
			Endpoint:   opts.S3Endpoint,
			Root:       opts.S3Root,
			BlobPrefix: opts.BlobPrefix,
			AccessKey:  opts.S3AccessKey,
			SecretKey:  opts.S3SecretKey,
			HTTPClient: client,
		})
	default:
		return nil, fmt.Errorf("unknown sync source %q", opts.Kind)
	}
}

func rateLimit(requests int, window time.Duration) middleware.RateLimitOptions {
	if requests <= 0 {
		return middleware.RateLimitOptions{}
	}
	return middleware.RateLimitOptions{Requests: requests, Window: window}
}

func runServe(ctx context.Context, g *gallery.Gallery, log logrus.FieldLogger, opt serveOptions) error {
	server := &httpapi.Server{
		Gallery: g,
		Log:     log,
		Opts: httpapi.Options{
			APIKey:          opt.APIKey,
			RateLimit:       rateLimit(opt.RateLimit, opt.RateWindow),
			DefaultPageSize: opt.PageSize,
			MaxPageSize:     opt.PageMax,
			MaxUpload:       opt.MaxUpload,
		},
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		fmt.Fprintf(os.Stderr, "Serving HTTP API on %s\n", opt.Addr)
		return server.Start(ctx, opt.Addr)
	})
	if opt.NFSAddr != "" {
		eg.Go(func() error {
			return runServeNFS(ctx, g.Store(), log, nfsServeOptions{Addr: opt.NFSAddr})
		})
	}
	if opt.PublishAddr != "" {
		eg.Go(func() error {
			return runPublish(ctx, g.Store(), log, publishOptions{Addr: opt.PublishAddr})
		})
	}
	return eg.Wait()
}

func runPublish(ctx context.Context, col publish.Collection, log logrus.FieldLogger, opt publishOptions) error {
	server := &publish.Server{
		Collection: col,
		Log:        log,
		Opt: publish.Options{
			Bucket:    opt.Bucket,
			Root:      opt.Root,
			APIKey:    opt.APIKey,
			RateLimit: rateLimit(opt.RateLimit, opt.RateWindow),
		},
	}
	bucket := opt.Bucket
	if bucket == "" {
		bucket = publish.DefaultBucket
	}
	fmt.Fprintf(os.Stderr, "Publishing on %s (bucket %s)\n", opt.Addr, bucket)
	return server.Start(ctx, opt.Addr)
}

func runServeNFS(ctx context.Context, col nfs.Collection, log logrus.FieldLogger, opt nfsServeOptions) error {
	if opt.HandleCache <= 0 {
		opt.HandleCache = 1024
	}
	fmt.Fprintf(os.Stderr, "Serving NFS on %s (export %s)\n", opt.Addr, opt.Export)
	return nfs.ServeWithOptions(ctx, col, opt.Addr, nfs.Options{
		Export:      opt.Export,
		HandleCache: opt.HandleCache,
		Logger:      log,
	})
}

func doAdd(ctx context.Context, g *gallery.Gallery, paths []string, description string) error {
	for _, p := range paths {
		desc := description
		if desc == "" {
			base := filepath.Base(p)
			desc = strings.TrimSuffix(base, filepath.Ext(base))
		}
		id, err := g.AddLocator(ctx, platform.Locator(p), desc)
		if err != nil {
			return fmt.Errorf("add %s: %w", p, err)
		}
		fmt.Fprintf(os.Stdout, "%s\t%s\n", id, desc)
	}
	return nil
}

func blobSizes(ctx context.Context, g *gallery.Gallery) (map[catalog.ContentID]int64, error) {
	infos, err := g.Store().Blobs().List(ctx)
	if err != nil {
		return nil, err
	}
	sizes := make(map[catalog.ContentID]int64, len(infos))
	for _, info := range infos {
		sizes[info.ID] = info.Size
	}
	return sizes, nil
}

func doList(ctx context.Context, g *gallery.Gallery, entries []catalog.Entry) error {
	sizes, err := blobSizes(ctx, g)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		size := "missing"
		if n, ok := sizes[e.ID]; ok {
			size = humanize.IBytes(uint64(n))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID.Short(12), size, e.Description)
	}
	return w.Flush()
}

func doExplain(hits []search.Hit) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, h := range hits {
		fmt.Fprintf(w, "%s\t%.3f\t%t\t%s\n", h.ID.Short(12), h.Score, h.Contains, h.Description)
	}
	return w.Flush()
}

func doRemove(ctx context.Context, g *gallery.Gallery, arg string) error {
	var (
		id  catalog.ContentID
		err error
	)
	if catalog.ContentID(arg).Valid() {
		id, err = g.Remove(ctx, catalog.ContentID(arg))
	} else {
		id, err = g.RemoveLocator(ctx, platform.Locator(arg))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "removed %s\n", id)
	return nil
}

func doExport(ctx context.Context, g *gallery.Gallery) error {
	path, err := g.Export(ctx)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "exported %d images to %s (%s)\n",
		g.Store().Snapshot().Len(), path, humanize.IBytes(uint64(info.Size())))
	return nil
}

func doImport(ctx context.Context, g *gallery.Gallery, archive string) error {
	before := g.Store().Snapshot().Len()
	merged, err := g.Import(ctx, platform.Locator(archive))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "imported %d new images (%d total)\n", merged.Len()-before, merged.Len())
	return nil
}

func doSync(ctx context.Context, g *gallery.Gallery) error {
	before := g.Store().Snapshot().Len()
	sub := g.SyncState().Subscribe()
	defer sub.Close()
	go func() {
		for st := range sub.C() {
			application.log.WithField("state", st.String()).Debug("sync")
		}
	}()
	if err := g.Sync(ctx); err != nil {
		return err
	}
	after := g.Store().Snapshot().Len()
	fmt.Fprintf(os.Stdout, "synced %d new images (%d total)\n", after-before, after)
	return nil
}

func doGC(ctx context.Context, g *gallery.Gallery, dryRun bool) error {
	res, err := g.Sweep(ctx, dryRun)
	if err != nil {
		return err
	}
	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	fmt.Fprintf(os.Stdout, "gc scanned %d blobs, %s %d (%s)\n",
		res.Scanned, verb, len(res.Removed), humanize.IBytes(uint64(res.Bytes)))
	return nil
}

func doMigrate(ctx context.Context, home, dst string) error {
	blobs, err := blob.OpenDir(home)
	if err != nil {
		return err
	}
	src := catalog.NewFileStore(blobs.Filesystem(), catalog.MetadataFile)
	bs, n, err := catalog.MigrateToBolt(ctx, src, catalog.BoltConfig{Path: dst})
	if err != nil {
		return err
	}
	defer bs.Close()
	fmt.Fprintf(os.Stdout, "migrated %d entries to %s\n", n, dst)
	return nil
}
