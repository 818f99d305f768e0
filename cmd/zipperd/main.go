// zipperd assembles requested file sets into downloadable archives and
// notifies requesters when they are ready.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zipperd/zipperd/internal/config"
	"github.com/zipperd/zipperd/internal/metrics"
	"github.com/zipperd/zipperd/internal/notify"
	"github.com/zipperd/zipperd/internal/server"
	"github.com/zipperd/zipperd/internal/storage"
	"github.com/zipperd/zipperd/internal/uploader"
	"github.com/zipperd/zipperd/internal/zipper"
	"github.com/zipperd/zipperd/pkg/fingerprint"
	"github.com/zipperd/zipperd/pkg/wire"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zipperd",
		Short: "zipperd - archive assembly and notification service",
		Long: `zipperd builds downloadable archives from sets of stored files.

It fetches the requested objects in parallel, writes them into a single
deflate archive along with two manifests, uploads the result (multipart
with compose-based recombination for large archives), and notifies every
requester waiting on that file set. Concurrent requests for the same set
are deduplicated: later requesters join the running build instead of
triggering a second one.

Start the service:

  zipperd serve -c /etc/zipperd/zipperd.yaml

Build one archive from the command line:

  zipperd process -c zipperd.yaml --requester-name Ada \
    --requester-email ada@example.org data/a.txt data/b.txt

Print the fingerprint a file set maps to:

  zipperd fingerprint data/a.txt data/b.txt`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "zipperd.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newProcessCmd())
	rootCmd.AddCommand(newFingerprintCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zipperd %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl := cfg.LogLevel
	if logLevel != "" {
		lvl = logLevel
	}
	level, err := zerolog.ParseLevel(lvl)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// deps is the wired-up service stack.
type deps struct {
	cfg     *config.Config
	close   func()
	cache   *zipper.InProgressCache
	zip     *zipper.ZipUploader
	metrics *metrics.Metrics
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)

	var client storage.Client
	closeClient := func() {}
	switch cfg.Storage.Backend {
	case "local":
		local, err := storage.NewLocalClient(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open local storage: %w", err)
		}
		client = local
		log.Info().Str("data_dir", cfg.Storage.DataDir).Msg("Using local storage backend")
	default:
		gcs, err := storage.DialGCS(ctx)
		if err != nil {
			return nil, fmt.Errorf("dial cloud storage: %w", err)
		}
		client = gcs
		closeClient = func() { _ = gcs.Close() }
	}

	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		closeClient()
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	m := metrics.New()
	cache := zipper.NewInProgressCache(m)

	var sender *notify.Sender
	if cfg.Notify.URL != "" {
		var secret []byte
		if cfg.Notify.Secret != "" {
			secret = []byte(cfg.Notify.Secret)
		}
		sender = notify.NewSender(cfg.Notify.URL, secret, log.Logger)
	} else {
		log.Warn().Msg("No notification URL configured, requesters will not be notified")
	}

	zcfg := zipper.Config{
		Workers:             cfg.Pipeline.Workers,
		QueueDepth:          cfg.Pipeline.QueueDepth,
		MaxInProgress:       cfg.Pipeline.MaxInProgress,
		DrainPollInterval:   config.Duration(cfg.Pipeline.DrainPollInterval),
		SiblingPollInterval: config.Duration(cfg.Pipeline.SiblingPoll),
		SiblingWaitTimeout:  config.Duration(cfg.Pipeline.SiblingWaitTimeout),
		Upload: uploader.Config{
			ChunkSize:             cfg.Upload.ChunkSize.Bytes(),
			SingleUploadThreshold: cfg.Upload.SingleUploadThreshold.Bytes(),
			Workers:               cfg.Pipeline.Workers,
			StampCustomTime:       cfg.Upload.StampCustomTime,
		},
	}

	var scratch billy.Filesystem = osfs.New(cfg.ScratchDir)
	zip := zipper.New(
		client.Bucket(cfg.SourceBucket),
		client.Bucket(cfg.OutputBucket),
		scratch, cache, sender, m, zcfg, log.Logger)

	return &deps{cfg: cfg, close: closeClient, cache: cache, zip: zip, metrics: m}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the archive request server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			srv := server.New(d.zip, d.cache, d.cfg.Pipeline.MaxInProgress, log.Logger)
			return srv.ListenAndServe(ctx, d.cfg.Listen)
		},
	}
}

func newProcessCmd() *cobra.Command {
	var name, email, id string

	cmd := &cobra.Command{
		Use:   "process [objects...]",
		Short: "Build one archive synchronously and notify the requester",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			files := make([]wire.FileRef, len(args))
			for i, obj := range args {
				files[i] = wire.FileRef{Object: obj}
			}
			requesters := []wire.Requester{{Name: name, Email: email, ID: id}}

			res, err := d.zip.Process(ctx, files, requesters, nil)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "requester-name", "", "requester display name")
	cmd.Flags().StringVar(&email, "requester-email", "", "requester email")
	cmd.Flags().StringVar(&id, "requester-id", "", "requester id (optional)")
	_ = cmd.MarkFlagRequired("requester-email")
	return cmd
}

func newFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint [objects...]",
		Short: "Print the content fingerprint for a file set",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			sorted, fp := fingerprint.Files(args)
			fmt.Printf("%s  %s\n", fp, strings.Join(sorted, ","))
		},
	}
}
