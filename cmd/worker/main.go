// Command worker runs the local caching core described by this module: a
// blob cache and directory tree cache that materialize Bazel action input
// roots on disk, fronted by a minimal CLI that loads a configuration file,
// verifies on-disk cache state at startup, and shuts down gracefully on
// SIGINT/SIGTERM.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/buildbarn-worker/localcache/internal/blobcache"
	"github.com/buildbarn-worker/localcache/internal/cas"
	"github.com/buildbarn-worker/localcache/internal/config"
	"github.com/buildbarn-worker/localcache/internal/directorycache"
	"github.com/buildbarn-worker/localcache/internal/logging"
	"github.com/buildbarn-worker/localcache/internal/materializer"
	"github.com/buildbarn-worker/localcache/internal/metrics"
	"github.com/buildbarn-worker/localcache/internal/pathlock"
	"github.com/buildbarn-worker/localcache/internal/treecache"
	"github.com/buildbarn-worker/localcache/internal/workerpool"
)

var rootConfiguration struct {
	logFile string
}

var rootCommand = &cobra.Command{
	Use:          "worker <config_path>",
	Short:        "Run the remote execution worker's local caching core",
	Args:         cobra.ExactArgs(1),
	RunE:         rootMain,
	SilenceUsage: true,
}

func init() {
	cobra.EnableCommandSorting = false
	flags := rootCommand.Flags()
	flags.StringVar(&rootConfiguration.logFile, "log-file", "", "Write logs to this file instead of stdout")
}

func rootMain(_ *cobra.Command, args []string) error {
	logger := logging.RootLogger
	if rootConfiguration.logFile != "" {
		f, err := os.OpenFile(rootConfiguration.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	cfg, err := config.Load(args[0])
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	components, err := bootstrap(cfg, logger)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer components.blobPool.Close()
	defer components.treePool.Close()
	defer components.conn.Close()

	logger.Infof("verifying blob cache at %s", cfg.Filesystem.CacheRoot)
	if err := components.blobCache.Init(); err != nil {
		return fmt.Errorf("verify blob cache: %w", err)
	}
	logger.Infof("verifying directory tree cache at %s", cfg.BuildDirectoryBuilder.CacheRoot)
	if err := components.treeCache.Init(); err != nil {
		return fmt.Errorf("verify tree cache: %w", err)
	}

	logger.Infof("worker ready, build_root=%s", cfg.BuildRoot)

	signalTermination := make(chan os.Signal, 1)
	signal.Notify(signalTermination, terminationSignals...)
	<-signalTermination

	logger.Infof("received termination signal, shutting down gracefully")
	return nil
}

// bootstrapped holds every long-lived component wired up from configuration.
type bootstrapped struct {
	conn         *grpc.ClientConn
	blobPool     *workerpool.Pool
	treePool     *workerpool.Pool
	blobCache    *blobcache.Cache
	treeCache    *treecache.Cache
	materializer *materializer.Materializer
}

func bootstrap(cfg *config.Configuration, logger *logging.Logger) (*bootstrapped, error) {
	conn, err := grpc.Dial(cfg.Buildbarn.CASAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial content-addressable store at %s: %w", cfg.Buildbarn.CASAddress, err)
	}

	backend := cas.NewGRPCBackend(conn)
	casClient := cas.NewClient(backend, "", int64(cfg.Filesystem.DownloadBatchSizeBytes))

	// One pool per cache (spec §4.7): a native-build task submitted by the
	// tree cache's pool can itself block on a download task submitted to
	// the blob cache's pool (treecache/execute.go -> blobcache.FetchTo), so
	// the two must draw from independent goroutine sets or a pool sized at
	// its own concurrency could deadlock on self-submission.
	blobPool := workerpool.New(cfg.Filesystem.Concurrency)
	treePool := workerpool.New(cfg.BuildDirectoryBuilder.Concurrency)
	locks := pathlock.New()
	recorder := metrics.NewMovingAverages(100)

	dirBlobLRU, err := directorycache.New(4096, 64*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("construct directory-blob cache: %w", err)
	}

	blobCache, err := blobcache.New(blobcache.Options{
		Root:               cfg.Filesystem.CacheRoot,
		Backend:            casClient,
		Pool:               blobPool,
		Locks:              locks,
		Logger:             logger,
		Recorder:           recorder,
		DownloadBatchBytes: int64(cfg.Filesystem.DownloadBatchSizeBytes),
		MaxCacheSizeBytes:  int64(cfg.Filesystem.MaxCacheSizeBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("construct blob cache: %w", err)
	}

	treeCache, err := treecache.New(treecache.Options{
		Root:               filepath.Clean(cfg.BuildDirectoryBuilder.CacheRoot),
		Backend:            casClient,
		DirectoryBlobCache: dirBlobLRU,
		BlobCache:          blobCache,
		Pool:               treePool,
		Locks:              locks,
		Logger:             logger,
		Recorder:           recorder,
		MaxCacheSizeBytes:  int64(cfg.BuildDirectoryBuilder.MaxCacheSizeBytes),
		HardlinkMode:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("construct tree cache: %w", err)
	}

	mat := materializer.New(treeCache, recorder)

	return &bootstrapped{
		conn:         conn,
		blobPool:     blobPool,
		treePool:     treePool,
		blobCache:    blobCache,
		treeCache:    treeCache,
		materializer: mat,
	}, nil
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
