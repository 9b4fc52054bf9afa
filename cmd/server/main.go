// Command server runs a durable-streams HTTP server over any of the
// library's substrates, selected at startup with -substrate.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flbn/durable-cf-streams/durablestream"
	"github.com/flbn/durable-cf-streams/store/kvstore"
	"github.com/flbn/durable-cf-streams/store/memstore"
	"github.com/flbn/durable-cf-streams/store/objectstore"
	"github.com/flbn/durable-cf-streams/store/pgstore"
	"github.com/flbn/durable-cf-streams/store/sqlitestore"
)

func main() {
	var (
		port          = flag.Int("port", 8080, "listen port")
		substrate     = flag.String("substrate", "memory", "substrate: memory, sqlite, postgres, kv, object")
		sqliteDSN     = flag.String("sqlite-dsn", "file:streams.db", "sqlite DSN (substrate=sqlite)")
		pgDSN         = flag.String("pg-dsn", "", "postgres connection string (substrate=postgres)")
		badgerDir     = flag.String("badger-dir", "", "badger data directory, empty for in-memory (substrate=kv)")
		s3Endpoint    = flag.String("s3-endpoint", "localhost:9000", "S3-compatible endpoint (substrate=object)")
		s3AccessKey   = flag.String("s3-access-key", "", "S3 access key (substrate=object)")
		s3SecretKey   = flag.String("s3-secret-key", "", "S3 secret key (substrate=object)")
		s3Bucket      = flag.String("s3-bucket", "durable-streams", "S3 bucket (substrate=object)")
		s3UseSSL      = flag.Bool("s3-use-ssl", false, "use TLS for the S3 endpoint (substrate=object)")
		maxAppendSize = flag.Int64("max-append-size", 0, "reject appends larger than this many bytes; 0 keeps the handler default")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, closeStore, err := openSubstrate(*substrate, substrateConfig{
		sqliteDSN:   *sqliteDSN,
		pgDSN:       *pgDSN,
		badgerDir:   *badgerDir,
		s3Endpoint:  *s3Endpoint,
		s3AccessKey: *s3AccessKey,
		s3SecretKey: *s3SecretKey,
		s3Bucket:    *s3Bucket,
		s3UseSSL:    *s3UseSSL,
		logger:      logger,
	})
	if err != nil {
		logger.Error("failed to open substrate", "substrate", *substrate, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	cfg := &durablestream.HandlerConfig{}
	if *maxAppendSize > 0 {
		cfg.MaxAppendSize = *maxAppendSize
	}
	handler := durablestream.NewHandler(store, cfg)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: handler,
	}

	go func() {
		logger.Info("durable-streams server listening", "addr", srv.Addr, "substrate", *substrate)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

type substrateConfig struct {
	sqliteDSN   string
	pgDSN       string
	badgerDir   string
	s3Endpoint  string
	s3AccessKey string
	s3SecretKey string
	s3Bucket    string
	s3UseSSL    bool
	logger      *slog.Logger
}

func openSubstrate(name string, cfg substrateConfig) (durablestream.StreamStore, func(), error) {
	switch name {
	case "memory":
		return memstore.New(&memstore.Options{Logger: cfg.logger}), func() {}, nil

	case "sqlite":
		s, err := sqlitestore.Open(sqlitestore.Options{DSN: cfg.sqliteDSN, Logger: cfg.logger})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case "postgres":
		if cfg.pgDSN == "" {
			return nil, nil, fmt.Errorf("-pg-dsn is required for substrate=postgres")
		}
		s, err := pgstore.Open(context.Background(), pgstore.Options{DSN: cfg.pgDSN, Logger: cfg.logger})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case "kv":
		opts := kvstore.Options{Logger: cfg.logger}
		if cfg.badgerDir == "" {
			opts.InMemory = true
		} else {
			opts.Dir = cfg.badgerDir
		}
		s, err := kvstore.Open(opts)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case "object":
		s, err := objectstore.Open(context.Background(), objectstore.Options{
			Endpoint:  cfg.s3Endpoint,
			AccessKey: cfg.s3AccessKey,
			SecretKey: cfg.s3SecretKey,
			Bucket:    cfg.s3Bucket,
			UseSSL:    cfg.s3UseSSL,
			Logger:    cfg.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown substrate %q", name)
	}
}
