package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-kernel/config"
	"github.com/sushant-115/gojodb-kernel/core/indexing/btree"
	"github.com/sushant-115/gojodb-kernel/core/storage_engine/tuple"
	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-kernel/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodb-kernel/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb-kernel/core/write_engine/replacer"
	internaltelemetry "github.com/sushant-115/gojodb-kernel/internal/telemetry"
	"github.com/sushant-115/gojodb-kernel/pkg/logger"
	"github.com/sushant-115/gojodb-kernel/pkg/telemetry"
)

const indexName = "primary"

var (
	configPath  = flag.String("config", "", "Path to a YAML configuration file")
	dbFile      = flag.String("db", "", "Database file (overrides storage.db_file)")
	poolSize    = flag.Int("pool_size", 0, "Buffer pool frames (overrides storage.pool_size)")
	policy      = flag.String("replacer", "", "Replacement policy: lru-k or lru (overrides storage.replacer)")
	logLevel    = flag.String("log_level", "", "Log level (overrides logger.level)")
	metricsPort = flag.Int("metrics_port", -1, "Serve Prometheus metrics on this port (enables telemetry)")
	historyFile = flag.String("history", "", "Readline history file")
)

func main() {
	log.SetFlags(0)
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlogger); err != nil {
		zlogger.Error("gojodb-kernel shell exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// loadConfig reads -config if given and applies the flags that were set.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db":
			cfg.Storage.DBFile = *dbFile
		case "pool_size":
			cfg.Storage.PoolSize = *poolSize
		case "replacer":
			cfg.Storage.Replacer = *policy
		case "log_level":
			cfg.Logger.Level = *logLevel
		case "metrics_port":
			cfg.Telemetry.Enabled = true
			cfg.Telemetry.PrometheusPort = *metricsPort
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, zlogger *zap.Logger) error {
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	if tel.MetricsAddr != "" {
		zlogger.Info("Serving metrics", zap.String("addr", tel.MetricsAddr))
	}

	e, err := openEngine(cfg, zlogger, tel)
	if err != nil {
		return err
	}
	defer e.close()
	if cfg.Storage.FlushInterval > 0 {
		e.bpm.StartBackgroundFlusher(ctx, cfg.Storage.FlushInterval, cfg.Storage.FlushPagesPerSecond)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojodb> ",
		HistoryFile:     *historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()

	sh := &shell{engine: e, ctx: ctx, backupRate: cfg.Storage.BackupBytesPerSecond}
	fmt.Fprintf(rl.Stdout(), "GojoDB kernel shell on %s. Type 'help' for commands.\n", cfg.Storage.DBFile)
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if quit := sh.exec(args, rl.Stdout()); quit {
			return nil
		}
	}
}

// engine is the storage stack behind the shell.
type engine struct {
	dm     *flushmanager.DiskManager
	bpm    *memtable.BufferPoolManager
	index  *btree.BPlusTreeIndex
	logger *zap.Logger
}

func keySchema() *tuple.Schema {
	return tuple.NewSchema(tuple.Column{Name: "key", Type: tuple.TypeInt64})
}

// openEngine opens the database file and loads the index recorded in its
// catalog slot, creating the index on first use.
func openEngine(cfg *config.Config, zlogger *zap.Logger, tel *telemetry.Telemetry) (*engine, error) {
	s := cfg.Storage
	dm, err := flushmanager.OpenDiskManager(s.DBFile, zlogger)
	if err != nil {
		return nil, err
	}

	rep, err := replacer.NewReplacer(s.Replacer, s.PoolSize, s.ReplacerK)
	if err != nil {
		_ = dm.Close()
		return nil, fmt.Errorf("%w: %v", flushmanager.ErrInvalidConfig, err)
	}
	bpMetrics, err := internaltelemetry.NewBufferPoolMetrics(tel.Meter)
	if err != nil {
		_ = dm.Close()
		return nil, fmt.Errorf("failed to create buffer pool metrics: %w", err)
	}
	bpm, err := memtable.NewBufferPoolManager(s.PoolSize, dm, zlogger, memtable.WithReplacer(rep), memtable.WithMetrics(bpMetrics))
	if err != nil {
		_ = dm.Close()
		return nil, err
	}
	e := &engine{dm: dm, bpm: bpm, logger: zlogger}

	idxMetrics, err := internaltelemetry.NewIndexMetrics(tel.Meter)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("failed to create index metrics: %w", err)
	}
	opts := []btree.Option{btree.WithLogger(zlogger), btree.WithTracer(tel.Tracer), btree.WithMetrics(idxMetrics)}

	if headerID := dm.CatalogPageID(); headerID != pagemanager.InvalidPageID {
		e.index, err = btree.OpenIndex(bpm, headerID, keySchema(), opts...)
	} else {
		e.index, err = btree.CreateIndex(bpm, indexName, keySchema(), s.LeafMaxSize, s.InternalMaxSize, opts...)
		if err == nil {
			err = dm.SetCatalogPageID(e.index.HeaderPageID())
		}
	}
	if err != nil {
		e.close()
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	return e, nil
}

func (e *engine) close() {
	if err := e.bpm.Close(); err != nil {
		e.logger.Error("Failed to close buffer pool", zap.Error(err))
	}
	if err := e.dm.Close(); err != nil {
		e.logger.Error("Failed to close database file", zap.Error(err))
	}
}
