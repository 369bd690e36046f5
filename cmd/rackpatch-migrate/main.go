package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/rackpatch/pkg/config"
	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/storage"
)

var (
	configPath = flag.String("config", "", "Path to the rackpatch configuration file")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up a sqlite store before migration (default: <dsn>.backup)")
)

// metadataBuckets are the buckets of the local metadata cache
var metadataBuckets = []string{"node_progress", "patchmgr_errors"}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Init(cfg.LoggingConfig())
	logger := log.WithComponent("migrate")

	logger.Info().
		Str("driver", cfg.Store.Driver).
		Str("metadata_dir", cfg.Metadata.DataDir).
		Bool("dry_run", *dryRun).
		Msg("rackpatch store migration")

	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("Migration failed")
	}

	if *dryRun {
		logger.Info().Msg("Dry run completed. No changes made.")
		return
	}
	logger.Info().Msg("Migration completed successfully")
}

func run(cfg *config.Config) error {
	logger := log.WithComponent("migrate")
	ctx := context.Background()

	if !*dryRun && storage.Driver(cfg.Store.Driver) == storage.DriverSQLite {
		if _, err := os.Stat(cfg.Store.DSN); err == nil {
			backupFile := *backupPath
			if backupFile == "" {
				backupFile = cfg.Store.DSN + ".backup"
			}
			if err := copyFile(cfg.Store.DSN, backupFile); err != nil {
				return fmt.Errorf("failed to create backup: %w", err)
			}
			logger.Info().Str("backup", backupFile).Msg("Backup created")
		}
	}

	if err := migrateSchema(ctx, cfg); err != nil {
		return err
	}
	return migrateMetadata(filepath.Join(cfg.Metadata.DataDir, "metadata.db"))
}

// migrateSchema creates the tables missing from the store
func migrateSchema(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("migrate")
	driver := storage.Driver(cfg.Store.Driver)

	if *dryRun {
		logger.Info().
			Int("statements", len(storage.SchemaStatements(driver))).
			Strs("tables", storage.Tables).
			Msg("[DRY RUN] Would create missing tables")
		return nil
	}

	sc, err := cfg.StorageConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, sc)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	logger.Info().Strs("tables", storage.Tables).Msg("Schema up to date")
	return nil
}

// migrateMetadata drops cache records that no longer decode. Node
// progress is nested one bucket per request.
func migrateMetadata(dbPath string) error {
	logger := log.WithComponent("migrate")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		logger.Info().Str("path", dbPath).Msg("No metadata cache found")
		return nil
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: *dryRun})
	if err != nil {
		return fmt.Errorf("failed to open metadata cache: %w", err)
	}
	defer db.Close()

	var invalid []record
	scan := func(tx *bolt.Tx) error {
		for _, name := range metadataBuckets {
			b := tx.Bucket([]byte(name))
			if b == nil {
				logger.Warn().Str("bucket", name).Msg("Bucket missing")
				continue
			}
			err := b.ForEach(func(k, v []byte) error {
				if v == nil {
					return b.Bucket(k).ForEach(func(node, data []byte) error {
						if !json.Valid(data) {
							invalid = append(invalid, record{bucket: name, parent: string(k), key: string(node)})
						}
						return nil
					})
				}
				if !json.Valid(v) {
					invalid = append(invalid, record{bucket: name, key: string(k)})
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to scan %s: %w", name, err)
			}
		}
		return nil
	}

	if err := db.View(scan); err != nil {
		return err
	}
	if len(invalid) == 0 {
		logger.Info().Msg("Metadata cache is clean")
		return nil
	}
	if *dryRun {
		logger.Info().Int("records", len(invalid)).Msg("[DRY RUN] Would drop undecodable metadata records")
		return nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, rec := range invalid {
			b := tx.Bucket([]byte(rec.bucket))
			if rec.parent != "" {
				b = b.Bucket([]byte(rec.parent))
			}
			if b == nil {
				continue
			}
			if err := b.Delete([]byte(rec.key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to drop records: %w", err)
	}
	logger.Info().Int("records", len(invalid)).Msg("Dropped undecodable metadata records")
	return nil
}

// record locates one metadata value. parent is set for values nested in
// a per-request bucket.
type record struct {
	bucket string
	parent string
	key    string
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
