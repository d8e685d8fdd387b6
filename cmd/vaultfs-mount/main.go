// Command vaultfs-mount mounts an encrypted, content-addressed vault
// as a read-write FUSE filesystem.
//
// Configuration is read from a YAML file, named by --config or the
// VAULTFS_CONFIG environment variable; any of the flags below that are
// passed explicitly on the command line override the corresponding
// field loaded from that file. Running with only flags and no config
// file at all is also supported.
//
// On startup it opens (or creates) the on-disk chunk store and version
// store under the configured app directory, reads the master key
// from the configured key file (or generates and writes a fresh one on
// first run), and mounts the resulting Drive at the configured mount
// point. It runs until interrupted, at which point it drains every
// pending directory store before exiting.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"flag"

	"github.com/benjaminbollen/MaidSafe-Drive/lib/secret"
	"github.com/benjaminbollen/MaidSafe-Drive/lib/vault"
	vaultfuse "github.com/benjaminbollen/MaidSafe-Drive/lib/vault/fuse"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath               string
		mountpoint               string
		appDir                   string
		keyFile                  string
		directoryInactivityDelay time.Duration
		fileInactivityDelay      time.Duration
		maxVersions              int
		workerCount              int
		allowOther               bool
	)

	flag.StringVar(&configPath, "config", os.Getenv("VAULTFS_CONFIG"), "path to a YAML config file (defaults to $VAULTFS_CONFIG)")
	flag.StringVar(&mountpoint, "mountpoint", "", "directory to mount the filesystem at (overrides mount_dir)")
	flag.StringVar(&appDir, "app-dir", "", "directory holding the chunk store, version store, and sealed key (overrides user_app_dir)")
	flag.StringVar(&keyFile, "key-file", "", "path to the master key file (overrides key_file; defaults to app-dir/master.key)")
	flag.DurationVar(&directoryInactivityDelay, "directory-inactivity-delay", 0, "how long a directory waits after its last mutation before storing")
	flag.DurationVar(&fileInactivityDelay, "file-inactivity-delay", 0, "how long a closed file's buffered content stays resident before being torn down")
	flag.IntVar(&maxVersions, "max-versions", 0, "number of historical directory versions to retain")
	flag.IntVar(&workerCount, "workers", 0, "number of background flush workers")
	flag.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	flag.Parse()

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	var cfg vault.Config
	if configPath != "" {
		loaded, err := vault.LoadConfigFile(configPath)
		if err != nil {
			return fmt.Errorf("loading config file: %w", err)
		}
		cfg = loaded
	}

	if explicit["mountpoint"] || cfg.MountDir == "" {
		cfg.MountDir = mountpoint
	}
	if explicit["app-dir"] || cfg.UserAppDir == "" {
		cfg.UserAppDir = appDir
	}
	if explicit["key-file"] {
		cfg.KeyFile = keyFile
	}
	if explicit["directory-inactivity-delay"] {
		cfg.DirectoryInactivityDelay = directoryInactivityDelay
	}
	if explicit["file-inactivity-delay"] {
		cfg.FileInactivityDelay = fileInactivityDelay
	}
	if explicit["max-versions"] {
		cfg.MaxVersions = maxVersions
	}
	if explicit["workers"] {
		cfg.WorkerCount = workerCount
	}
	if explicit["allow-other"] {
		cfg.AllowOther = allowOther
	}
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	masterKey, err := loadOrCreateMasterKey(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("loading master key: %w", err)
	}
	defer masterKey.Close()

	chunkStore, err := vault.NewDiskChunkStore(cfg.ChunkStoreDir)
	if err != nil {
		return fmt.Errorf("opening chunk store: %w", err)
	}

	versionStore, err := vault.NewBadgerVersionStore(cfg.VersionStoreDir, cfg.MaxVersions)
	if err != nil {
		return fmt.Errorf("opening version store: %w", err)
	}
	defer versionStore.Close()

	scheduler := vault.NewFlushScheduler(cfg.WorkerCount)

	handler, err := vault.NewDirectoryHandler(ctx, vault.HandlerConfig{
		ChunkStore:               chunkStore,
		VersionStore:             versionStore,
		MasterKey:                masterKey,
		Scheduler:                scheduler,
		DirectoryInactivityDelay: cfg.DirectoryInactivityDelay,
		FileInactivityDelay:      cfg.FileInactivityDelay,
		MaxVersions:              cfg.MaxVersions,
		Logger:                   logger,
	})
	if err != nil {
		return fmt.Errorf("starting directory handler: %w", err)
	}

	drive := vault.NewDrive(handler)

	server, err := vaultfuse.Mount(vaultfuse.Options{
		Mountpoint: cfg.MountDir,
		Drive:      drive,
		AllowOther: cfg.AllowOther,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("mounting filesystem: %w", err)
	}

	logger.Info("vault mounted", "mountpoint", cfg.MountDir, "app_dir", cfg.UserAppDir)

	go func() {
		<-ctx.Done()
		logger.Info("unmounting")
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	server.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := drive.Close(closeCtx); err != nil {
		return fmt.Errorf("closing drive: %w", err)
	}
	return nil
}

// loadOrCreateMasterKey reads the key at path, or, on first run,
// generates a fresh 32-byte key and writes it out. The key is stored
// in the clear on disk: protecting it at rest (wrapping it under an
// operator-supplied passphrase or platform keystore) is left to the
// deployment, not this command.
func loadOrCreateMasterKey(path string) (*secret.Buffer, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return secret.NewFromBytes(raw)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating app directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing master key: %w", err)
	}
	return secret.NewFromBytes(key)
}
