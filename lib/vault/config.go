package vault

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default tuning values, chosen the same way the original directory
// cache picked its inactivity delay: long enough to coalesce a burst
// of related filesystem calls into one store, short enough that a
// crash loses at most a few seconds of work.
const (
	DefaultDirectoryInactivityDelay = 3 * time.Second
	DefaultFileInactivityDelay      = 3 * time.Second
	DefaultMaxVersions              = 10
	DefaultWorkerCount              = 4
)

// Config collects everything needed to stand up a Drive: where its
// backends live on disk, how aggressively it coalesces writes, and
// the name of its mount-status object.
//
// A Config is ordinarily loaded from a YAML file with LoadConfigFile
// rather than built field by field; the yaml tags below are its
// on-disk schema.
type Config struct {
	// MountDir is the path the filesystem is mounted at.
	MountDir string `yaml:"mount_dir"`

	// UserAppDir is the on-disk directory holding this vault's own
	// state: the chunk store, the version store, and the master key
	// file.
	UserAppDir string `yaml:"user_app_dir"`

	// KeyFile is the path to the master key file. If empty, it
	// defaults to a "master.key" file directly under UserAppDir.
	KeyFile string `yaml:"key_file,omitempty"`

	// ChunkStoreDir is where encrypted chunk files are written. If
	// empty, it defaults to a "chunks" subdirectory of UserAppDir.
	ChunkStoreDir string `yaml:"chunk_store_dir,omitempty"`

	// VersionStoreDir is where the BadgerDB version-chain database
	// lives. If empty, it defaults to a "versions" subdirectory of
	// UserAppDir.
	VersionStoreDir string `yaml:"version_store_dir,omitempty"`

	// DirectoryInactivityDelay is how long a Directory waits after
	// its last mutation before storing.
	DirectoryInactivityDelay time.Duration `yaml:"directory_inactivity_delay,omitempty"`

	// FileInactivityDelay is how long a file's EncryptorStream stays
	// alive after its last close before being torn down.
	FileInactivityDelay time.Duration `yaml:"file_inactivity_delay,omitempty"`

	// MaxVersions bounds how many historical versions of a Directory
	// are retained.
	MaxVersions int `yaml:"max_versions,omitempty"`

	// WorkerCount sizes the FlushScheduler's worker pool.
	WorkerCount int `yaml:"worker_count,omitempty"`

	// AllowOther permits other users, including root, to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool `yaml:"allow_other,omitempty"`

	// MountStatusSharedObjectName names a shared status object (a lock
	// file, named pipe, or platform equivalent) for a supervising
	// process. It is loaded from the config file but nothing in this
	// module reads it: no mount status is published through it.
	MountStatusSharedObjectName string `yaml:"mount_status_shared_object_name,omitempty"`
}

// WithDefaults returns a copy of cfg with zero-valued tunables
// replaced by their defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.DirectoryInactivityDelay == 0 {
		cfg.DirectoryInactivityDelay = DefaultDirectoryInactivityDelay
	}
	if cfg.FileInactivityDelay == 0 {
		cfg.FileInactivityDelay = DefaultFileInactivityDelay
	}
	if cfg.MaxVersions == 0 {
		cfg.MaxVersions = DefaultMaxVersions
	}
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.ChunkStoreDir == "" {
		cfg.ChunkStoreDir = cfg.UserAppDir + "/chunks"
	}
	if cfg.VersionStoreDir == "" {
		cfg.VersionStoreDir = cfg.UserAppDir + "/versions"
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = cfg.UserAppDir + "/master.key"
	}
	return cfg
}

// LoadConfig loads configuration from the path named by the
// VAULTFS_CONFIG environment variable. There is no fallback: if the
// variable is unset, this fails rather than silently mounting with
// nothing but flag-supplied or zero-valued settings.
func LoadConfig() (Config, error) {
	path := os.Getenv("VAULTFS_CONFIG")
	if path == "" {
		return Config{}, fmt.Errorf("vault: VAULTFS_CONFIG is not set; point it at a config file or pass --config")
	}
	return LoadConfigFile(path)
}

// LoadConfigFile loads configuration from a specific YAML file,
// filling any field the file leaves unset with its default.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("vault: reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("vault: parsing config file: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// Validate checks that the configuration is complete enough to stand
// up a Drive.
func (cfg Config) Validate() error {
	if cfg.MountDir == "" {
		return fmt.Errorf("vault: mount_dir is required")
	}
	if cfg.UserAppDir == "" {
		return fmt.Errorf("vault: user_app_dir is required")
	}
	return nil
}
