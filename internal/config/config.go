package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/levelsync/internal/vcs"
)

// EnvVCS overrides sync.vcs when set.
const EnvVCS = "LEVELSYNC_VCS"

// Config represents the complete levelsync configuration
type Config struct {
	Paths  PathsConfig  `yaml:"paths"`
	Stores StoresConfig `yaml:"stores"`
	Sync   SyncConfig   `yaml:"sync"`
	Watch  WatchConfig  `yaml:"watch"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	SourceDir  string `yaml:"source_dir"`
	TargetDir  string `yaml:"target_dir"`
	ScratchDir string `yaml:"scratch_dir"`
}

// StoresConfig names the store directories inside the source directory
type StoresConfig struct {
	Folders   string `yaml:"folders"`
	Documents string `yaml:"documents"`
	// FolderType keeps only folders of this type. Nil means the default,
	// an explicit empty string keeps every folder.
	FolderType *string `yaml:"folder_type"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	VCS           vcs.Mode     `yaml:"vcs"`
	Concurrency   int          `yaml:"concurrency"`
	Commit        bool         `yaml:"commit"`
	CommitMessage string       `yaml:"commit_message"`
	CommitAuthor  AuthorConfig `yaml:"commit_author"`
}

// AuthorConfig is the identity dump commits are made with
type AuthorConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// WatchConfig configures watch mode
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

const (
	defaultFoldersStore   = "folders"
	defaultDocumentsStore = "macros"
	defaultFolderType     = "Macro"
	defaultConcurrency    = 16
	defaultCommitMessage  = "Update dump"
	defaultAuthorName     = "levelsync"
	defaultAuthorEmail    = "levelsync@localhost"
	defaultDebounce       = 2 * time.Second
)

// Default returns a configuration with every default applied and no paths.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// DefaultPath returns the config file looked up when none is given:
// $XDG_CONFIG_HOME/levelsync/config.yaml, falling back to ~/.config.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "levelsync", "config.yaml"), nil
}

// Load reads and parses the configuration file. Paths are typically
// completed from the command line afterwards, so the result is not
// validated; call Validate once all overrides are applied.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	return &cfg, nil
}

// LoadDefault loads the file at DefaultPath, or returns Default when there
// is none.
func LoadDefault() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ApplyEnv applies environment overrides read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvVCS); ok && v != "" {
		c.Sync.VCS = vcs.Mode(v)
	}
}

// expandEnv expands environment variables in all path fields
func (c *Config) expandEnv() {
	c.Paths.SourceDir = os.ExpandEnv(c.Paths.SourceDir)
	c.Paths.TargetDir = os.ExpandEnv(c.Paths.TargetDir)
	c.Paths.ScratchDir = os.ExpandEnv(c.Paths.ScratchDir)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Stores.Folders == "" {
		c.Stores.Folders = defaultFoldersStore
	}
	if c.Stores.Documents == "" {
		c.Stores.Documents = defaultDocumentsStore
	}
	if c.Stores.FolderType == nil {
		ft := defaultFolderType
		c.Stores.FolderType = &ft
	}
	if c.Sync.VCS == "" {
		c.Sync.VCS = vcs.ModeAuto
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = defaultConcurrency
	}
	if c.Sync.CommitMessage == "" {
		c.Sync.CommitMessage = defaultCommitMessage
	}
	if c.Sync.CommitAuthor.Name == "" {
		c.Sync.CommitAuthor.Name = defaultAuthorName
	}
	if c.Sync.CommitAuthor.Email == "" {
		c.Sync.CommitAuthor.Email = defaultAuthorEmail
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = defaultDebounce
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate paths
	if c.Paths.SourceDir == "" {
		return fmt.Errorf("paths.source_dir is required")
	}
	if c.Paths.TargetDir == "" {
		return fmt.Errorf("paths.target_dir is required")
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.Paths.SourceDir) {
		return fmt.Errorf("paths.source_dir must be an absolute path: %s", c.Paths.SourceDir)
	}
	if !filepath.IsAbs(c.Paths.TargetDir) {
		return fmt.Errorf("paths.target_dir must be an absolute path: %s", c.Paths.TargetDir)
	}
	if c.Paths.ScratchDir != "" && !filepath.IsAbs(c.Paths.ScratchDir) {
		return fmt.Errorf("paths.scratch_dir must be an absolute path: %s", c.Paths.ScratchDir)
	}

	// The target is cleaned of everything it does not dump, so it must not
	// contain the stores it is dumped from.
	if within(c.Paths.SourceDir, c.Paths.TargetDir) {
		return fmt.Errorf("paths.source_dir must not be inside paths.target_dir")
	}
	if c.Paths.ScratchDir != "" && within(c.Paths.ScratchDir, c.Paths.TargetDir) {
		return fmt.Errorf("paths.scratch_dir must not be inside paths.target_dir")
	}

	// Validate store names
	for key, name := range map[string]string{
		"stores.folders":   c.Stores.Folders,
		"stores.documents": c.Stores.Documents,
	} {
		if name == "" || name == "." || name == ".." || strings.ContainsRune(name, filepath.Separator) || strings.ContainsRune(name, '/') {
			return fmt.Errorf("%s must be a plain directory name: %q", key, name)
		}
	}
	if c.Stores.Folders == c.Stores.Documents {
		return fmt.Errorf("stores.folders and stores.documents must differ")
	}

	// Validate sync config
	if _, err := vcs.ParseMode(string(c.Sync.VCS)); err != nil {
		return fmt.Errorf("sync.vcs: %w", err)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}

	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative: %s", c.Watch.Debounce)
	}

	return nil
}

// FolderType returns the folder type filter, "" for none.
func (c *Config) FolderType() string {
	if c.Stores.FolderType == nil {
		return defaultFolderType
	}
	return *c.Stores.FolderType
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
