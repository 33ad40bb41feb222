package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var configNames = []string{"genbridge.yaml", "genbridge.yml", "genbridge.json"}

// Loader loads, validates, and caches config state.
type Loader struct {
	path     string
	dir      string
	envFiles []string

	validator Validator
	logger    *slog.Logger

	mu   sync.Mutex
	last atomic.Pointer[Config]
}

// LoaderOption customizes loader behaviour.
type LoaderOption func(*Loader)

// WithValidator injects a custom Validator.
func WithValidator(v Validator) LoaderOption {
	return func(l *Loader) {
		l.validator = v
	}
}

// WithEnvFiles sets the dotenv files read before each load. Defaults to
// ".env" next to the config file. Missing files are ignored.
func WithEnvFiles(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.envFiles = paths
	}
}

// WithLogger sets the logger used by Watch.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader wires a loader. path names the config file; when empty the
// loader looks for genbridge.yaml, .yml or .json in dir.
func NewLoader(path, dir string, opts ...LoaderOption) (*Loader, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve dir: %w", err)
	}
	loader := &Loader{dir: absDir, logger: slog.Default()}
	if path = strings.TrimSpace(path); path != "" {
		if loader.path, err = filepath.Abs(path); err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		loader.dir = filepath.Dir(loader.path)
	}
	loader.validator = NewDefaultValidator()
	for _, opt := range opts {
		opt(loader)
	}
	if loader.validator == nil {
		loader.validator = NewDefaultValidator()
	}
	if loader.envFiles == nil {
		loader.envFiles = []string{filepath.Join(loader.dir, ".env")}
	}
	return loader, nil
}

// Path returns the config file the loader reads, resolving it if needed.
func (l *Loader) Path() (string, error) {
	if l.path != "" {
		return l.path, nil
	}
	for _, name := range configNames {
		candidate := filepath.Join(l.dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("config: no %s under %s: %w", strings.Join(configNames, ", "), l.dir, fs.ErrNotExist)
}

// Last returns the most recent valid configuration.
func (l *Loader) Last() (*Config, bool) {
	cfg := l.last.Load()
	if cfg == nil {
		return nil, false
	}
	return cfg, true
}

// Load reads the environment files and the config file, then validates it.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := l.loadOnce()
	if err != nil {
		return nil, err
	}
	l.last.Store(cfg)
	return cfg, nil
}

// Reload attempts to refresh configuration keeping the last good state on error.
func (l *Loader) Reload() (*Config, error) {
	prev, _ := l.Last()
	cfg, err := l.Load()
	if err != nil {
		if prev != nil {
			return prev, fmt.Errorf("reload failed, keeping last good config: %w", err)
		}
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadOnce() (*Config, error) {
	if err := l.loadEnv(); err != nil {
		return nil, err
	}
	path, err := l.Path()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.SourcePath = path
	cfg.SourceHash = computeConfigHash(raw)
	if l.validator != nil {
		if err := l.validator.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadEnv() error {
	var present []string
	for _, path := range l.envFiles {
		if _, err := os.Stat(path); err == nil {
			present = append(present, path)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("config: load env: %w", err)
	}
	return nil
}

// Parse decodes yaml or json into a normalized Config without validating it.
func Parse(data []byte) (*Config, error) {
	return decodeConfig(data)
}

func decodeConfig(raw []byte) (*Config, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errors.New("config payload is empty")
	}
	cfg := &Config{}
	if err := decodeMixedYAMLJSON(raw, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

func decodeMixedYAMLJSON(data []byte, out any) error {
	yamlErr := yaml.Unmarshal(data, out)
	if yamlErr == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}
	return fmt.Errorf("config decode failed: %w", yamlErr)
}

func computeConfigHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
