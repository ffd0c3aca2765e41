package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "geminirelayd.toml"

// TLSConfig mirrors the serve-side TLS block of the bootstrap file. In
// autocert mode certificates come from Let's Encrypt; in manual mode the
// PEM blobs are inlined.
type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	Mode       string `toml:"mode"` // "autocert" or "manual"
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
	CertPEM    string `toml:"cert_pem,omitempty"`
	KeyPEM     string `toml:"key_pem,omitempty"`
}

// Bootstrap is the small on-disk TOML config read before anything else:
// where to listen, where state lives, whether to terminate TLS. Everything
// runtime-tunable lives in the settings store instead.
type Bootstrap struct {
	ListenAddr string    `toml:"listen_addr"`
	StorageDir string    `toml:"storage_dir"`
	TLS        TLSConfig `toml:"tls"`
}

func DefaultBootstrap() Bootstrap {
	return Bootstrap{
		ListenAddr: ":7860",
		StorageDir: defaultStorageDir(),
	}
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".geminirelay"
	}
	return filepath.Join(home, ".config", "geminirelay")
}

func DefaultBootstrapPath() string {
	return filepath.Join(defaultStorageDir(), defaultConfigFileName)
}

// LoadBootstrap reads the TOML file at path, filling defaults for absent
// fields. A missing file is not an error; defaults are returned.
func LoadBootstrap(path string) (Bootstrap, error) {
	cfg := DefaultBootstrap()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":7860"
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = defaultStorageDir()
	}
	return cfg, nil
}

// FromEnv overlays environment overrides onto the bootstrap document.
// Container deployments set STORAGE_DIR instead of shipping a TOML file.
func (b *Bootstrap) FromEnv(getenv Getenv) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("STORAGE_DIR")); v != "" {
		b.StorageDir = v
	}
}

// SaveBootstrap writes the TOML file atomically (temp file plus rename).
func SaveBootstrap(path string, cfg Bootstrap) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write config temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
