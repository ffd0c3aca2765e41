package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/zx6217/geminirelay/pkg/config"
	"github.com/zx6217/geminirelay/pkg/keypool"
	"github.com/zx6217/geminirelay/pkg/logutil"
	"github.com/zx6217/geminirelay/pkg/proxy"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// a local .env is a convenience for bare-metal deploys; absence
			// is not an error
			_ = godotenv.Load()

			bootstrap, err := config.LoadBootstrap(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load bootstrap config: %w", err)
			}
			bootstrap.FromEnv(nil)
			if cmd.Flags().Changed("listen-addr") {
				bootstrap.ListenAddr = serveListenAddrOverride
			}
			if err := os.MkdirAll(bootstrap.StorageDir, 0o755); err != nil {
				return fmt.Errorf("create storage dir: %w", err)
			}

			seed := config.DefaultSettings()
			seed.FromEnv(nil)
			store, err := config.NewSettingsStore(filepath.Join(bootstrap.StorageDir, "settings.json"), seed)
			if err != nil {
				return err
			}

			pool, err := buildPool(store.Snapshot())
			if err != nil {
				return err
			}
			if pool.Len() == 0 {
				logutil.Component("serve").Warn("no upstream credentials configured; set GEMINI_API_KEYS or GOOGLE_CREDENTIALS_JSON")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return proxy.NewServer(bootstrap, store, pool).Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultBootstrapPath(), "Bootstrap config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:7860)")
	rootCmd.AddCommand(serveCmd)
}

// buildPool assembles the credential pool from the environment: AI Studio
// keys, service-account JSON blobs, and the optional express key.
func buildPool(set config.Settings) (*keypool.Pool, error) {
	var creds []keypool.Credential
	for _, key := range config.GeminiAPIKeys(nil) {
		creds = append(creds, keypool.Credential{Secret: key, Kind: keypool.KindAIStudio})
	}
	if set.EnableVertex {
		for _, blob := range config.GoogleCredentials(nil) {
			project, err := serviceAccountProject(blob)
			if err != nil {
				return nil, fmt.Errorf("parse GOOGLE_CREDENTIALS_JSON entry: %w", err)
			}
			creds = append(creds, keypool.Credential{Secret: blob, Kind: keypool.KindVertexSA, ProjectID: project})
		}
		if set.VertexExpressAPIKey != "" {
			creds = append(creds, keypool.Credential{Secret: set.VertexExpressAPIKey, Kind: keypool.KindVertexExpress})
		}
	}
	return keypool.New(creds), nil
}

func serviceAccountProject(blob string) (string, error) {
	var sa struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal([]byte(blob), &sa); err != nil {
		return "", err
	}
	if sa.ProjectID == "" {
		return "", fmt.Errorf("service account JSON has no project_id")
	}
	return sa.ProjectID, nil
}
