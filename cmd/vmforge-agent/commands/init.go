package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/vmforge/vmforge/pkg/config"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an agent workspace",
		Long: `Initialize the agent configuration, database and node access key.

The generated public key must be added to the authorized_keys of every node
the agent manages.`,
		Example: `  # Initialize in ./data with ./vmforge.yaml
  vmforge-agent init

  # Initialize a system-wide agent
  vmforge-agent init --data-dir /var/lib/vmforge --config /etc/vmforge/vmforge.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			path := configPath
			if path == "" {
				path = config.FileName + ".yaml"
			}

			log.Info().
				Str("data_dir", dataDir).
				Str("config", path).
				Msg("Initializing workspace")

			if err := os.MkdirAll(filepath.Join(dataDir, "keys"), 0700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			fmt.Printf("✓ Created directory: %s\n", dataDir)

			keyPath := filepath.Join(dataDir, "keys", "id_ed25519")
			created, err := ensureKeyPair(keyPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("✓ Generated SSH keypair: %s\n", keyPath)
			} else {
				fmt.Printf("✓ SSH keypair already exists: %s\n", keyPath)
			}

			cfg := config.DefaultConfig()
			cfg.Database.Path = filepath.Join(dataDir, "vmforge.db")
			cfg.SSH.PrivateKeyPath = keyPath
			if err := config.Write(path, cfg, force); err != nil {
				return err
			}
			fmt.Printf("✓ Created config file: %s\n", path)

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Database.Path)

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Authorize %s.pub on every node\n", keyPath)
			fmt.Printf("  2. Register a node:\n")
			fmt.Printf("     vmforge-agent resource add node <id> --address <ip>\n\n")
			fmt.Printf("  3. Start the agent:\n")
			fmt.Printf("     vmforge-agent serve -c %s\n\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for the database and keys")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

// ensureKeyPair writes an ed25519 key pair at keyPath unless one exists.
func ensureKeyPair(keyPath string) (bool, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to stat %s: %w", keyPath, err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	privKeyBytes, err := sshpkg.MarshalPrivateKey(privKey, "vmforge-agent")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privKeyBytes), 0600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("✓ Database is up to date: %s\n", cfg.Database.Path)
			return nil
		},
	}
}
