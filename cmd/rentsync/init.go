package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinjamaja/rentsync/pgstore"
)

var (
	initURL         string
	initAPIKey      string
	initDSN         string
	initProject     string
	initCredentials string
	initFixtures    string
)

func init() {
	rootCmd.AddCommand(initCmd, migrateCmd)
	initCmd.Flags().StringVar(&initURL, "url", "", "hosted backend base URL")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "hosted backend API key")
	initCmd.Flags().StringVar(&initDSN, "dsn", "", "PostgreSQL connection string")
	initCmd.Flags().StringVar(&initProject, "project", "", "Firestore project id")
	initCmd.Flags().StringVar(&initCredentials, "credentials", "", "Firestore service account file")
	initCmd.Flags().StringVar(&initFixtures, "fixtures", "", "YAML fixtures for the memory backend")
}

var initCmd = &cobra.Command{
	Use:   "init <hosted|postgres|firestore|memory>",
	Short: "Choose a backend and store its settings in ~/.rentsync/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		backend := args[0]
		switch backend {
		case "hosted":
			if initURL == "" || initAPIKey == "" {
				return fmt.Errorf("--url and --api-key are required")
			}
			cfg.Hosted.BaseURL, cfg.Hosted.APIKey = initURL, initAPIKey
		case "postgres":
			if initDSN == "" {
				return fmt.Errorf("--dsn is required")
			}
			cfg.Postgres.DSN = initDSN
		case "firestore":
			if initProject == "" {
				return fmt.Errorf("--project is required")
			}
			cfg.Firestore.Project, cfg.Firestore.CredentialsFile = initProject, initCredentials
		case "memory":
			cfg.Memory.Fixtures = initFixtures
		default:
			return fmt.Errorf("unknown backend %q (valid: hosted, postgres, firestore, memory)", backend)
		}
		if cfg.Default.Backend != backend {
			// a session belongs to one backend
			cfg.Auth = ConfigAuth{}
		}
		cfg.Default.Backend = backend

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		path, _ := configPath()
		fmt.Printf("Backend %s saved to %s\n", backend, path)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the PostgreSQL tables and change triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is not set")
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		store, err := pgstore.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := pgstore.Migrate(ctx, store.Pool()); err != nil {
			return err
		}
		fmt.Println("Schema is up to date.")
		return nil
	},
}
