package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pinjamaja/rentsync"
)

func init() {
	rootCmd.AddCommand(statusCmd, cacheCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and sync status",
	Long:  "Display the configured backend and saved session, then load data and report collection state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Backend:     %s\n", valueOrDefault(cfg.Default.Backend, "hosted"))
		switch cfg.Default.Backend {
		case "", "hosted":
			fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Hosted.BaseURL, "(not set)"))
			if cfg.Hosted.APIKey != "" {
				fmt.Printf("  API Key:     %s\n", maskKey(cfg.Hosted.APIKey))
			} else {
				fmt.Println("  API Key:     (not set)")
			}
		case "firestore":
			fmt.Printf("  Project:     %s\n", valueOrDefault(cfg.Firestore.Project, "(not set)"))
		case "memory":
			fmt.Printf("  Fixtures:    %s\n", valueOrDefault(cfg.Memory.Fixtures, "(none)"))
		}
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Cache.Backend, "file"))
		if cfg.Webhook.Secret != "" {
			fmt.Printf("  Webhook:     %s\n", valueOrDefault(cfg.Webhook.Addr, "(watch only)"))
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  Email:       %s\n", cfg.Auth.Email)
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Signed in:   no")
		}

		if cfg.Default.Backend == "memory" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		err = withSession(func(ctx context.Context, c *client) error {
			snap := c.session.Snapshot()
			if snap.Identity != nil {
				fmt.Printf("  Username:    %s\n", valueOrDefault(snap.Identity.Username, rentsync.UnknownUserName))
			}
			for _, col := range []rentsync.Collection{rentsync.CollectionItems, rentsync.CollectionWishlist, rentsync.CollectionChats} {
				fmt.Printf("  %-12s %s\n", string(col)+":", snap.States[col])
			}
			fmt.Printf("  Items:       %d\n", len(snap.Items))
			if snap.Identity != nil {
				fmt.Printf("  Wishlist:    %d\n", len(snap.Wishlist))
				fmt.Printf("  Chats:       %d (%d unread)\n", len(snap.Chats), snap.UnreadCount())
			}
			return nil
		})
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
		}
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local items cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the cached items snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		backend, err := openCache(context.Background(), cfg)
		if err != nil {
			return err
		}
		if backend == nil {
			fmt.Println("Cache is disabled.")
			return nil
		}
		rentsync.NewSnapshotCache[rentsync.Item](backend).Clear(rentsync.DefaultItemsCacheKey)
		fmt.Println("Cache cleared.")
		return nil
	},
}
