package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pinjamaja/rentsync"
)

func init() {
	rootCmd.AddCommand(wishlistCmd, chatCmd)
	wishlistCmd.AddCommand(wishlistListCmd, wishlistAddCmd, wishlistRemoveCmd)
	chatCmd.AddCommand(chatListCmd, chatStartCmd, chatShowCmd, chatSendCmd)
}

// ============================================================================
// wishlist
// ============================================================================

var wishlistCmd = &cobra.Command{
	Use:   "wishlist",
	Short: "Manage saved items",
}

var wishlistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved items",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			if _, err := requireSignedIn(c.session); err != nil {
				return err
			}
			snap := c.session.Snapshot()
			var items []rentsync.Item
			for _, w := range snap.Wishlist {
				// entries whose item is gone are not shown
				if it, ok := snap.Item(w.ItemID); ok {
					items = append(items, it)
				}
			}
			if flagJSON {
				return printJSON(items)
			}
			printItems(snap, items)
			return nil
		})
	},
}

var wishlistAddCmd = &cobra.Command{
	Use:   "add <item-id>",
	Short: "Save an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			if err := outcomeErr("add to wishlist", c.session.AddToWishlist(ctx, args[0])); err != nil {
				return err
			}
			fmt.Printf("Saved %s\n", args[0])
			return nil
		})
	},
}

var wishlistRemoveCmd = &cobra.Command{
	Use:   "remove <item-id>",
	Short: "Remove a saved item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			if err := outcomeErr("remove from wishlist", c.session.RemoveFromWishlist(ctx, args[0])); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		})
	},
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to item owners and renters",
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your chats, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			if _, err := requireSignedIn(c.session); err != nil {
				return err
			}
			snap := c.session.Snapshot()
			if flagJSON {
				return printJSON(snap.Chats)
			}
			if len(snap.Chats) == 0 {
				fmt.Println("No chats.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHAT\tLAST MESSAGE\tUPDATED")
			for _, ch := range snap.Chats {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ch.ID, c.session.ChatDisplayName(ch),
					truncate(ch.LastMessage, 40), ch.LastUpdated.Local().Format("01-02 15:04"))
			}
			w.Flush()
			return nil
		})
	},
}

var chatStartCmd = &cobra.Command{
	Use:   "start <item-id>",
	Short: "Start or resume the chat with an item's owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			res := c.session.StartOrResumeChat(ctx, args[0])
			if !res.OK {
				return fmt.Errorf("start chat: %w", res.Err())
			}
			if flagJSON {
				return printJSON(res.Value)
			}
			fmt.Printf("Chat %s: %s\n", res.Value.ID, c.session.ChatDisplayName(res.Value))
			printMessages(c.session.Engine().DisplayMessages(res.Value.ID))
			return nil
		})
	},
}

var chatShowCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Show a chat's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			if err := outcomeErr("open chat", c.session.OpenChat(args[0])); err != nil {
				return err
			}
			msgs := c.session.Engine().DisplayMessages(args[0])
			if flagJSON {
				return printJSON(msgs)
			}
			printMessages(msgs)
			return nil
		})
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>...",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args[1:], " ")
		return withSession(func(ctx context.Context, c *client) error {
			if err := outcomeErr("send message", c.session.SendMessage(ctx, args[0], text)); err != nil {
				return err
			}
			fmt.Println("Sent.")
			return nil
		})
	},
}

func printMessages(msgs []rentsync.Message) {
	if len(msgs) == 0 {
		fmt.Println("(no messages yet)")
		return
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("01-02 15:04"), m.SenderName, m.Text)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
