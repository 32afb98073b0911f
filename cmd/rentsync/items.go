package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pinjamaja/rentsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	itemsMine bool

	itemTitle       string
	itemDescription string
	itemPrice       float64
	itemUnit        string
	itemLocation    string
	itemImage       string
)

func init() {
	rootCmd.AddCommand(itemsCmd)
	itemsCmd.AddCommand(itemsListCmd, itemsShowCmd, itemsAddCmd, itemsEditCmd, itemsToggleCmd, itemsDeleteCmd)

	itemsListCmd.Flags().BoolVar(&itemsMine, "mine", false, "only items you own")

	for _, cmd := range []*cobra.Command{itemsAddCmd, itemsEditCmd} {
		cmd.Flags().StringVar(&itemTitle, "title", "", "title")
		cmd.Flags().StringVar(&itemDescription, "description", "", "description")
		cmd.Flags().Float64Var(&itemPrice, "price", 0, "rental price")
		cmd.Flags().StringVar(&itemUnit, "unit", string(rentsync.PerDay), "price unit: minute, hour, day, week, month or year")
		cmd.Flags().StringVar(&itemLocation, "location", "", "pickup location")
		cmd.Flags().StringVar(&itemImage, "image", "", "image URL or data URI")
	}
}

func itemInput() rentsync.ItemInput {
	return rentsync.ItemInput{
		Title:       itemTitle,
		Description: itemDescription,
		Price:       itemPrice,
		PriceUnit:   rentsync.PriceUnit(itemUnit),
		Location:    itemLocation,
		Image:       itemImage,
	}
}

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Browse and manage rental items",
}

var itemsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List items, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			snap := c.session.Snapshot()
			items := snap.Items
			if itemsMine {
				me, err := requireSignedIn(c.session)
				if err != nil {
					return err
				}
				items = nil
				for _, it := range snap.Items {
					if it.OwnerID == me.ID {
						items = append(items, it)
					}
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

func printItems(snap *rentsync.Snapshot, items []rentsync.Item) {
	if len(items) == 0 {
		fmt.Println("No items.")
		return
	}
	var me string
	if snap.Identity != nil {
		me = snap.Identity.ID
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tPRICE\tSTATUS\tOWNER\tSAVED")
	for _, it := range items {
		saved := ""
		if me != "" && snap.InWishlist(me, it.ID) {
			saved = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%.0f/%s\t%s\t%s\t%s\n", it.ID, it.Title, it.Price, it.PriceUnit, it.Status, it.OwnerName, saved)
	}
	w.Flush()
}

var itemsShowCmd = &cobra.Command{
	Use:   "show <item-id>",
	Short: "Show one item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			if err := outcomeErr("select item", c.session.SelectItem(args[0])); err != nil {
				return err
			}
			it := *c.session.Snapshot().SelectedItem
			if flagJSON {
				return printJSON(it)
			}
			fmt.Printf("Title:       %s\n", it.Title)
			fmt.Printf("Description: %s\n", it.Description)
			fmt.Printf("Price:       %.0f per %s\n", it.Price, it.PriceUnit)
			fmt.Printf("Location:    %s\n", it.Location)
			fmt.Printf("Owner:       %s\n", it.OwnerName)
			fmt.Printf("Status:      %s\n", it.Status)
			fmt.Printf("Listed:      %s\n", it.CreatedAt.Local().Format("2006-01-02 15:04"))
			return nil
		})
	},
}

var itemsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "List a new item for rent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			if _, err := requireSignedIn(c.session); err != nil {
				return err
			}
			before := make(map[string]bool)
			for _, it := range c.session.Snapshot().Items {
				before[it.ID] = true
			}
			if err := outcomeErr("create item", c.session.CreateItem(ctx, itemInput())); err != nil {
				return err
			}
			for _, it := range c.session.Snapshot().Items {
				if !before[it.ID] {
					fmt.Printf("Created item %s\n", it.ID)
				}
			}
			return nil
		})
	},
}

var itemsEditCmd = &cobra.Command{
	Use:   "edit <item-id>",
	Short: "Edit an item you own; unset flags keep their values",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			it, ok := c.session.Snapshot().Item(args[0])
			if !ok {
				return fmt.Errorf("item %s not found", args[0])
			}
			in := rentsync.ItemInput{
				Title: it.Title, Description: it.Description, Price: it.Price,
				PriceUnit: it.PriceUnit, Location: it.Location, Image: it.Image,
			}
			flags := cmd.Flags()
			if flags.Changed("title") {
				in.Title = itemTitle
			}
			if flags.Changed("description") {
				in.Description = itemDescription
			}
			if flags.Changed("price") {
				in.Price = itemPrice
			}
			if flags.Changed("unit") {
				in.PriceUnit = rentsync.PriceUnit(itemUnit)
			}
			if flags.Changed("location") {
				in.Location = itemLocation
			}
			if flags.Changed("image") {
				in.Image = itemImage
			}
			if err := outcomeErr("edit item", c.session.EditItem(ctx, args[0], in)); err != nil {
				return err
			}
			fmt.Printf("Updated item %s\n", args[0])
			return nil
		})
	},
}

var itemsToggleCmd = &cobra.Command{
	Use:   "toggle <item-id>",
	Short: "Flip an item you own between available and unavailable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			if err := outcomeErr("toggle status", c.session.ToggleItemStatus(ctx, args[0])); err != nil {
				return err
			}
			it, _ := c.session.Snapshot().Item(args[0])
			fmt.Printf("Item %s is now %s\n", args[0], it.Status)
			return nil
		})
	},
}

var itemsDeleteCmd = &cobra.Command{
	Use:   "delete <item-id>",
	Short: "Delete an item you own",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			if err := outcomeErr("delete item", c.session.DeleteItem(ctx, args[0])); err != nil {
				return err
			}
			fmt.Printf("Deleted item %s\n", args[0])
			return nil
		})
	},
}
