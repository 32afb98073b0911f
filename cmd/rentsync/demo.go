package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinjamaja/rentsync"
)

//go:embed demo.yaml
var demoFixtures []byte

func init() {
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run two in-process clients against a memory backend",
	Long: "Seed a memory backend, sign in an owner and a renter, and show a chat\n" +
		"message and a status change propagating between them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return runDemo(ctx, valueOrDefault(flagLogLevel, "warn"))
	},
}

func runDemo(ctx context.Context, level string) error {
	store := rentsync.NewMemoryStore()
	fx, err := rentsync.ParseFixtures(demoFixtures)
	if err != nil {
		return err
	}
	if _, err := fx.Apply(ctx, store); err != nil {
		return err
	}

	log := rentsync.NewLogger(level)
	open := func(name, email, password string) (*rentsync.Session, error) {
		s := rentsync.NewSession(store.Client(),
			rentsync.WithLogger(log.WithField("client", name)),
			rentsync.WithCacheBackend(rentsync.NewMemoryCacheBackend(0)),
		)
		if err := s.Start(ctx); err != nil {
			return nil, err
		}
		<-s.Ready()
		if err := outcomeErr("sign in "+name, s.SignIn(ctx, email, password)); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}

	owner, err := open("owner", "sari@example.com", "tenda123")
	if err != nil {
		return err
	}
	defer owner.Close()
	renter, err := open("renter", "budi@example.com", "kamera123")
	if err != nil {
		return err
	}
	defer renter.Close()

	received := make(chan rentsync.NewRemoteMessage, 1)
	owner.Engine().OnNewRemoteMessage(func(m rentsync.NewRemoteMessage) {
		select {
		case received <- m:
		default:
		}
	})

	res := renter.StartOrResumeChat(ctx, "item-tenda")
	if !res.OK {
		return fmt.Errorf("start chat: %w", res.Err())
	}
	fmt.Printf("renter opened %q\n", renter.ChatDisplayName(res.Value))
	if err := outcomeErr("send", renter.SendMessage(ctx, res.Value.ID, "Halo, tendanya kosong sabtu ini?")); err != nil {
		return err
	}

	select {
	case m := <-received:
		fmt.Printf("owner received from %s: %s\n", m.SenderName, m.Text)
		fmt.Printf("owner unread chats: %d\n", owner.Snapshot().UnreadCount())
	case <-ctx.Done():
		return errors.New("owner never received the message")
	}

	if err := outcomeErr("toggle", owner.ToggleItemStatus(ctx, "item-tenda")); err != nil {
		return err
	}
	for {
		if it, ok := renter.Snapshot().Item("item-tenda"); ok && it.Status == rentsync.StatusUnavailable {
			fmt.Printf("renter sees %q as %s\n", it.Title, it.Status)
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New("renter never saw the status change")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
