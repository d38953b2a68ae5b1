package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mdp/qrterminal"
	"github.com/spf13/cobra"

	"github.com/LeventeLantos/bulk-messaging/internal/channel"
	"github.com/LeventeLantos/bulk-messaging/internal/whatsapp"
)

var (
	loginTimeout  time.Duration
	logoutTimeout time.Duration
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Link this device to a WhatsApp account by scanning a QR code",
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Unlink the device and clear the stored WhatsApp session",
	RunE:  runLogout,
}

func init() {
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 3*time.Minute, "How long to wait for the QR code to be scanned")
	logoutCmd.Flags().DurationVar(&logoutTimeout, "timeout", 30*time.Second, "How long to wait for the connection before logging out")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

// openSession connects the stored session and returns a channel of lifecycle
// events. With pairing set an unlinked session starts QR pairing and the
// codes are rendered to stdout; otherwise it is an error.
func openSession(ctx context.Context, storePath string, pairing bool) (*whatsapp.Client, <-chan channel.Event, error) {
	events := make(chan channel.Event, 16)
	sink := func(e channel.Event) {
		if e.Type == channel.EventQR {
			fmt.Println("Scan this code with WhatsApp > Settings > Linked devices:")
			qrterminal.GenerateHalfBlock(e.Detail, qrterminal.L, os.Stdout)
		}
		select {
		case events <- e:
		default:
		}
	}

	wa, err := whatsapp.Open(ctx, storePath, sink)
	if err != nil {
		return nil, nil, err
	}
	if !pairing && !wa.Paired() {
		_ = wa.Close()
		return nil, nil, errors.New("no linked WhatsApp session")
	}
	if err := wa.Connect(ctx); err != nil {
		_ = wa.Close()
		return nil, nil, err
	}
	return wa, events, nil
}

// waitReady blocks until the session is usable, fails or ctx ends.
func waitReady(ctx context.Context, events <-chan channel.Event) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for whatsapp: %w", ctx.Err())
		case e := <-events:
			switch e.Type {
			case channel.EventReady:
				return nil
			case channel.EventAuthFailure:
				return fmt.Errorf("whatsapp authentication failed: %s", e.Detail)
			}
		}
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
	defer cancel()

	wa, events, err := openSession(ctx, cfg.Channel.WhatsAppStorePath, true)
	if err != nil {
		return err
	}
	defer wa.Close()

	if err := waitReady(ctx, events); err != nil {
		return err
	}
	fmt.Println("WhatsApp session is linked and ready")
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()

	wa, events, err := openSession(ctx, cfg.Channel.WhatsAppStorePath, false)
	if err != nil {
		return err
	}
	defer wa.Close()

	if err := waitReady(ctx, events); err != nil {
		return err
	}
	if err := wa.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	fmt.Println("WhatsApp session removed")
	return nil
}
