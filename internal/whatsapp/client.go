// Package whatsapp is the WhatsApp Web transport built on whatsmeow. It owns
// the linked-device session, reports connection lifecycle events and
// implements the delivery channel used by the batch sender.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/LeventeLantos/bulk-messaging/internal/channel"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

type Client struct {
	container *sqlstore.Container
	wa        *whatsmeow.Client
	sink      func(channel.Event)
}

// Open loads (or creates) the device session stored in the SQLite file at
// storePath. sink receives lifecycle events and may be nil.
func Open(ctx context.Context, storePath string, sink func(channel.Event)) (*Client, error) {
	if dir := filepath.Dir(storePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
	}

	store.DeviceProps.Os = proto.String("wasched")

	container, err := sqlstore.New(ctx, "sqlite", "file:"+storePath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", newLogger("whatsapp-store"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	if sink == nil {
		sink = func(channel.Event) {}
	}
	c := &Client{
		container: container,
		wa:        whatsmeow.NewClient(device, newLogger("whatsapp")),
		sink:      sink,
	}
	c.wa.AddEventHandler(c.handleEvent)
	return c, nil
}

// Paired reports whether the session already belongs to a linked device.
func (c *Client) Paired() bool {
	return c.wa.Store.ID != nil
}

// Connect opens the websocket. An unpaired session starts QR pairing and
// every code is emitted as an EventQR; the call returns once pairing has
// started, not when it completes.
func (c *Client) Connect(ctx context.Context) error {
	if c.Paired() {
		if err := c.wa.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	}

	qrChan, err := c.wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("qr channel: %w", err)
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	go func() {
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				slog.Info("scan the QR code with WhatsApp > Linked devices")
				c.sink(channel.Event{Type: channel.EventQR, Detail: evt.Code})
			case "success":
				slog.Info("device paired")
			default:
				slog.Warn("pairing ended", "event", evt.Event, "err", evt.Error)
				c.sink(channel.Event{Type: channel.EventAuthFailure, Detail: evt.Event})
			}
		}
	}()
	return nil
}

func (c *Client) Close() error {
	c.wa.Disconnect()
	return c.container.Close()
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		slog.Info("whatsapp authenticated", "jid", v.ID.String())
		c.sink(channel.Event{Type: channel.EventAuthenticated, Detail: v.ID.String()})
	case *events.Connected:
		slog.Info("whatsapp ready")
		c.sink(channel.Event{Type: channel.EventReady})
	case *events.LoggedOut:
		slog.Warn("whatsapp logged out", "reason", v.Reason.String())
		c.sink(channel.Event{Type: channel.EventAuthFailure, Detail: v.Reason.String()})
	case *events.ConnectFailure:
		slog.Error("whatsapp connect failure", "reason", v.Reason.String())
		c.sink(channel.Event{Type: channel.EventDisconnected, Detail: v.Reason.String()})
	case *events.StreamReplaced:
		slog.Warn("whatsapp session opened elsewhere")
		c.sink(channel.Event{Type: channel.EventDisconnected, Detail: "stream replaced"})
	case *events.Disconnected:
		slog.Warn("whatsapp disconnected")
		c.sink(channel.Event{Type: channel.EventDisconnected})
	}
}

func (c *Client) IsReady() bool {
	return c.wa.IsConnected() && c.wa.IsLoggedIn()
}

// ResolveChat accepts JIDs, whatsapp-web style "<number>@c.us" ids and bare
// phone numbers. Phone numbers must be registered on WhatsApp.
func (c *Client) ResolveChat(ctx context.Context, recipientID string) (channel.Chat, error) {
	if !c.IsReady() {
		return channel.Chat{}, channel.ErrNotReady
	}

	jid, phone, err := parseRecipient(recipientID)
	if err != nil {
		return channel.Chat{}, err
	}
	if phone != "" {
		resp, err := c.wa.IsOnWhatsApp(ctx, []string{phone})
		if err != nil {
			return channel.Chat{}, fmt.Errorf("lookup %s: %w", phone, err)
		}
		if len(resp) == 0 || !resp[0].IsIn {
			return channel.Chat{}, fmt.Errorf("%w: %s is not on WhatsApp", channel.ErrRecipientNotFound, phone)
		}
		jid = resp[0].JID
	}
	return channel.Chat{RecipientID: recipientID, Address: jid.String()}, nil
}

func (c *Client) Send(ctx context.Context, chat channel.Chat, msg channel.Outgoing) error {
	if !c.IsReady() {
		return channel.ErrNotReady
	}
	jid, err := types.ParseJID(chat.Address)
	if err != nil {
		return fmt.Errorf("bad chat address %q: %w", chat.Address, err)
	}

	content := textMessage(msg.Text)
	if msg.Kind.IsMedia() {
		if msg.Media == nil {
			return errors.New("media message without payload")
		}
		mt, err := mediaTypeFor(msg.Kind)
		if err != nil {
			return err
		}
		up, err := c.wa.Upload(ctx, msg.Media.Data, mt)
		if err != nil {
			return fmt.Errorf("upload %s: %w", msg.Kind, err)
		}
		content = mediaMessage(msg.Kind, up, msg.Media, msg.Text)
	}

	resp, err := c.wa.SendMessage(ctx, jid, content)
	if err != nil {
		return err
	}
	slog.Debug("whatsapp message sent", "to", jid.String(), "message_id", resp.ID)
	return nil
}

func (c *Client) Contacts(ctx context.Context, limit int) ([]model.Contact, error) {
	if !c.IsReady() {
		return nil, channel.ErrNotReady
	}
	all, err := c.wa.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	return contactsFrom(all, limit), nil
}

// Logout unlinks the device and clears the stored session.
func (c *Client) Logout(ctx context.Context) error {
	return c.wa.Logout(ctx)
}
