// Package channel defines the contract between the send engine and the chat
// transport that actually delivers messages.
package channel

import (
	"context"
	"errors"
	"strings"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

var (
	ErrNotReady          = errors.New("channel not ready")
	ErrRecipientNotFound = errors.New("recipient not found")
)

// Chat is a resolved delivery target. Address is transport specific.
type Chat struct {
	RecipientID string
	Address     string
}

type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

// Outgoing is a message item with its media already loaded.
type Outgoing struct {
	Kind  model.MessageKind
	Text  string
	Media *Media
}

type Channel interface {
	IsReady() bool
	ResolveChat(ctx context.Context, recipientID string) (Chat, error)
	Send(ctx context.Context, chat Chat, msg Outgoing) error
}

// Directory is implemented by channels that can list the account's contacts.
type Directory interface {
	Contacts(ctx context.Context, limit int) ([]model.Contact, error)
}

type EventType string

const (
	EventQR            EventType = "whatsapp:qr"
	EventReady         EventType = "whatsapp:ready"
	EventAuthenticated EventType = "whatsapp:authenticated"
	EventAuthFailure   EventType = "whatsapp:auth_failure"
	EventDisconnected  EventType = "whatsapp:disconnected"
)

// Event is a connection lifecycle notification. Detail carries the QR code
// for EventQR and a reason for failures and disconnects.
type Event struct {
	Type   EventType
	Detail string
}

// PhoneDigits extracts the phone number from a recipient id such as
// "36201234567@c.us", "36201234567@s.whatsapp.net" or "+36 20 123 4567".
// ok is false for ids without a plausible number.
func PhoneDigits(recipientID string) (digits string, ok bool) {
	user, _, _ := strings.Cut(strings.TrimSpace(recipientID), "@")
	var b strings.Builder
	for _, r := range user {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	digits = b.String()
	if len(digits) < 7 || len(digits) > 15 {
		return "", false
	}
	return digits, true
}
