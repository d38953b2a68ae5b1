package whatsapp

import (
	"fmt"
	"sort"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/LeventeLantos/bulk-messaging/internal/channel"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// parseRecipient turns a recipient id into a JID. Ids without a server part
// are phone numbers that still need a lookup, reported through phone.
func parseRecipient(id string) (jid types.JID, phone string, err error) {
	id = strings.TrimSpace(id)
	if user, server, found := strings.Cut(id, "@"); found {
		if server == "c.us" {
			server = types.DefaultUserServer
		}
		jid, err = types.ParseJID(user + "@" + server)
		if err != nil || jid.User == "" {
			return types.JID{}, "", fmt.Errorf("%w: %q", channel.ErrRecipientNotFound, id)
		}
		return jid, "", nil
	}

	digits, ok := channel.PhoneDigits(id)
	if !ok {
		return types.JID{}, "", fmt.Errorf("%w: %q", channel.ErrRecipientNotFound, id)
	}
	return types.JID{}, "+" + digits, nil
}

func mediaTypeFor(kind model.MessageKind) (whatsmeow.MediaType, error) {
	switch kind {
	case model.KindImage:
		return whatsmeow.MediaImage, nil
	case model.KindVideo:
		return whatsmeow.MediaVideo, nil
	case model.KindAudio:
		return whatsmeow.MediaAudio, nil
	case model.KindFile:
		return whatsmeow.MediaDocument, nil
	}
	return "", fmt.Errorf("no media type for %q", kind)
}

func textMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

// mediaMessage wraps an uploaded attachment into the message kind the
// recipient's app renders for it.
func mediaMessage(kind model.MessageKind, up whatsmeow.UploadResponse, m *channel.Media, caption string) *waE2E.Message {
	switch kind {
	case model.KindImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String(m.MimeType),
			Caption:       optional(caption),
			FileLength:    proto.Uint64(up.FileLength),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			MediaKey:      up.MediaKey,
		}}
	case model.KindVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String(m.MimeType),
			Caption:       optional(caption),
			FileLength:    proto.Uint64(up.FileLength),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			MediaKey:      up.MediaKey,
		}}
	case model.KindAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String(m.MimeType),
			FileLength:    proto.Uint64(up.FileLength),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			MediaKey:      up.MediaKey,
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			Mimetype:      proto.String(m.MimeType),
			FileName:      proto.String(m.FileName),
			Title:         proto.String(m.FileName),
			Caption:       optional(caption),
			FileLength:    proto.Uint64(up.FileLength),
			FileSHA256:    up.FileSHA256,
			FileEncSHA256: up.FileEncSHA256,
			MediaKey:      up.MediaKey,
		}}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

// contactsFrom lists individual contacts sorted by name, then phone.
func contactsFrom(all map[types.JID]types.ContactInfo, limit int) []model.Contact {
	out := make([]model.Contact, 0, len(all))
	for jid, info := range all {
		if jid.Server != types.DefaultUserServer {
			continue
		}
		name := info.FullName
		if name == "" {
			name = info.PushName
		}
		if name == "" {
			name = info.BusinessName
		}
		out = append(out, model.Contact{
			ID:    jid.User + "@c.us",
			Name:  name,
			Phone: jid.User,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].Phone < out[j].Phone
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
