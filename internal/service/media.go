package service

import (
	"encoding/base64"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/LeventeLantos/bulk-messaging/internal/channel"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

var defaultMime = map[model.MessageKind]string{
	model.KindImage: "image/jpeg",
	model.KindVideo: "video/mp4",
	model.KindAudio: "audio/mpeg",
	model.KindFile:  "application/pdf",
}

// resolveOutgoing loads the payload of item. ok is false when the item has
// nothing deliverable and should be skipped.
func resolveOutgoing(item model.MessageItem) (out channel.Outgoing, ok bool) {
	if item.Kind == model.KindText {
		if strings.TrimSpace(item.Content) == "" {
			slog.Warn("skipping empty text message", "item", item.ID)
			return channel.Outgoing{}, false
		}
		return channel.Outgoing{Kind: model.KindText, Text: item.Content}, true
	}
	if !item.Kind.IsMedia() {
		slog.Warn("skipping message of unknown type", "item", item.ID, "type", item.Kind)
		return channel.Outgoing{}, false
	}

	media, err := loadMedia(item)
	if err != nil || media == nil {
		slog.Warn("skipping media message, no file path or data", "item", item.ID, "type", item.Kind, "err", err)
		return channel.Outgoing{}, false
	}
	return channel.Outgoing{Kind: item.Kind, Text: item.Content, Media: media}, true
}

func loadMedia(item model.MessageItem) (*channel.Media, error) {
	if item.FilePath != "" {
		if data, err := os.ReadFile(item.FilePath); err == nil {
			name := item.FileName
			if name == "" {
				name = filepath.Base(item.FilePath)
			}
			return &channel.Media{Data: data, MimeType: mimeFor(item.Kind, name, ""), FileName: name}, nil
		} else if item.Data == "" {
			return nil, err
		}
	}

	if item.Data == "" {
		return nil, nil
	}
	data, declared, err := decodePayload(item.Data)
	if err != nil {
		return nil, err
	}
	name := item.FileName
	if name == "" {
		name = "file." + string(item.Kind)
	}
	return &channel.Media{Data: data, MimeType: mimeFor(item.Kind, name, declared), FileName: name}, nil
}

// decodePayload accepts plain base64 or a data URL and returns the bytes and
// the MIME type declared by the data URL, if any.
func decodePayload(s string) ([]byte, string, error) {
	var declared string
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		head, body, found := strings.Cut(rest, ",")
		if found {
			declared, _, _ = strings.Cut(head, ";")
			s = body
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, "", err
	}
	return data, declared, nil
}

func mimeFor(kind model.MessageKind, name, declared string) string {
	if declared != "" {
		return declared
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	if t, ok := defaultMime[kind]; ok {
		return t
	}
	return "application/octet-stream"
}
