package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
	KindAudio MessageKind = "audio"
	KindVideo MessageKind = "video"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindAudio, KindVideo:
		return true
	}
	return false
}

func (k MessageKind) IsMedia() bool {
	return k.Valid() && k != KindText
}

// MessageItem is one unit of content. Media items carry either a path on
// disk (FilePath) or an encoded payload (Data, base64 or a data URL).
type MessageItem struct {
	ID       string      `json:"id"`
	Kind     MessageKind `json:"type"`
	Content  string      `json:"content"`
	FileName string      `json:"fileName,omitempty"`
	FilePath string      `json:"filePath,omitempty"`
	Data     string      `json:"base64Data,omitempty"`
}

// Validate checks the content invariant: text has a body, media has a
// file reference.
func (m MessageItem) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("unknown message type %q", m.Kind)
	}
	if m.Kind == KindText {
		if strings.TrimSpace(m.Content) == "" {
			return errors.New("text message has empty content")
		}
		return nil
	}
	if strings.TrimSpace(m.FilePath) == "" && strings.TrimSpace(m.Data) == "" {
		return fmt.Errorf("%s message has no file path or data", m.Kind)
	}
	return nil
}

type MessageSet struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Messages  []MessageItem `json:"messages"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}
