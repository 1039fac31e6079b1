package chat

import (
	"path/filepath"
	"strings"

	"github.com/localserve/bookingcall/internal/signaling"
)

// MessageType represents the kind of chat message
type MessageType string

const (
	MessageTypeText  MessageType = signaling.MessageTypeText
	MessageTypeImage MessageType = signaling.MessageTypeImage
	MessageTypeFile  MessageType = signaling.MessageTypeFile
)

// Message is one transcript entry. ID is empty until the server persisted it.
type Message struct {
	ID             string      `json:"id,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Timestamp      int64       `json:"timestamp"` // unix milliseconds
	MessageType    MessageType `json:"messageType"`
	Text           string      `json:"text,omitempty"`
	FileURL        string      `json:"fileUrl,omitempty"`
	FileName       string      `json:"fileName,omitempty"`

	IsCurrentUser bool `json:"-"`
	IsPending     bool `json:"-"`

	localID uint64
}

func fromPayload(p signaling.MessagePayload, localUserID string) Message {
	mt := MessageType(p.MessageType)
	if mt == "" {
		mt = MessageTypeText
	}
	return Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Timestamp:      p.Timestamp,
		MessageType:    mt,
		Text:           p.Text,
		FileURL:        p.FileURL,
		FileName:       p.FileName,
		IsCurrentUser:  p.SenderID == localUserID,
	}
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true, ".svg": true,
}

// TypeForFile picks image or file from the attachment's extension.
func TypeForFile(name string) MessageType {
	if imageExts[strings.ToLower(filepath.Ext(name))] {
		return MessageTypeImage
	}
	return MessageTypeFile
}
