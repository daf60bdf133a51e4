package redis

import (
	"time"

	"github.com/driftlab/chatsync"
)

// message is the hash representation of a stored message.
type message struct {
	ID             string    `redis:"id"`
	ClientID       string    `redis:"client_id"`
	ConversationID string    `redis:"conversation_id"`
	SenderID       string    `redis:"sender_id"`
	Username       string    `redis:"username"`
	Text           string    `redis:"text"`
	AttachmentURL  string    `redis:"attachment_url"`
	ReplyToID      string    `redis:"reply_to_id"`
	CreatedAt      time.Time `redis:"created_at"`
	UpdatedAt      time.Time `redis:"updated_at"`
}

func fromMessage(m chatsync.Message) *message {
	return &message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Username:       m.Username,
		Text:           m.Text,
		AttachmentURL:  m.AttachmentURL,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (m message) Message() chatsync.Message {
	return chatsync.Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Username:       m.Username,
		Text:           m.Text,
		AttachmentURL:  m.AttachmentURL,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
