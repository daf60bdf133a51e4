package postgres

import (
	"time"

	"github.com/driftlab/chatsync"
)

// A message represents a message row.
type message struct {
	ID             string    `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	ClientID       string    `bun:"client_id"`
	ConversationID string    `bun:",notnull"`
	SenderID       string    `bun:",notnull"`
	Username       string    `bun:"username"`
	MessageText    string    `bun:"message_text"`
	AttachmentURL  string    `bun:"attachment_url"`
	ReplyToID      string    `bun:"reply_to_id"`
	CreatedAt      time.Time `bun:",nullzero,default:now()"`
	UpdatedAt      time.Time `bun:",nullzero,default:now()"`
}

// A messageStatus represents one recipient's acknowledgment row.
type messageStatus struct {
	MessageID      string    `bun:",pk"`
	RecipientID    string    `bun:",pk"`
	ConversationID string    `bun:",notnull"`
	Status         string    `bun:",notnull"`
	UpdatedAt      time.Time `bun:",nullzero,default:now()"`
}

// A presence represents a user's presence row.
type presence struct {
	UserID         string    `bun:",pk"`
	ConversationID string    `bun:",pk"`
	Online         bool      `bun:"online"`
	LastSeen       time.Time `bun:",nullzero"`
	UpdatedAt      time.Time `bun:",nullzero,default:now()"`
}

func fromMessage(m chatsync.Message) *message {
	return &message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Username:       m.Username,
		MessageText:    m.Text,
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
		Text:           m.MessageText,
		AttachmentURL:  m.AttachmentURL,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (s messageStatus) Record() chatsync.StatusRecord {
	return chatsync.StatusRecord{
		MessageID:      s.MessageID,
		RecipientID:    s.RecipientID,
		ConversationID: s.ConversationID,
		Status:         chatsync.DeliveryStatus(s.Status),
		UpdatedAt:      s.UpdatedAt,
	}
}

func (p presence) Record() chatsync.PresenceRecord {
	return chatsync.PresenceRecord{
		UserID:    p.UserID,
		Online:    p.Online,
		LastSeen:  p.LastSeen,
		UpdatedAt: p.UpdatedAt,
	}
}
