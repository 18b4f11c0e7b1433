package models

// Message is a single chat utterance. Timestamp is milliseconds since the epoch
// and is the ordering key of a conversation log.
type Message struct {
	ID        string `json:"id,omitempty"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ChatEvent types pushed over websockets.
const (
	EventOpened  = "opened"
	EventMessage = "message"
	EventError   = "error"
	EventClosed  = "closed"
)

// ChatEvent is written to websocket clients.
type ChatEvent struct {
	Type            string   `json:"type"`
	ConversationKey string   `json:"conversation_key,omitempty"`
	CounterpartID   string   `json:"counterpart_id,omitempty"`
	Message         *Message `json:"message,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// ClientCommand types read from websocket clients.
const (
	CommandOpen  = "open"
	CommandSend  = "send"
	CommandClose = "close"
)

// ClientCommand is a frame sent by a websocket client.
type ClientCommand struct {
	Type          string `json:"type"`
	CounterpartID string `json:"counterpart_id,omitempty"`
	Text          string `json:"text,omitempty"`
}

// ConversationSummary is one entry of a user's conversation list.
type ConversationSummary struct {
	ConversationKey string `json:"conversation_key"`
	CounterpartID   string `json:"counterpart_id"`
	LastMessageAt   int64  `json:"last_message_at"`
	MessageCount    int64  `json:"message_count"`
}
