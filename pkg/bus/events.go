package bus

import "time"

// InboundMessage is a raw platform event entering the agent. SenderID is the
// platform identifier; canonical author resolution happens in the agent loop.
type InboundMessage struct {
	ID        string
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]string
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}

// MessageHandler delivers an outbound message back to its platform.
type MessageHandler func(msg OutboundMessage) error
