package notifications

import (
	"time"
)

// Message is one frame of the push feed.
type Message struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is what a feed client may send.
type ClientMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// Message types
const (
	TypeSnapshot    = "snapshot"
	TypeTransaction = "transaction"
	TypeStatus      = "status"
	TypeSubscribe   = "subscribe"
	TypePing        = "ping"
)

// Channels a client can subscribe to. A client with no subscription
// receives every channel.
const (
	ChannelMirror       = "mirror"
	ChannelTransactions = "transactions"
	ChannelPrivate      = "private"
)

// KnownChannel reports whether name is a channel clients may subscribe to.
func KnownChannel(name string) bool {
	return name == ChannelMirror || name == ChannelTransactions
}
