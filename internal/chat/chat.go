// Package chat is the narrow chat surface the relay needs: connect, join a
// room, send a message.
package chat

import (
	"context"
	"errors"
)

// ErrSessionExpired means the server rejected the session; Connect must run
// before the next send.
var ErrSessionExpired = errors.New("chat session expired")

// Message is a notice with a plain body and an optional HTML body. TxnID lets
// the server drop duplicates of the same send.
type Message struct {
	Body          string
	FormattedBody string
	TxnID         string
}

type Client interface {
	Connect(ctx context.Context) error
	JoinRoom(ctx context.Context, roomID string) error
	SendMessage(ctx context.Context, roomID string, msg Message) error
}
