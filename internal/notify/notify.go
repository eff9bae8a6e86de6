// Package notify wraps the outbound messaging and telephony collaborators.
//
// Everything here is best effort from the caller's point of view: a failed
// send is logged by the caller and never rolls back workflow state.
package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// Channel names the medium a message goes out on.
type Channel string

const (
	ChannelSMS  Channel = "sms"
	ChannelChat Channel = "chat"
)

var ErrNoRecipient = errors.New("notify: empty recipient")

// Sender delivers one message to one recipient.
type Sender interface {
	Send(ctx context.Context, to, message string) error
}

// Caller places an outbound voice call with a script for the voice agent.
type Caller interface {
	Call(ctx context.Context, to, script string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to, message string) error

func (f SenderFunc) Send(ctx context.Context, to, message string) error { return f(ctx, to, message) }

// Outbound bundles the collaborators the workflow core talks to.
type Outbound struct {
	SMS    Sender
	Chat   Sender
	Caller Caller
}

// LogSender only writes the message to the log. It stands in for a provider
// when no webhook is configured.
type LogSender struct {
	Channel Channel
	Log     zerolog.Logger
}

func (s LogSender) Send(ctx context.Context, to, message string) error {
	if strings.TrimSpace(to) == "" {
		return ErrNoRecipient
	}
	s.Log.Info().Str("channel", string(s.Channel)).Str("to", to).Str("message", message).Msg("outbound message")
	return nil
}

func (s LogSender) Call(ctx context.Context, to, script string) error {
	if strings.TrimSpace(to) == "" {
		return ErrNoRecipient
	}
	s.Log.Info().Str("channel", "voice").Str("to", to).Str("script", script).Msg("outbound call")
	return nil
}
