package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Attachment is a file delivered with a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is a rendered report. Body uses the Telegram HTML subset (<b>, <i>,
// <code>) with newlines for line breaks; channels that need full HTML convert it.
type Message struct {
	Subject    string
	Body       string
	HTML       bool
	Attachment *Attachment
	// Recipient overrides the channel's default destination when set.
	Recipient string
}

// Notifier delivers messages to one channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
	Name() string
}

// Multi fans a message out to every channel and reports all failures.
type Multi []Notifier

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, msg Message) error {
	if len(m) == 0 {
		return errors.New("no notification channel configured")
	}
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			log.Error().Err(err).Str("channel", n.Name()).Msg("notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		log.Info().Str("channel", n.Name()).Str("subject", msg.Subject).Msg("notification sent")
	}
	return errors.Join(errs...)
}
