package testutil

import (
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// Message builds a minimally complete canonical message for tests. The
// rfc822 id is derived from the provider id so both lookups work.
func Message(id string) *model.Message {
	return &model.Message{
		MessageID:       id,
		RFC822MessageID: id + "@example.com",
		Sender:          model.Address{Name: "Sender", Email: "sender@example.com"},
		Recipients: model.Recipients{
			"to": {{Email: "recipient@example.com"}},
		},
		Labels:    []string{"INBOX"},
		Subject:   "Subject " + id,
		Body:      "body " + id,
		Size:      128,
		Timestamp: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
	}
}
