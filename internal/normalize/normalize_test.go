package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/provider"
)

func rawMessage() *provider.RawMessage {
	return &provider.RawMessage{
		ProviderID: "m1",
		Header: map[string]string{
			"From":       "Alice Example <Alice@Example.com>",
			"To":         "Bob <bob@example.com>, carol@example.com",
			"Subject":    "Hello",
			"Date":       "Mon, 15 Jan 2024 10:30:00 +0100",
			"Message-ID": "<m1@example.com>",
		},
		Labels:   []string{"INBOX"},
		Size:     2048,
		TextBody: "plain body",
	}
}

func TestMessageNormalizesFields(t *testing.T) {
	msg, err := Message(rawMessage(), provider.KindGmail)
	require.NoError(t, err)

	assert.Equal(t, "m1", msg.MessageID)
	assert.Equal(t, "m1@example.com", msg.RFC822MessageID)
	assert.Equal(t, "Alice Example", msg.Sender.Name)
	assert.Equal(t, "alice@example.com", msg.Sender.Email, "addresses are lowercased")
	assert.Equal(t, "Hello", msg.Subject)
	assert.Equal(t, "plain body", msg.Body)
	assert.Equal(t, int64(2048), msg.Size)

	want := time.Date(2024, 1, 15, 10, 30, 0, 0, time.FixedZone("", 3600))
	assert.True(t, msg.Timestamp.Equal(want))

	to := msg.Recipients["to"]
	require.Len(t, to, 2)
	assert.Equal(t, "bob@example.com", to[0].Email)
	assert.Equal(t, "carol@example.com", to[1].Email)
}

func TestMessageRequiredFields(t *testing.T) {
	t.Run("nil record", func(t *testing.T) {
		_, err := Message(nil, provider.KindGmail)
		assert.True(t, IsError(err))
	})

	t.Run("missing provider id", func(t *testing.T) {
		raw := rawMessage()
		raw.ProviderID = ""
		_, err := Message(raw, provider.KindGmail)
		assert.True(t, IsError(err))
	})

	t.Run("missing timestamp", func(t *testing.T) {
		raw := rawMessage()
		delete(raw.Header, "Date")
		_, err := Message(raw, provider.KindIMAP)
		assert.True(t, IsError(err))
	})

	t.Run("internal date covers missing date header", func(t *testing.T) {
		raw := rawMessage()
		delete(raw.Header, "Date")
		raw.InternalDate = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		msg, err := Message(raw, provider.KindIMAP)
		require.NoError(t, err)
		assert.True(t, msg.Timestamp.Equal(raw.InternalDate))
	})

	t.Run("unparsable date falls back to internal date", func(t *testing.T) {
		raw := rawMessage()
		raw.Header["Date"] = "not a date"
		raw.InternalDate = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		msg, err := Message(raw, provider.KindIMAP)
		require.NoError(t, err)
		assert.True(t, msg.Timestamp.Equal(raw.InternalDate))
	})
}

func TestMessageMissingRFC822ID(t *testing.T) {
	raw := rawMessage()
	delete(raw.Header, "Message-ID")

	msg, err := Message(raw, provider.KindGmail)
	require.NoError(t, err)
	assert.Empty(t, msg.RFC822MessageID)
}

func TestMessageHTMLBodyReduction(t *testing.T) {
	raw := rawMessage()
	raw.TextBody = ""
	raw.HTMLBody = "<html><body><p>Hello <b>world</b></p></body></html>"

	msg, err := Message(raw, provider.KindGmail)
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "Hello world")
	assert.NotContains(t, msg.Body, "<b>")
}

func TestMessageReferences(t *testing.T) {
	raw := rawMessage()
	raw.Header["References"] = "<a@example.com> <b@example.com>"
	raw.Header["In-Reply-To"] = "<b@example.com>"

	msg, err := Message(raw, provider.KindGmail)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, msg.References)
	assert.Equal(t, "<b@example.com>", msg.InReplyTo, "raw header value is preserved")
}

func TestParseAddressListDegraded(t *testing.T) {
	addrs := parseAddressList("Totally,, Broken <<bob@example.com> carol@example.com")
	require.Len(t, addrs, 2)
	assert.Equal(t, "bob@example.com", addrs[0].Email)
	assert.Equal(t, "carol@example.com", addrs[1].Email)
}

func TestDecodeEncodedWordHeaders(t *testing.T) {
	raw := rawMessage()
	raw.Header["Subject"] = "=?UTF-8?Q?Gru=C3=9F?="
	raw.Header["From"] = "=?UTF-8?Q?J=C3=BCrgen?= <j@example.com>"

	msg, err := Message(raw, provider.KindGmail)
	require.NoError(t, err)
	assert.Equal(t, "Gruß", msg.Subject)
	assert.Equal(t, "Jürgen", msg.Sender.Name)
}
