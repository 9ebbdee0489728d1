package imap

import (
	"testing"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/provider"
)

func TestMessageRefRoundTrip(t *testing.T) {
	tests := []struct {
		folder string
		uid    goimap.UID
	}{
		{"INBOX", 42},
		{"INBOX.Archive", 1},
		{"Folder:With:Colons", 9999},
	}

	for _, tt := range tests {
		id := encodeRef(tt.folder, tt.uid)
		folder, uid, err := decodeRef(id)
		require.NoError(t, err, id)
		assert.Equal(t, tt.folder, folder)
		assert.Equal(t, tt.uid, uid)
	}
}

func TestDecodeRefMalformed(t *testing.T) {
	for _, id := range []string{"", "INBOX", ":42", "INBOX:notanumber"} {
		_, _, err := decodeRef(id)
		assert.Error(t, err, id)
	}
}

func TestPageTokenRoundTrip(t *testing.T) {
	folderIdx, offset, err := decodePageToken("")
	require.NoError(t, err)
	assert.Zero(t, folderIdx)
	assert.Zero(t, offset)

	folderIdx, offset, err = decodePageToken(encodePageToken(3, 250))
	require.NoError(t, err)
	assert.Equal(t, 3, folderIdx)
	assert.Equal(t, 250, offset)

	for _, token := range []string{"x", "1:y", "z:2"} {
		_, _, err := decodePageToken(token)
		assert.Error(t, err, token)
	}
}

func TestParseRawMessage(t *testing.T) {
	rawBody := []byte("From: Alice <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Hi\r\n" +
		"Date: Mon, 15 Jan 2024 10:30:00 +0000\r\n" +
		"Message-ID: <m1@example.com>\r\n" +
		"In-Reply-To: <root@example.com>\r\n" +
		"References: <root@example.com>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"hello body\r\n")

	raw := &provider.RawMessage{Header: map[string]string{}}
	parseRawMessage(rawBody, raw)

	assert.Equal(t, "<m1@example.com>", raw.Header["Message-ID"])
	assert.Equal(t, "<root@example.com>", raw.Header["In-Reply-To"])
	assert.Equal(t, "<root@example.com>", raw.Header["References"])
	assert.Equal(t, "Hi", raw.Header["Subject"])
	assert.Contains(t, raw.TextBody, "hello body")
	assert.Empty(t, raw.Attachments)
}

func TestParseRawMessageUnparsableFallsBackToPlainText(t *testing.T) {
	raw := &provider.RawMessage{Header: map[string]string{}}
	parseRawMessage([]byte("not a mime message"), raw)
	assert.Equal(t, "not a mime message", raw.TextBody)
}
