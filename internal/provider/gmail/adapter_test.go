package gmail

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/nhle/mailsync/internal/provider"
)

func TestBuildQuery(t *testing.T) {
	since := time.Unix(1700000000, 0)
	before := time.Unix(1600000000, 0)

	tests := []struct {
		name string
		q    provider.ChangeQuery
		want string
	}{
		{
			name: "full sync has no query",
			q:    provider.ChangeQuery{FullSync: true, Since: since},
			want: "",
		},
		{
			name: "empty window has no query",
			q:    provider.ChangeQuery{},
			want: "",
		},
		{
			name: "since only",
			q:    provider.ChangeQuery{Since: since},
			want: "after:1700000000",
		},
		{
			name: "before only",
			q:    provider.ChangeQuery{Before: before},
			want: "before:1600000000",
		},
		{
			name: "both edges are a union",
			q:    provider.ChangeQuery{Since: since, Before: before},
			want: "after:1700000000 | before:1600000000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildQuery(tt.q))
		})
	}
}

func TestDecodeBase64URL(t *testing.T) {
	// Gmail serves standard and raw URL-safe encodings interchangeably.
	for _, data := range []string{"aGVsbG8=", "aGVsbG8"} {
		got, err := decodeBase64URL(data)
		assert.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)
	}

	_, err := decodeBase64URL("!!!")
	assert.Error(t, err)
}

func TestLabelMapRetriesAfterFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"labels":[{"id":"Label_1","name":"work"}]}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	svc, err := gmailapi.NewService(ctx,
		option.WithEndpoint(srv.URL),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	a := &Adapter{svc: svc}

	_, err = a.labelMap(ctx)
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))

	// The failure must not be cached; the next call lists again.
	labels, err := a.labelMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, "work", labels["Label_1"])
	assert.EqualValues(t, 2, calls.Load())

	// Success is cached.
	_, err = a.labelMap(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}
