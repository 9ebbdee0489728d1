package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReferences(t *testing.T) {
	tests := []struct {
		name       string
		references string
		inReplyTo  string
		want       []string
	}{
		{
			name: "both absent",
		},
		{
			name:       "single reference",
			references: "<a@example.com>",
			want:       []string{"a@example.com"},
		},
		{
			name:       "ordered chain",
			references: "<a@example.com> <b@example.com> <c@example.com>",
			want:       []string{"a@example.com", "b@example.com", "c@example.com"},
		},
		{
			name:       "arbitrary whitespace between tokens",
			references: "<a@example.com>\n\t  <b@example.com>",
			want:       []string{"a@example.com", "b@example.com"},
		},
		{
			name:       "duplicates keep first occurrence order",
			references: "<a@example.com> <b@example.com> <a@example.com>",
			want:       []string{"a@example.com", "b@example.com"},
		},
		{
			name:       "references authoritative over in-reply-to",
			references: "<a@example.com> <b@example.com>",
			inReplyTo:  "<z@example.com>",
			want:       []string{"a@example.com", "b@example.com"},
		},
		{
			name:      "in-reply-to fallback",
			inReplyTo: "<z@example.com>",
			want:      []string{"z@example.com"},
		},
		{
			name:      "in-reply-to fallback takes only the first token",
			inReplyTo: "<z@example.com> <y@example.com>",
			want:      []string{"z@example.com"},
		},
		{
			name:       "unparsable references falls back",
			references: "   ",
			inReplyTo:  "<z@example.com>",
			want:       []string{"z@example.com"},
		},
		{
			name:       "missing angle brackets degrades to fields",
			references: "a@example.com b@example.com",
			want:       []string{"a@example.com", "b@example.com"},
		},
		{
			name:       "unterminated bracket is dropped",
			references: "<a@example.com> <b@example",
			want:       []string{"a@example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseReferences(tt.references, tt.inReplyTo)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveTieBreak(t *testing.T) {
	known := map[string]string{
		"x@example.com": "x",
		"y@example.com": "y",
		"z@example.com": "z",
	}

	tests := []struct {
		name       string
		selfID     string
		claims     []string
		wantParent string
		wantEdges  []string
	}{
		{
			name:       "parent is the last known ancestor",
			selfID:     "self",
			claims:     []string{"x@example.com", "y@example.com", "z@example.com"},
			wantParent: "z",
			wantEdges:  []string{"x", "y", "z"},
		},
		{
			name:       "unknown ancestors are skipped",
			selfID:     "self",
			claims:     []string{"x@example.com", "ghost@example.com"},
			wantParent: "x",
			wantEdges:  []string{"x"},
		},
		{
			name:   "nothing known",
			selfID: "self",
			claims: []string{"ghost@example.com"},
		},
		{
			name:       "self reference is dropped",
			selfID:     "x",
			claims:     []string{"x@example.com", "y@example.com"},
			wantParent: "y",
			wantEdges:  []string{"y"},
		},
		{
			name:       "tokens resolving to the same message collapse",
			selfID:     "self",
			claims:     []string{"x@example.com", "x@example.com", "y@example.com"},
			wantParent: "y",
			wantEdges:  []string{"x", "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent, edges := resolve(tt.selfID, tt.claims, known)
			assert.Equal(t, tt.wantParent, parent)
			assert.Equal(t, tt.wantEdges, edges)
		})
	}
}
