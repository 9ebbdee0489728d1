package thread

import "strings"

// ParseReferences extracts the ordered ancestor identifier sequence a
// message claims to reply to, oldest first.
//
// The References header, when it yields any identifiers, is
// authoritative. In-Reply-To is used only as a fallback single-parent
// hint when References is absent or unparsable. Identifiers are
// deduplicated preserving first occurrence, so the last element of the
// result is the immediate parent candidate.
func ParseReferences(references, inReplyTo string) []string {
	ids := tokenize(references)
	if len(ids) == 0 {
		// In-Reply-To occasionally carries several tokens; only the
		// first is the parent hint.
		if fallback := tokenize(inReplyTo); len(fallback) > 0 {
			ids = fallback[:1]
		}
	}
	return dedupe(ids)
}

// tokenize splits a raw header value into message-id tokens. Tokens
// are angle-bracket delimited per RFC 5322; headers missing brackets
// degrade to whitespace-separated fields.
func tokenize(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	var ids []string
	if strings.Contains(header, "<") {
		rest := header
		for {
			start := strings.IndexByte(rest, '<')
			if start < 0 {
				break
			}
			end := strings.IndexByte(rest[start:], '>')
			if end < 0 {
				break
			}
			id := strings.TrimSpace(rest[start+1 : start+end])
			if id != "" {
				ids = append(ids, id)
			}
			rest = rest[start+end+1:]
		}
		return ids
	}

	for _, field := range strings.Fields(header) {
		id := strings.Trim(field, "<>,;")
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// dedupe removes repeated identifiers, keeping first occurrence order.
func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
