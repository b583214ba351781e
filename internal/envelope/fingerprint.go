package envelope

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/crypto/blake2b"
)

// Fingerprint computes the deterministic cache key for a request targeted at
// the given agent set. Two semantically identical requests must produce the
// same fingerprint; any material change to text, context or target agents
// must change it.
func (r *Request) Fingerprint(agentIDs []string) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString(normalizeText(r.Text))
	buf.WriteByte('\n')

	// Context keys in sorted order so map iteration order never leaks into
	// the key.
	keys := make([]string, 0, len(r.Context))
	for k := range r.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(r.Context[k])
		buf.WriteByte(';')
	}
	buf.WriteByte('\n')

	ids := make([]string, len(agentIDs))
	copy(ids, agentIDs)
	sort.Strings(ids)
	buf.WriteString(strings.Join(ids, ","))

	sum := blake2b.Sum256(buf.B)
	return hex.EncodeToString(sum[:])
}

// normalizeText canonicalizes user input for fingerprinting: lowercase,
// collapsed whitespace, trailing punctuation stripped.
func normalizeText(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Join(strings.Fields(t), " ")
	return strings.TrimRight(t, "?!.,")
}
