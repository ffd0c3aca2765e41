package cache

import (
	"hash/fnv"

	"github.com/zx6217/geminirelay/pkg/transform"
)

// Fingerprint hashes the model plus the tail of the conversation into a
// 64-bit cache key, walking the last depth messages newest-first. A
// depth of zero or less hashes the whole conversation (precise mode).
// Image parts contribute the first 32 bytes of their data URI so large
// payloads stay cheap to key.
func Fingerprint(model string, msgs []transform.Message, depth int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(model))
	start := 0
	if depth > 0 && len(msgs) > depth {
		start = len(msgs) - depth
	}
	for i := len(msgs) - 1; i >= start; i-- {
		m := msgs[i]
		h.Write([]byte{0xff})
		h.Write([]byte(m.Role))
		parts, err := m.ContentParts()
		if err != nil {
			// unparseable content still keys stably on its raw bytes
			h.Write(m.Content)
			continue
		}
		for _, p := range parts {
			if p.IsImage() {
				h.Write([]byte{'i'})
				u := p.ImageURL
				if len(u) > 32 {
					u = u[:32]
				}
				h.Write([]byte(u))
				continue
			}
			h.Write([]byte{'t'})
			h.Write([]byte(p.Text))
		}
	}
	return h.Sum64()
}
