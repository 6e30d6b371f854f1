package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// HashMessage returns the hex content hash over (role, content, timestamp).
// Deterministic and collision-resistant: re-ingesting the same file is a
// no-op for every store keyed on it.
func HashMessage(role, content string, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(ts.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintSession folds the first n message hashes into a session
// fingerprint. Two files with the same prefix hashes are treated as the
// same session regardless of path.
func FingerprintSession(hashes []string, n int) string {
	if n <= 0 {
		n = 16
	}
	if len(hashes) > n {
		hashes = hashes[:n]
	}
	h := sha256.New()
	for _, mh := range hashes {
		h.Write([]byte(mh))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func messageHashes(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].ContentHash
	}
	return out
}
