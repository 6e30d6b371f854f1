package search

import (
	"encoding/base64"
	"encoding/json"

	"github.com/cass-search/cass/internal/cerr"
)

// cursor pins enough of the total order to resume it: the sort key of
// the last returned hit plus the generation it was computed against. A
// cursor from an older generation is rejected rather than silently
// resuming a different order.
type cursor struct {
	Score      float64 `json:"s"`
	MessageID  string  `json:"id"`
	Generation uint64  `json:"g"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, cerr.Newf(cerr.UsageError, "malformed cursor")
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, cerr.Newf(cerr.UsageError, "malformed cursor")
	}
	return c, nil
}
