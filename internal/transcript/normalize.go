package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cass-search/cass/internal/logging"
)

var log = logging.ForComponent(logging.CompTranscript)

// Normalizer converts raw JSONL transcript records into canonical messages.
// It is a pure transformation: no side effects, malformed records are
// skipped and counted, never fatal to the batch.
type Normalizer struct {
	// IndexSystem includes system-role content. Off by default.
	IndexSystem bool

	// FingerprintPrefix is how many leading message hashes feed the
	// session fingerprint.
	FingerprintPrefix int
}

// NewNormalizer returns a Normalizer with the given fingerprint prefix
// length (<=0 falls back to 16).
func NewNormalizer(fingerprintPrefix int, indexSystem bool) *Normalizer {
	if fingerprintPrefix <= 0 {
		fingerprintPrefix = 16
	}
	return &Normalizer{IndexSystem: indexSystem, FingerprintPrefix: fingerprintPrefix}
}

// jsonlRecord is one line of a Claude-style transcript file.
type jsonlRecord struct {
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	Timestamp string          `json:"timestamp"`
	CWD       string          `json:"cwd"`
	Summary   string          `json:"summary"`
}

type jsonlMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// toolAckPhrases are short acknowledgment echoes that carry no search value
// and repeat constantly in tool-heavy sessions.
var toolAckPhrases = map[string]struct{}{
	"ok":      {},
	"okay":    {},
	"done":    {},
	"done.":   {},
	"got it":  {},
	"on it":   {},
	"thanks":  {},
	"thanks.": {},
}

// ParseFile normalizes one transcript file.
func (n *Normalizer) ParseFile(path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return n.Parse(path, f)
}

// Parse normalizes transcript records read from r. path is recorded as the
// session source and used to infer the session UUID from the file name.
func (n *Normalizer) Parse(path string, r io.Reader) (*ParseResult, error) {
	res := &ParseResult{
		Meta: SessionMeta{
			SourcePath: path,
			Agent:      "claude",
		},
	}

	sc := bufio.NewScanner(r)
	// Tool outputs can produce very long lines.
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec jsonlRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			res.Skipped++
			continue
		}

		if res.Meta.SessionID == "" && rec.SessionID != "" {
			res.Meta.SessionID = rec.SessionID
		}
		if res.Meta.Workspace == "" && rec.CWD != "" {
			res.Meta.Workspace = rec.CWD
		}
		if res.Meta.Title == "" && rec.Summary != "" {
			res.Meta.Title = rec.Summary
		}

		msg, ok := n.normalizeRecord(&rec)
		if !ok {
			res.Skipped++
			continue
		}
		msg.LineNo = lineNo

		if res.Meta.Title == "" && msg.Role == RoleUser {
			res.Meta.Title = truncate(msg.Content, 200)
		}
		if res.Meta.FirstSeen.IsZero() || msg.Timestamp.Before(res.Meta.FirstSeen) {
			res.Meta.FirstSeen = msg.Timestamp
		}
		if msg.Timestamp.After(res.Meta.LastSeen) {
			res.Meta.LastSeen = msg.Timestamp
		}

		res.Messages = append(res.Messages, msg)
	}
	if err := sc.Err(); err != nil {
		return res, err
	}

	if res.Meta.SessionID == "" {
		res.Meta.SessionID = sessionIDFromPath(path)
	}
	for i := range res.Messages {
		res.Messages[i].SessionID = res.Meta.SessionID
	}
	res.Meta.MessageCount = len(res.Messages)
	res.Meta.Fingerprint = FingerprintSession(messageHashes(res.Messages), n.FingerprintPrefix)

	if res.Skipped > 0 {
		log.Debug("normalize_skipped",
			slog.String("path", path),
			slog.Int("skipped", res.Skipped))
	}
	return res, nil
}

// normalizeRecord yields zero or one canonical message from a raw record.
func (n *Normalizer) normalizeRecord(rec *jsonlRecord) (Message, bool) {
	if len(rec.Message) == 0 {
		return Message{}, false
	}
	var jm jsonlMessage
	if err := json.Unmarshal(rec.Message, &jm); err != nil {
		return Message{}, false
	}

	role := jm.Role
	if role == "" {
		role = rec.Type
	}
	switch role {
	case RoleUser, RoleAssistant:
	case RoleSystem:
		if !n.IndexSystem {
			return Message{}, false
		}
	default:
		return Message{}, false
	}

	content := strings.TrimSpace(extractContentText(jm.Content))
	if content == "" {
		return Message{}, false
	}
	if _, ack := toolAckPhrases[strings.ToLower(content)]; ack {
		return Message{}, false
	}

	ts := parseTimestamp(rec.Timestamp)
	hash := HashMessage(role, content, ts)
	return Message{
		ID:          hash,
		Role:        role,
		Content:     content,
		Timestamp:   ts,
		ContentHash: hash,
	}, true
}

// extractContentText flattens string or block-array content to plain text.
// Tool results and non-text blocks are dropped.
func extractContentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type != "" && b.Type != "text" {
			continue
		}
		if b.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// sessionIDFromPath recovers the session UUID from a UUID-named .jsonl file.
// Files with non-UUID names get a stable id derived from the path.
func sessionIDFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	if _, err := uuid.Parse(base); err == nil {
		return base
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(path)).String()
}

// IsSessionFile reports whether name looks like a UUID-named transcript
// (agent-*.jsonl sidecar files are not sessions).
func IsSessionFile(name string) bool {
	if !strings.HasSuffix(name, ".jsonl") {
		return false
	}
	base := strings.TrimSuffix(filepath.Base(name), ".jsonl")
	_, err := uuid.Parse(base)
	return err == nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
