// Package transcript parses raw conversation transcript files into
// canonical messages and computes the content hashes and session
// fingerprints the rest of the pipeline keys on.
package transcript

import "time"

// Message is a canonical, immutable transcript message. ID is the hex
// content hash, so identical (role, content, timestamp) triples collapse
// to a single row everywhere downstream.
type Message struct {
	ID          string
	SessionID   string
	Role        string
	Content     string
	Timestamp   time.Time
	ContentHash string
	LineNo      int
}

// SessionMeta describes one transcript file.
type SessionMeta struct {
	SourcePath   string
	SessionID    string // UUID from the file contents or name
	Agent        string // "claude", "codex", ...
	Workspace    string // project working directory
	Title        string // summary or first user message
	Fingerprint  string
	FirstSeen    time.Time
	LastSeen     time.Time
	MessageCount int
}

// ParseResult is the output of normalizing one transcript file.
type ParseResult struct {
	Meta     SessionMeta
	Messages []Message
	Skipped  int // malformed or discarded records
}

// Roles recognized in transcripts.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)
