package transcript

import (
	"strings"
	"testing"
	"time"
)

const sampleJSONL = `{"sessionId":"11111111-2222-3333-4444-555555555555","type":"user","cwd":"/home/u/proj","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":"how do I paginate results"}}
{"sessionId":"11111111-2222-3333-4444-555555555555","type":"assistant","timestamp":"2025-06-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"Use a cursor"},{"type":"tool_use","text":""}]}}
{"sessionId":"11111111-2222-3333-4444-555555555555","type":"user","timestamp":"2025-06-01T10:00:10Z","message":{"role":"user","content":"ok"}}
{"sessionId":"11111111-2222-3333-4444-555555555555","type":"user","timestamp":"2025-06-01T10:00:12Z","message":{"role":"user","content":"   "}}
{"sessionId":"11111111-2222-3333-4444-555555555555","type":"system","timestamp":"2025-06-01T10:00:13Z","message":{"role":"system","content":"system prompt text"}}
not json at all
{"sessionId":"11111111-2222-3333-4444-555555555555","type":"assistant","timestamp":"2025-06-01T10:00:20Z","message":{"role":"assistant","content":"Cursors encode the last score and id."}}
`

func parseSample(t *testing.T, n *Normalizer) *ParseResult {
	t.Helper()
	res, err := n.Parse("/tmp/11111111-2222-3333-4444-555555555555.jsonl", strings.NewReader(sampleJSONL))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return res
}

func TestParseNormalizes(t *testing.T) {
	res := parseSample(t, NewNormalizer(16, false))

	if got := len(res.Messages); got != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", got, res.Messages)
	}
	// "ok" ack, whitespace-only, system role, and the malformed line are skipped
	if res.Skipped != 4 {
		t.Errorf("expected 4 skipped, got %d", res.Skipped)
	}
	if res.Meta.SessionID != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("session id: %q", res.Meta.SessionID)
	}
	if res.Meta.Workspace != "/home/u/proj" {
		t.Errorf("workspace: %q", res.Meta.Workspace)
	}
	if res.Meta.Title != "how do I paginate results" {
		t.Errorf("title: %q", res.Meta.Title)
	}
	if res.Meta.MessageCount != 3 {
		t.Errorf("message count: %d", res.Meta.MessageCount)
	}
	if res.Messages[1].Content != "Use a cursor" {
		t.Errorf("block content not flattened: %q", res.Messages[1].Content)
	}
	for _, m := range res.Messages {
		if m.SessionID != res.Meta.SessionID {
			t.Errorf("message missing session id: %+v", m)
		}
		if m.ID == "" || m.ID != m.ContentHash {
			t.Errorf("message id should equal content hash: %+v", m)
		}
		if m.LineNo == 0 {
			t.Errorf("line number not recorded: %+v", m)
		}
	}
}

func TestParseIndexSystemOptIn(t *testing.T) {
	res := parseSample(t, NewNormalizer(16, true))
	var foundSystem bool
	for _, m := range res.Messages {
		if m.Role == RoleSystem {
			foundSystem = true
		}
	}
	if !foundSystem {
		t.Error("system message should be kept when opted in")
	}
}

func TestParseDeterministic(t *testing.T) {
	a := parseSample(t, NewNormalizer(16, false))
	b := parseSample(t, NewNormalizer(16, false))

	if a.Meta.Fingerprint != b.Meta.Fingerprint {
		t.Error("fingerprint should be deterministic")
	}
	for i := range a.Messages {
		if a.Messages[i].ContentHash != b.Messages[i].ContentHash {
			t.Errorf("hash differs at %d", i)
		}
	}
}

func TestHashMessageDistinct(t *testing.T) {
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	base := HashMessage("user", "hello", ts)

	if HashMessage("assistant", "hello", ts) == base {
		t.Error("role must affect the hash")
	}
	if HashMessage("user", "hello!", ts) == base {
		t.Error("content must affect the hash")
	}
	if HashMessage("user", "hello", ts.Add(time.Second)) == base {
		t.Error("timestamp must affect the hash")
	}
	if HashMessage("user", "hello", ts) != base {
		t.Error("hash must be stable")
	}
}

func TestFingerprintPrefix(t *testing.T) {
	hashes := make([]string, 32)
	for i := range hashes {
		hashes[i] = HashMessage("user", strings.Repeat("x", i+1), time.Time{})
	}

	// Only the first N hashes matter.
	fp1 := FingerprintSession(hashes, 16)
	altered := append([]string(nil), hashes...)
	altered[20] = "different"
	if fp1 != FingerprintSession(altered, 16) {
		t.Error("hashes beyond the prefix must not affect the fingerprint")
	}

	altered2 := append([]string(nil), hashes...)
	altered2[3] = "different"
	if fp1 == FingerprintSession(altered2, 16) {
		t.Error("hashes inside the prefix must affect the fingerprint")
	}
}

func TestIsSessionFile(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"11111111-2222-3333-4444-555555555555.jsonl", true},
		{"agent-helper.jsonl", false},
		{"notes.txt", false},
		{"11111111-2222-3333-4444-555555555555.json", false},
	}
	for _, c := range cases {
		if got := IsSessionFile(c.name); got != c.want {
			t.Errorf("IsSessionFile(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}
