package logparse

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/janekbaraniewski/usagevault/internal/storage"
)

const assistantLine = `{"type":"assistant","timestamp":"2026-03-10T09:15:00Z","sessionId":"sess-1","uuid":"msg-1","cwd":"/home/dev/proj","gitBranch":"main","version":"1.0.40","message":{"model":"claude-sonnet-4","usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":5,"cache_creation_input_tokens":99,"cache_creation":{"cache_creation_input_tokens":7,"ephemeral_5m_input_tokens":2,"ephemeral_1h_input_tokens":1}}}}`

func TestParseLine_AssistantRecord(t *testing.T) {
	result, ok := ParseLine([]byte(assistantLine)).(Parsed)
	if !ok {
		t.Fatalf("want Parsed, got %T", ParseLine([]byte(assistantLine)))
	}
	rec := result.Record
	if rec.SessionID != "sess-1" || rec.MessageID != "msg-1" {
		t.Fatalf("ids = %q/%q", rec.SessionID, rec.MessageID)
	}
	if rec.Role != storage.RoleAssistantResponse {
		t.Fatalf("role = %q", rec.Role)
	}
	if !rec.Timestamp.Equal(time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", rec.Timestamp)
	}
	if rec.InputTokens != 100 || rec.OutputTokens != 50 || rec.CacheReadTokens != 5 {
		t.Fatalf("tokens = %d/%d/%d", rec.InputTokens, rec.OutputTokens, rec.CacheReadTokens)
	}
	// Nested cache_creation breakdown wins over the flat field: 7+2+1.
	if rec.CacheWriteTokens != 10 {
		t.Fatalf("cache write = %d, want 10", rec.CacheWriteTokens)
	}
	if rec.ProjectPath != "/home/dev/proj" || rec.Branch != "main" || rec.ProducerVersion != "1.0.40" {
		t.Fatalf("metadata = %q/%q/%q", rec.ProjectPath, rec.Branch, rec.ProducerVersion)
	}
}

func TestParseLine_FlatCacheCreationFallback(t *testing.T) {
	line := `{"type":"assistant","timestamp":"2026-03-10T09:15:00Z","sessionId":"s","uuid":"m","message":{"model":"claude-sonnet-4","usage":{"cache_creation_input_tokens":42}}}`
	result, ok := ParseLine([]byte(line)).(Parsed)
	if !ok {
		t.Fatal("want Parsed")
	}
	if result.Record.CacheWriteTokens != 42 {
		t.Fatalf("cache write = %d, want 42", result.Record.CacheWriteTokens)
	}
}

func TestParseLine_UserPromptHasZeroTokens(t *testing.T) {
	line := `{"type":"user","timestamp":"2026-03-10T09:14:00Z","sessionId":"sess-1","uuid":"msg-0","cwd":"/home/dev/proj","version":"1.0.40","message":{"content":"hello"}}`
	result, ok := ParseLine([]byte(line)).(Parsed)
	if !ok {
		t.Fatal("want Parsed")
	}
	if result.Record.Role != storage.RoleUserPrompt {
		t.Fatalf("role = %q", result.Record.Role)
	}
	if result.Record.TotalTokens() != 0 {
		t.Fatalf("user prompt tokens = %d, want 0", result.Record.TotalTokens())
	}
}

func TestParseLine_SkipsAndFailures(t *testing.T) {
	cases := []struct {
		name string
		line string
		want any
	}{
		{"system event", `{"type":"system","timestamp":"2026-03-10T09:00:00Z","sessionId":"s","uuid":"m"}`, Skipped{Reason: SkipNonMessage}},
		{"summary line", `{"type":"summary","summary":"topic"}`, Skipped{Reason: SkipNonMessage}},
		{"synthetic model", `{"type":"assistant","timestamp":"2026-03-10T09:00:00Z","sessionId":"s","uuid":"m","message":{"model":"<synthetic>"}}`, Skipped{Reason: SkipSyntheticModel}},
		{"blank", "   ", Skipped{Reason: SkipBlankLine}},
		{"malformed json", `{"type":"assistant",`, Failed{}},
		{"missing session id", `{"type":"assistant","timestamp":"2026-03-10T09:00:00Z","uuid":"m"}`, Failed{}},
		{"missing uuid", `{"type":"user","timestamp":"2026-03-10T09:00:00Z","sessionId":"s"}`, Failed{}},
		{"missing timestamp", `{"type":"user","sessionId":"s","uuid":"m"}`, Failed{}},
		{"bad timestamp", `{"type":"user","timestamp":"yesterday","sessionId":"s","uuid":"m"}`, Failed{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseLine([]byte(tc.line))
			switch want := tc.want.(type) {
			case Skipped:
				skipped, ok := got.(Skipped)
				if !ok || skipped.Reason != want.Reason {
					t.Fatalf("got %#v, want skip %q", got, want.Reason)
				}
			case Failed:
				failed, ok := got.(Failed)
				if !ok || failed.Err == nil {
					t.Fatalf("got %#v, want failure", got)
				}
			}
		})
	}
}

func TestParseLine_ToleratesSchemaDrift(t *testing.T) {
	line := `{"type":"user","timestamp":"2026-03-10T09:00:00Z","sessionId":"s","uuid":"m","futureField":{"nested":true},"anotherNewThing":[1,2,3]}`
	if _, ok := ParseLine([]byte(line)).(Parsed); !ok {
		t.Fatal("unknown fields must not fail parsing")
	}
}

func TestParseFile_SkipAndContinue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	lines := strings.Join([]string{
		assistantLine,
		`not json at all`,
		`{"type":"system","timestamp":"2026-03-10T09:00:00Z","sessionId":"s","uuid":"m"}`,
		``,
		`{"type":"user","timestamp":"2026-03-10T09:14:00Z","sessionId":"sess-1","uuid":"msg-0"}`,
	}, "\n")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	records, counters, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(records) != 2 || counters.Records != 2 {
		t.Fatalf("records = %d (counter %d), want 2", len(records), counters.Records)
	}
	if counters.Failed != 1 || counters.Skipped != 1 {
		t.Fatalf("failed=%d skipped=%d, want 1/1", counters.Failed, counters.Skipped)
	}
}

func TestParseFiles_UnreadableFileCountsAsFailure(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.jsonl")
	if err := os.WriteFile(good, []byte(assistantLine+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	records, counters := ParseFiles([]string{good, filepath.Join(dir, "missing.jsonl")})
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if counters.Failed != 1 {
		t.Fatalf("failed = %d, want 1", counters.Failed)
	}
}

func TestDiscoverFiles_RecursiveAndSymlinkFree(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "proj-a", "deep")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	real := filepath.Join(nested, "conv.jsonl")
	if err := os.WriteFile(real, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(real, filepath.Join(root, "link.jsonl")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	got := DiscoverFiles([]string{root, filepath.Join(root, "does-not-exist")})
	if len(got) != 1 || got[0] != real {
		t.Fatalf("DiscoverFiles = %v, want only %s", got, real)
	}
}
