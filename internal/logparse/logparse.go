// Package logparse turns producer JSONL session logs into usage records.
//
// Parsing is line-oriented and lossless about outcomes: every line maps to
// exactly one ParseResult variant, and a bad line never aborts the rest of
// the file. Callers switch on the variant type and count what they see.
package logparse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/janekbaraniewski/usagevault/internal/storage"
)

const scannerBufferSize = 8 * 1024 * 1024

// syntheticModel marks internal producer artifacts that carry no real usage.
const syntheticModel = "<synthetic>"

// ParseResult is the outcome of parsing one log line. Exactly one of the
// three variants below implements it.
type ParseResult interface {
	parseResult()
}

// Parsed carries a valid usage record.
type Parsed struct {
	Record storage.UsageRecord
}

// Skipped marks a well-formed line that intentionally produces no record.
type Skipped struct {
	Reason SkipReason
}

// Failed marks a line that could not be parsed. Failures are counted by the
// caller and never abort the file.
type Failed struct {
	Err error
}

func (Parsed) parseResult()  {}
func (Skipped) parseResult() {}
func (Failed) parseResult()  {}

// SkipReason classifies intentional non-records.
type SkipReason string

const (
	SkipBlankLine      SkipReason = "blank_line"
	SkipNonMessage     SkipReason = "non_message"
	SkipSyntheticModel SkipReason = "synthetic_model"
)

// rawLine mirrors the producer's JSONL schema. Unknown fields are ignored so
// vendor schema drift never breaks ingestion.
type rawLine struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	SessionID string      `json:"sessionId"`
	UUID      string      `json:"uuid"`
	CWD       string      `json:"cwd"`
	GitBranch string      `json:"gitBranch"`
	Version   string      `json:"version"`
	Message   *rawMessage `json:"message"`
}

type rawMessage struct {
	Model string    `json:"model"`
	Usage *rawUsage `json:"usage"`
}

type rawUsage struct {
	InputTokens              int64             `json:"input_tokens"`
	OutputTokens             int64             `json:"output_tokens"`
	CacheReadInputTokens     int64             `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64             `json:"cache_creation_input_tokens"`
	CacheCreation            *rawCacheCreation `json:"cache_creation"`
}

type rawCacheCreation struct {
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	Ephemeral5mInputTokens   int64 `json:"ephemeral_5m_input_tokens"`
	Ephemeral1hInputTokens   int64 `json:"ephemeral_1h_input_tokens"`
}

// cacheWriteTokens sums the cache-creation buckets. When the nested breakdown
// is present it is authoritative; the flat field is an older log shape.
func (u *rawUsage) cacheWriteTokens() int64 {
	if u == nil {
		return 0
	}
	if cc := u.CacheCreation; cc != nil {
		return cc.CacheCreationInputTokens + cc.Ephemeral5mInputTokens + cc.Ephemeral1hInputTokens
	}
	return u.CacheCreationInputTokens
}

// ParseLine parses one raw log line. Only user and assistant message lines
// produce records; required fields are session id, message uuid, timestamp,
// and type. Token counts default to zero when absent.
func ParseLine(line []byte) ParseResult {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Skipped{Reason: SkipBlankLine}
	}

	var entry rawLine
	if err := json.Unmarshal([]byte(trimmed), &entry); err != nil {
		return Failed{Err: fmt.Errorf("decode log line: %w", err)}
	}

	role := storage.Role(entry.Type)
	if role != storage.RoleUserPrompt && role != storage.RoleAssistantResponse {
		return Skipped{Reason: SkipNonMessage}
	}

	sessionID := strings.TrimSpace(entry.SessionID)
	messageID := strings.TrimSpace(entry.UUID)
	if sessionID == "" || messageID == "" {
		return Failed{Err: fmt.Errorf("%s line missing session or message id", entry.Type)}
	}
	if strings.TrimSpace(entry.Timestamp) == "" {
		return Failed{Err: fmt.Errorf("%s line missing timestamp", entry.Type)}
	}
	ts, err := time.Parse(time.RFC3339, entry.Timestamp)
	if err != nil {
		return Failed{Err: fmt.Errorf("parse timestamp %q: %w", entry.Timestamp, err)}
	}

	var model string
	var usage *rawUsage
	if entry.Message != nil {
		model = strings.TrimSpace(entry.Message.Model)
		usage = entry.Message.Usage
	}
	if model == syntheticModel {
		return Skipped{Reason: SkipSyntheticModel}
	}

	rec := storage.UsageRecord{
		Timestamp:       ts.UTC(),
		SessionID:       sessionID,
		MessageID:       messageID,
		Role:            role,
		Model:           model,
		ProjectPath:     entry.CWD,
		Branch:          entry.GitBranch,
		ProducerVersion: entry.Version,
	}
	if role == storage.RoleAssistantResponse && usage != nil {
		rec.InputTokens = usage.InputTokens
		rec.OutputTokens = usage.OutputTokens
		rec.CacheReadTokens = usage.CacheReadInputTokens
		rec.CacheWriteTokens = usage.cacheWriteTokens()
	}
	return Parsed{Record: rec}
}

// Counters tallies per-line outcomes across one parsing pass.
type Counters struct {
	Records int
	Skipped int
	Failed  int
}

func (c *Counters) add(other Counters) {
	c.Records += other.Records
	c.Skipped += other.Skipped
	c.Failed += other.Failed
}

// ParseFile parses one JSONL file, skipping over bad lines. The error return
// covers only file-level problems (open or scan failure).
func ParseFile(path string) ([]storage.UsageRecord, Counters, error) {
	var counters Counters

	f, err := os.Open(path)
	if err != nil {
		return nil, counters, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var out []storage.UsageRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 512*1024), scannerBufferSize)

	for scanner.Scan() {
		switch result := ParseLine(scanner.Bytes()).(type) {
		case Parsed:
			counters.Records++
			out = append(out, result.Record)
		case Skipped:
			if result.Reason != SkipBlankLine {
				counters.Skipped++
			}
		case Failed:
			counters.Failed++
		}
	}
	if err := scanner.Err(); err != nil {
		return out, counters, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, counters, nil
}

// ParseFiles parses every file, continuing past unreadable ones. A file that
// cannot be opened counts as one failure.
func ParseFiles(paths []string) ([]storage.UsageRecord, Counters) {
	var all []storage.UsageRecord
	var counters Counters
	for _, path := range paths {
		records, fileCounters, err := ParseFile(path)
		counters.add(fileCounters)
		if err != nil {
			counters.Failed++
		}
		all = append(all, records...)
	}
	return all, counters
}
