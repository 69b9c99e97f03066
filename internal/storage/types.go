package storage

import "time"

// Role classifies a usage record by who produced the logged message.
type Role string

const (
	RoleUserPrompt        Role = "user"
	RoleAssistantResponse Role = "assistant"
	RoleSystem            Role = "system"
)

// UsageRecord is one logged interaction event. Records are created once at
// ingestion time and never mutated; (SessionID, MessageID) is the sole
// deduplication key across every machine writing to a shared database.
type UsageRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	SessionID        string    `json:"session_id"`
	MessageID        string    `json:"message_id"`
	Role             Role      `json:"role"`
	Model            string    `json:"model,omitempty"`
	ProjectPath      string    `json:"project_path"`
	Branch           string    `json:"branch,omitempty"`
	ProducerVersion  string    `json:"producer_version"`
	MachineLabel     string    `json:"machine_label,omitempty"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	CacheWriteTokens int64     `json:"cache_write_tokens"`
	CacheReadTokens  int64     `json:"cache_read_tokens"`
}

// TotalTokens sums the four token categories.
func (r UsageRecord) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens + r.CacheWriteTokens + r.CacheReadTokens
}

// DateKey returns the record's calendar day in loc as YYYY-MM-DD. Activity is
// grouped by the user's local day, not the UTC day the vendor logged.
func (r UsageRecord) DateKey(loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return r.Timestamp.In(loc).Format("2006-01-02")
}

// DailyAggregate is the per-day rollup kept in daily_aggregates. For any date
// that still has stored records the aggregate equals the sum over those
// records; for dates whose source records have aged out of the producer's log
// window it is the only surviving history and must never be recomputed away.
type DailyAggregate struct {
	Date             string    `json:"date"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	CacheWriteTokens int64     `json:"cache_write_tokens"`
	CacheReadTokens  int64     `json:"cache_read_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	PromptCount      int64     `json:"prompt_count"`
	ResponseCount    int64     `json:"response_count"`
	SessionCount     int64     `json:"session_count"`
	ComputedAt       time.Time `json:"computed_at"`
}

// LimitScope names one of the producer's self-reported quota windows.
type LimitScope string

const (
	ScopeSession    LimitScope = "session"
	ScopeWeekly     LimitScope = "weekly"
	ScopeWeeklyOpus LimitScope = "weekly_opus"
)

// KnownScopes lists the scopes the limits refresher captures, in display order.
var KnownScopes = []LimitScope{ScopeSession, ScopeWeekly, ScopeWeeklyOpus}

// LimitsSnapshot is a point-in-time capture of the producer's quota usage.
// Snapshots are append-only; (Scope, CapturedAt) is unique.
type LimitsSnapshot struct {
	Scope       LimitScope `json:"scope"`
	CapturedAt  time.Time  `json:"captured_at"`
	PercentUsed float64    `json:"percent_used"`
	ResetAt     string     `json:"reset_at,omitempty"`
}

// RecordFilter narrows FetchRecords. Zero values mean "no constraint";
// From/To are inclusive YYYY-MM-DD date keys.
type RecordFilter struct {
	From         string
	To           string
	ProjectPath  string
	MachineLabel string
}

// InsertSummary reports the outcome of one insert batch. Duplicates are the
// expected result of two machines re-ingesting overlapping log windows, never
// an error.
type InsertSummary struct {
	Inserted   int
	Duplicates int
	// Dates holds the set of local date keys touched by inserted records,
	// exactly the input UpdateDailyAggregates expects.
	Dates []string
}
