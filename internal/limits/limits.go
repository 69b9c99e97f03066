// Package limits captures the producer's self-reported quota usage and turns
// it into limits snapshots. Capture is best-effort: the desktop app may not
// be installed or logged in, and every failure here is something the caller
// logs and skips, never a reason to stop ingesting.
package limits

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/janekbaraniewski/usagevault/internal/storage"
)

const defaultBaseURL = "https://claude.ai"

// usageResponse is the producer's quota endpoint payload. Buckets we do not
// track are ignored.
type usageResponse struct {
	FiveHour     *usageBucket `json:"five_hour"`
	SevenDay     *usageBucket `json:"seven_day"`
	SevenDayOpus *usageBucket `json:"seven_day_opus"`
}

type usageBucket struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    string  `json:"resets_at"`
}

// MapBuckets converts an API payload into snapshots, one per present bucket.
// The bucket-to-scope mapping is the only place the vendor's window names
// appear.
func MapBuckets(resp usageResponse, capturedAt time.Time) []storage.LimitsSnapshot {
	pairs := []struct {
		bucket *usageBucket
		scope  storage.LimitScope
	}{
		{resp.FiveHour, storage.ScopeSession},
		{resp.SevenDay, storage.ScopeWeekly},
		{resp.SevenDayOpus, storage.ScopeWeeklyOpus},
	}

	var out []storage.LimitsSnapshot
	for _, pair := range pairs {
		if pair.bucket == nil {
			continue
		}
		out = append(out, storage.LimitsSnapshot{
			Scope:       pair.scope,
			CapturedAt:  capturedAt.UTC().Truncate(time.Second),
			PercentUsed: pair.bucket.Utilization,
			ResetAt:     strings.TrimSpace(pair.bucket.ResetsAt),
		})
	}
	return out
}

// Capturer fetches quota usage from the producer's API using the desktop
// app's own session. Construct with NewCapturer; tests swap the fields.
type Capturer struct {
	httpClient  *http.Client
	baseURL     string
	accountPath string
	cookies     func() (map[string]string, error)
	now         func() time.Time
}

func NewCapturer() *Capturer {
	home, _ := os.UserHomeDir()
	return &Capturer{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     defaultBaseURL,
		accountPath: filepath.Join(home, ".claude.json"),
		cookies:     sessionCookies,
		now:         time.Now,
	}
}

// accountFile is the slice of ~/.claude.json we need.
type accountFile struct {
	OAuthAccount struct {
		OrganizationUUID string `json:"organizationUuid"`
	} `json:"oauthAccount"`
}

func (c *Capturer) orgUUID() (string, error) {
	data, err := os.ReadFile(c.accountPath)
	if err != nil {
		return "", fmt.Errorf("limits: read account file: %w", err)
	}
	var acct accountFile
	if err := json.Unmarshal(data, &acct); err != nil {
		return "", fmt.Errorf("limits: parse account file %s: %w", c.accountPath, err)
	}
	uuid := strings.TrimSpace(acct.OAuthAccount.OrganizationUUID)
	if uuid == "" {
		return "", fmt.Errorf("limits: no organization uuid in %s", c.accountPath)
	}
	return uuid, nil
}

// Capture performs one quota read. Every error is recoverable from the
// caller's perspective: log, skip, try again next interval.
func (c *Capturer) Capture(ctx context.Context) ([]storage.LimitsSnapshot, error) {
	uuid, err := c.orgUUID()
	if err != nil {
		return nil, err
	}
	cookies, err := c.cookies()
	if err != nil {
		return nil, fmt.Errorf("limits: session cookies: %w", err)
	}

	resp, err := c.fetchUsage(ctx, uuid, cookies)
	if err != nil {
		return nil, err
	}
	return MapBuckets(*resp, c.now()), nil
}

func (c *Capturer) fetchUsage(ctx context.Context, orgUUID string, cookies map[string]string) (*usageResponse, error) {
	url := fmt.Sprintf("%s/api/organizations/%s/usage", c.baseURL, orgUUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("limits: build usage request: %w", err)
	}

	var cookieParts []string
	for name, value := range cookies {
		cookieParts = append(cookieParts, fmt.Sprintf("%s=%s", name, value))
	}
	req.Header.Set("Cookie", strings.Join(cookieParts, "; "))
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Referer", c.baseURL+"/settings/usage")
	req.Header.Set("anthropic-client-platform", "web_claude_ai")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("limits: usage request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("limits: usage API returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("limits: read usage response: %w", err)
	}
	var usage usageResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		return nil, fmt.Errorf("limits: parse usage response: %w", err)
	}
	return &usage, nil
}
