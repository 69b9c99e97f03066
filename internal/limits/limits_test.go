package limits

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janekbaraniewski/usagevault/internal/storage"
)

func TestMapBuckets_ScopeMapping(t *testing.T) {
	capturedAt := time.Date(2026, 3, 10, 12, 0, 0, 500, time.UTC)
	resp := usageResponse{
		FiveHour:     &usageBucket{Utilization: 42.5, ResetsAt: "2026-03-10T15:00:00Z"},
		SevenDay:     &usageBucket{Utilization: 80},
		SevenDayOpus: &usageBucket{Utilization: 12.25, ResetsAt: "2026-03-15T00:00:00Z"},
	}

	snaps := MapBuckets(resp, capturedAt)
	if len(snaps) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(snaps))
	}
	want := map[storage.LimitScope]float64{
		storage.ScopeSession:    42.5,
		storage.ScopeWeekly:     80,
		storage.ScopeWeeklyOpus: 12.25,
	}
	for _, snap := range snaps {
		if want[snap.Scope] != snap.PercentUsed {
			t.Fatalf("scope %s percent = %v, want %v", snap.Scope, snap.PercentUsed, want[snap.Scope])
		}
		if !snap.CapturedAt.Equal(capturedAt.Truncate(time.Second)) {
			t.Fatalf("captured at = %v, want second precision", snap.CapturedAt)
		}
	}
}

func TestMapBuckets_MissingBucketsOmitted(t *testing.T) {
	snaps := MapBuckets(usageResponse{SevenDay: &usageBucket{Utilization: 5}}, time.Now())
	if len(snaps) != 1 || snaps[0].Scope != storage.ScopeWeekly {
		t.Fatalf("snapshots = %+v, want only weekly", snaps)
	}
}

func TestCapture_EndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/organizations/org-123/usage" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if cookie := r.Header.Get("Cookie"); cookie != "sessionKey=sk-test" {
			t.Errorf("cookie header = %q", cookie)
		}
		w.Write([]byte(`{"five_hour":{"utilization":33,"resets_at":"2026-03-10T15:00:00Z"},"seven_day_sonnet":{"utilization":99}}`))
	}))
	defer server.Close()

	accountPath := filepath.Join(t.TempDir(), ".claude.json")
	if err := os.WriteFile(accountPath, []byte(`{"oauthAccount":{"organizationUuid":"org-123"}}`), 0o600); err != nil {
		t.Fatalf("write account file: %v", err)
	}

	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	capturer := &Capturer{
		httpClient:  server.Client(),
		baseURL:     server.URL,
		accountPath: accountPath,
		cookies: func() (map[string]string, error) {
			return map[string]string{"sessionKey": "sk-test"}, nil
		},
		now: func() time.Time { return fixed },
	}

	snaps, err := capturer.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	// The untracked seven_day_sonnet bucket is dropped.
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %+v, want one", snaps)
	}
	snap := snaps[0]
	if snap.Scope != storage.ScopeSession || snap.PercentUsed != 33 || !snap.CapturedAt.Equal(fixed) {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCapture_MissingOrgUUIDFails(t *testing.T) {
	accountPath := filepath.Join(t.TempDir(), ".claude.json")
	if err := os.WriteFile(accountPath, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write account file: %v", err)
	}
	capturer := &Capturer{accountPath: accountPath, now: time.Now}
	if _, err := capturer.Capture(context.Background()); err == nil {
		t.Fatal("missing org uuid should fail capture")
	}
}

func encryptChromiumCookie(t *testing.T, value string, key []byte) []byte {
	t.Helper()
	plain := append(make([]byte, 32), []byte(value)...)
	padLen := aes.BlockSize - len(plain)%aes.BlockSize
	for i := 0; i < padLen; i++ {
		plain = append(plain, byte(padLen))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, []byte("                ")).CryptBlocks(out, plain)
	return append([]byte("v10"), out...)
}

func TestDecryptChromiumCookie(t *testing.T) {
	key := []byte("0123456789abcdef")
	encrypted := encryptChromiumCookie(t, "sk-session-value", key)

	got, err := decryptChromiumCookie(encrypted, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "sk-session-value" {
		t.Fatalf("decrypted = %q", got)
	}

	if _, err := decryptChromiumCookie([]byte("v9short"), key); err == nil {
		t.Fatal("wrong version prefix must fail")
	}
	if _, err := decryptChromiumCookie(encrypted[:len(encrypted)-1], key); err == nil {
		t.Fatal("unaligned ciphertext must fail")
	}
}
