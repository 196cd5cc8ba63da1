package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/marcus/offsync/internal/mutation"
)

// TestFormatTimeAgoJustNow tests times less than a minute ago
func TestFormatTimeAgoJustNow(t *testing.T) {
	now := time.Now()
	tests := []time.Time{
		now,
		now.Add(-30 * time.Second),
		now.Add(-59 * time.Second),
	}

	for _, tm := range tests {
		result := FormatTimeAgo(tm)
		if result != "just now" {
			t.Errorf("FormatTimeAgo(%v) = %q, want 'just now'", tm, result)
		}
	}
}

func TestFormatTimeAgo(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{1 * time.Minute, "1m ago"},
		{30 * time.Minute, "30m ago"},
		{1 * time.Hour, "1h ago"},
		{23 * time.Hour, "23h ago"},
		{24 * time.Hour, "1d ago"},
		{6 * 24 * time.Hour, "6d ago"},
	}

	for _, tc := range tests {
		tm := time.Now().Add(-tc.duration)
		result := FormatTimeAgo(tm)
		if result != tc.expected {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.duration, result, tc.expected)
		}
	}
}

// TestFormatTimeAgoDate tests times 7+ days ago (returns date)
func TestFormatTimeAgoDate(t *testing.T) {
	tm := time.Now().Add(-8 * 24 * time.Hour)
	result := FormatTimeAgo(tm)
	expected := tm.Format("2006-01-02")
	if result != expected {
		t.Errorf("FormatTimeAgo(-8d) = %q, want %q", result, expected)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"a\n  b\tc", 0, "a b c"},
		{"abcdef", 2, "ab"},
		{"héllo wörld", 8, "héllo..."},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestFormatRecord(t *testing.T) {
	rec := &mutation.Record{
		ID:             12,
		Action:         mutation.ActionAddRecord,
		Endpoint:       "/notes",
		Method:         mutation.MethodPost,
		Payload:        json.RawMessage(`{"title":"hello"}`),
		IdempotencyKey: "ofs-abc",
		Metadata:       json.RawMessage(`{"local_id":7}`),
		CreatedAt:      time.Now().Add(-3 * time.Minute),
	}

	short := FormatRecordShort(rec)
	for _, want := range []string{"#12", "POST", "/notes", "add_record", "3m ago"} {
		if !strings.Contains(short, want) {
			t.Errorf("short format missing %q: %s", want, short)
		}
	}

	long := FormatRecordLong(rec, 80)
	for _, want := range []string{"key: ofs-abc", `payload: {"title":"hello"}`, `metadata: {"local_id":7}`} {
		if !strings.Contains(long, want) {
			t.Errorf("long format missing %q: %s", want, long)
		}
	}
	if lines := strings.Count(long, "\n"); lines != 3 {
		t.Errorf("long format has %d newlines, want 3", lines)
	}
}

func TestSectionHeader(t *testing.T) {
	if got := SectionHeader("pending"); got != "\nPENDING:\n" {
		t.Errorf("SectionHeader = %q", got)
	}
}
