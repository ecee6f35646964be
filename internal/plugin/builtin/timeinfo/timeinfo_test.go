package timeinfo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/voxa-ai/voxa/internal/plugin"
)

func fixedClock() time.Time {
	return time.Date(2025, time.March, 14, 15, 9, 26, 0, time.UTC)
}

func TestCurrentTime_InZone(t *testing.T) {
	t.Parallel()
	desc := NewPlugin(fixedClock)
	handler := desc.Functions[0].Handler

	out, err := handler(context.Background(), plugin.Call{
		UserID: "u1",
		Args:   `{"timezone":"UTC"}`,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	var result struct {
		Time     string `json:"time"`
		Timezone string `json:"timezone"`
		Weekday  string `json:"weekday"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if result.Time != "2025-03-14T15:09:26Z" {
		t.Errorf("Time = %q", result.Time)
	}
	if result.Weekday != "Friday" {
		t.Errorf("Weekday = %q", result.Weekday)
	}
}

func TestCurrentTime_UnknownZone(t *testing.T) {
	t.Parallel()
	desc := NewPlugin(fixedClock)
	handler := desc.Functions[0].Handler

	if _, err := handler(context.Background(), plugin.Call{Args: `{"timezone":"Atlantis/Lost"}`}); err == nil {
		t.Fatal("unknown timezone accepted")
	}
}

func TestCurrentTime_DefaultZone(t *testing.T) {
	t.Parallel()
	desc := NewPlugin(fixedClock)
	handler := desc.Functions[0].Handler

	out, err := handler(context.Background(), plugin.Call{Args: `{}`})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out == "" {
		t.Fatal("empty output")
	}
}
