// Package timeinfo provides the built-in "timeinfo" plugin.
//
// One tool is exported via [NewPlugin]:
//   - "current_time" — the current date and time, optionally in a named
//     IANA time zone.
package timeinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voxa-ai/voxa/internal/plugin"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

// currentTimeArgs is the JSON-decoded input for the "current_time" tool.
type currentTimeArgs struct {
	// Timezone is an optional IANA zone name such as "Europe/Warsaw".
	// Empty uses the server's local zone.
	Timezone string `json:"timezone,omitempty"`
}

// currentTimeResult is the JSON-encoded output of the "current_time" tool.
type currentTimeResult struct {
	// Time is the RFC 3339 timestamp in the requested zone.
	Time string `json:"time"`

	// Timezone is the resolved zone name.
	Timezone string `json:"timezone"`

	// Weekday is the English weekday name.
	Weekday string `json:"weekday"`
}

// NewPlugin builds the timeinfo plugin descriptor. now is the clock; pass
// nil for [time.Now].
func NewPlugin(now func() time.Time) plugin.Descriptor {
	if now == nil {
		now = time.Now
	}

	return plugin.Descriptor{
		Name:        "timeinfo",
		Version:     "1.0.0",
		Description: "Tells the current date and time in any time zone.",
		Functions: []plugin.Function{
			{
				Definition: llm.ToolDefinition{
					Name:        "current_time",
					Description: "Get the current date and time. Optionally pass an IANA timezone name such as Europe/Warsaw or America/New_York.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"timezone": map[string]any{
								"type":        "string",
								"description": "IANA timezone name. Omit for the assistant's local zone.",
							},
						},
					},
				},
				Handler: func(_ context.Context, call plugin.Call) (string, error) {
					var a currentTimeArgs
					if err := json.Unmarshal([]byte(call.Args), &a); err != nil {
						return "", fmt.Errorf("timeinfo: parse arguments: %w", err)
					}

					loc := time.Local
					if a.Timezone != "" {
						var err error
						loc, err = time.LoadLocation(a.Timezone)
						if err != nil {
							return "", fmt.Errorf("timeinfo: unknown timezone %q", a.Timezone)
						}
					}

					t := now().In(loc)
					out, err := json.Marshal(currentTimeResult{
						Time:     t.Format(time.RFC3339),
						Timezone: loc.String(),
						Weekday:  t.Weekday().String(),
					})
					if err != nil {
						return "", fmt.Errorf("timeinfo: encode result: %w", err)
					}
					return string(out), nil
				},
			},
		},
	}
}
