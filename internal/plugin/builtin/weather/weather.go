// Package weather provides the built-in "weather" plugin, backed by the
// Open-Meteo public API (no API key required).
//
// One tool is exported via [NewPlugin]:
//   - "get_weather" — current conditions for a named place, resolved
//     through Open-Meteo's geocoding endpoint.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/voxa-ai/voxa/internal/plugin"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

const (
	geocodeURL  = "https://geocoding-api.open-meteo.com/v1/search"
	forecastURL = "https://api.open-meteo.com/v1/forecast"
)

// getWeatherArgs is the JSON-decoded input for the "get_weather" tool.
type getWeatherArgs struct {
	// Location is a place name such as "Warsaw" or "Berlin, Germany".
	Location string `json:"location"`
}

// getWeatherResult is the JSON-encoded output of the "get_weather" tool.
type getWeatherResult struct {
	Location      string  `json:"location"`
	Country       string  `json:"country,omitempty"`
	TemperatureC  float64 `json:"temperature_c"`
	WindSpeedKmh  float64 `json:"wind_speed_kmh"`
	WeatherCode   int     `json:"weather_code"`
	Description   string  `json:"description"`
	ObservationAt string  `json:"observation_at"`
}

// Client fetches weather data. It exists so tests can stub the remote API.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewPlugin builds the weather plugin descriptor. client may be nil, in
// which case a default HTTP client with a 5s timeout is used; the handler
// deadline still applies on top.
func NewPlugin(client Client) plugin.Descriptor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	return plugin.Descriptor{
		Name:        "weather",
		Version:     "1.0.0",
		Description: "Current weather conditions for any place, via Open-Meteo.",
		Functions: []plugin.Function{
			{
				Definition: llm.ToolDefinition{
					Name:        "get_weather",
					Description: "Get the current weather for a place. Pass the place name, optionally with a country, e.g. \"Warsaw\" or \"Springfield, US\".",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"location": map[string]any{
								"type":        "string",
								"description": "Place name to look up.",
							},
						},
						"required": []string{"location"},
					},
				},
				Handler: makeGetWeatherHandler(client),
			},
		},
	}
}

// geocodeResponse is the subset of the geocoding API response we read.
type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

// forecastResponse is the subset of the forecast API response we read.
type forecastResponse struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
		WindSpeed   float64 `json:"windspeed"`
		WeatherCode int     `json:"weathercode"`
		Time        string  `json:"time"`
	} `json:"current_weather"`
}

func makeGetWeatherHandler(client Client) plugin.Handler {
	return func(ctx context.Context, call plugin.Call) (string, error) {
		var a getWeatherArgs
		if err := json.Unmarshal([]byte(call.Args), &a); err != nil {
			return "", fmt.Errorf("weather: parse arguments: %w", err)
		}
		if a.Location == "" {
			return "", fmt.Errorf("weather: location must not be empty")
		}

		var geo geocodeResponse
		q := url.Values{"name": {a.Location}, "count": {"1"}}
		if err := getJSON(ctx, client, geocodeURL+"?"+q.Encode(), &geo); err != nil {
			return "", fmt.Errorf("weather: geocode %q: %w", a.Location, err)
		}
		if len(geo.Results) == 0 {
			return "", fmt.Errorf("weather: unknown place %q", a.Location)
		}
		place := geo.Results[0]

		var fc forecastResponse
		q = url.Values{
			"latitude":        {fmt.Sprintf("%.4f", place.Latitude)},
			"longitude":       {fmt.Sprintf("%.4f", place.Longitude)},
			"current_weather": {"true"},
		}
		if err := getJSON(ctx, client, forecastURL+"?"+q.Encode(), &fc); err != nil {
			return "", fmt.Errorf("weather: forecast for %q: %w", a.Location, err)
		}

		out, err := json.Marshal(getWeatherResult{
			Location:      place.Name,
			Country:       place.Country,
			TemperatureC:  fc.CurrentWeather.Temperature,
			WindSpeedKmh:  fc.CurrentWeather.WindSpeed,
			WeatherCode:   fc.CurrentWeather.WeatherCode,
			Description:   describeWeatherCode(fc.CurrentWeather.WeatherCode),
			ObservationAt: fc.CurrentWeather.Time,
		})
		if err != nil {
			return "", fmt.Errorf("weather: encode result: %w", err)
		}
		return string(out), nil
	}
}

// getJSON performs a GET request and decodes the JSON body into v.
func getJSON(ctx context.Context, client Client, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// describeWeatherCode maps WMO weather interpretation codes to short
// human-readable descriptions.
func describeWeatherCode(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 3:
		return "partly cloudy"
	case code <= 48:
		return "fog"
	case code <= 57:
		return "drizzle"
	case code <= 67:
		return "rain"
	case code <= 77:
		return "snow"
	case code <= 82:
		return "rain showers"
	case code <= 86:
		return "snow showers"
	case code <= 99:
		return "thunderstorm"
	default:
		return "unknown"
	}
}
