// Package weather asks a forecast service whether a day is a rain day.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Forecast is the part of a provider response the rain-day check needs.
type Forecast struct {
	Zip          string `json:"zip"`
	Date         string `json:"date"`
	RainDay      bool   `json:"rain_day"`
	PrecipChance int    `json:"precip_chance"`
	Summary      string `json:"summary"`
}

// Client calls GET {BaseURL}/forecast?zip=..&date=YYYY-MM-DD and reads a
// Forecast. When the provider leaves rain_day unset, RainThreshold on the
// precipitation chance decides.
type Client struct {
	BaseURL       string
	RainThreshold int
	HTTP          *http.Client
}

func NewClient(baseURL string, rainThreshold int) *Client {
	if rainThreshold <= 0 {
		rainThreshold = 60
	}
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		RainThreshold: rainThreshold,
		HTTP:          &http.Client{Timeout: 15 * time.Second},
	}
}

type forecastResp struct {
	Forecast
	RainDay *bool `json:"rain_day"`
}

func (c *Client) IsRainDay(ctx context.Context, zip string, date time.Time) (Forecast, error) {
	if c.BaseURL == "" {
		return Forecast{}, fmt.Errorf("weather base URL is required")
	}
	q := url.Values{}
	q.Set("zip", zip)
	q.Set("date", date.Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/forecast?"+q.Encode(), nil)
	if err != nil {
		return Forecast{}, fmt.Errorf("failed to create forecast request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Forecast{}, fmt.Errorf("forecast request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Forecast{}, fmt.Errorf("failed to read forecast: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Forecast{}, fmt.Errorf("forecast HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var fr forecastResp
	if err := json.Unmarshal(body, &fr); err != nil {
		return Forecast{}, fmt.Errorf("decode forecast: %w", err)
	}
	f := fr.Forecast
	if fr.RainDay != nil {
		f.RainDay = *fr.RainDay
	} else {
		f.RainDay = f.PrecipChance >= c.RainThreshold
	}
	if f.Zip == "" {
		f.Zip = zip
	}
	if f.Date == "" {
		f.Date = date.Format("2006-01-02")
	}
	return f, nil
}
