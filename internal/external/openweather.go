package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pipagent/internal/types"
)

const defaultOpenWeatherBase = "https://api.openweathermap.org"

// maxForecastBody bounds the decoded forecast payload. A 5 day / 3 hour
// forecast is around 16 KB.
const maxForecastBody = 2 << 20

// ErrMissingAPIKey is returned by Forecast when no key is configured.
var ErrMissingAPIKey = errors.New("openweather api key not configured")

// ForecastResponse is the subset of the /data/2.5/forecast payload the
// insight provider reads.
type ForecastResponse struct {
	List []ForecastEntry `json:"list"`
	City struct {
		Name     string `json:"name"`
		Timezone int    `json:"timezone"`
	} `json:"city"`
}

// ForecastEntry is one 3-hour step. Pointer fields distinguish absent values
// from zero.
type ForecastEntry struct {
	Dt    int64  `json:"dt"`
	DtTxt string `json:"dt_txt"`
	Main  struct {
		Temp    *float64 `json:"temp"`
		TempMin *float64 `json:"temp_min"`
		TempMax *float64 `json:"temp_max"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed *float64 `json:"speed"`
		Gust  *float64 `json:"gust"`
	} `json:"wind"`
	Rain *Precipitation `json:"rain,omitempty"`
	Snow *Precipitation `json:"snow,omitempty"`
}

// Precipitation holds the volume for the last 3 hours in mm.
type Precipitation struct {
	ThreeHour float64 `json:"3h"`
}

// OpenWeatherConfig configures NewOpenWeatherClient.
type OpenWeatherConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// OpenWeatherClient fetches city forecasts from OpenWeather.
type OpenWeatherClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewOpenWeatherClient builds a client on a BaseClient named "openweather".
func NewOpenWeatherClient(cfg OpenWeatherConfig, opts ...BaseClientOption) *OpenWeatherClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := NewBaseClient(&http.Client{Timeout: timeout}, "openweather", DefaultRetryPolicy(), "PipAgent/1.0", opts...)
	return NewOpenWeatherClientWithBase(base, cfg)
}

// NewOpenWeatherClientWithBase uses a pre-built BaseClient.
func NewOpenWeatherClientWithBase(base *BaseClient, cfg OpenWeatherConfig) *OpenWeatherClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenWeatherBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenWeatherClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// Configured reports whether an API key is set.
func (c *OpenWeatherClient) Configured() bool {
	return c.apiKey != ""
}

// Forecast returns the 5 day / 3 hour forecast for city in metric units.
func (c *OpenWeatherClient) Forecast(ctx context.Context, city string) (*ForecastResponse, error) {
	if !c.Configured() {
		return nil, ErrMissingAPIKey
	}

	q := url.Values{}
	q.Set("q", city)
	q.Set("units", "metric")
	q.Set("appid", c.apiKey)
	endpoint := c.baseURL + "/data/2.5/forecast?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build forecast request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.WarnContext(ctx, "forecast request rejected",
			"city", city,
			"status", resp.StatusCode,
			"body", string(snippet),
		)
		return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamWeather,
			fmt.Sprintf("forecast request returned %d", resp.StatusCode), nil,
			map[string]any{"status": resp.StatusCode})
	}

	var out ForecastResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxForecastBody)).Decode(&out); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "failed to decode forecast response", err)
	}
	return &out, nil
}
