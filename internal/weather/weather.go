// Package weather looks up current conditions from an Open-Meteo
// compatible forecast API for the situational section of the
// instructions. Results are cached per location.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/companion/internal/buildinfo"
	"github.com/nugget/companion/internal/httpkit"
)

// DefaultCacheTTL is how long a lookup is reused.
const DefaultCacheTTL = 30 * time.Minute

// Client fetches and caches current conditions.
type Client struct {
	baseURL    string
	ttl        time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]entry
}

type entry struct {
	summary string
	fetched time.Time
}

// NewClient creates a client. ttl <= 0 uses [DefaultCacheTTL]. contact,
// when set, is added to the User-Agent as public forecast services ask.
func NewClient(baseURL string, ttl time.Duration, contact string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	logger = logger.With("component", "weather")
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithUserAgent(userAgent(contact)),
			httpkit.WithRetry(1, time.Second),
			httpkit.WithRateLimit(1, 5),
			httpkit.WithLogger(logger),
		),
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]entry),
	}
}

func userAgent(contact string) string {
	if contact == "" {
		return buildinfo.UserAgent()
	}
	return buildinfo.UserAgent() + " (+" + contact + ")"
}

type forecastResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		WeatherCode int     `json:"weather_code"`
		WindSpeed   float64 `json:"wind_speed_10m"`
	} `json:"current"`
	CurrentUnits struct {
		Temperature string `json:"temperature_2m"`
	} `json:"current_units"`
}

// Current returns a short summary like "light rain, 12°C".
func (c *Client) Current(ctx context.Context, latitude, longitude float64) (string, error) {
	key := cacheKey(latitude, longitude)

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && c.now().Sub(e.fetched) < c.ttl {
		c.mu.Unlock()
		return e.summary, nil
	}
	c.mu.Unlock()

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(longitude, 'f', 4, 64))
	q.Set("current", "temperature_2m,weather_code,wind_speed_10m")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/forecast?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var fr forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return "", fmt.Errorf("decode forecast: %w", err)
	}
	summary := Summarize(fr.Current.WeatherCode, fr.Current.Temperature, fr.CurrentUnits.Temperature, fr.Current.WindSpeed)

	c.mu.Lock()
	c.cache[key] = entry{summary: summary, fetched: c.now()}
	c.mu.Unlock()

	c.logger.Debug("weather fetched", "location", key, "summary", summary)
	return summary, nil
}

// cacheKey rounds to about a kilometre so nearby lookups share an entry.
func cacheKey(latitude, longitude float64) string {
	r := func(v float64) float64 { return math.Round(v*100) / 100 }
	return fmt.Sprintf("%.2f,%.2f", r(latitude), r(longitude))
}

// Summarize renders a WMO weather code and temperature as prose.
func Summarize(code int, temperature float64, unit string, windKPH float64) string {
	if unit == "" {
		unit = "°C"
	}
	s := fmt.Sprintf("%s, %.0f%s", Describe(code), temperature, unit)
	if windKPH >= 40 {
		s += ", windy"
	}
	return s
}

// Describe maps a WMO weather interpretation code to words.
func Describe(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 2:
		return "partly cloudy"
	case code == 3:
		return "overcast"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code == 61 || code == 80:
		return "light rain"
	case code == 63 || code == 81:
		return "rain"
	case code == 65 || code == 82:
		return "heavy rain"
	case code == 66 || code == 67:
		return "freezing rain"
	case code >= 71 && code <= 77, code == 85 || code == 86:
		return "snow"
	case code >= 95:
		return "thunderstorms"
	default:
		return "unsettled weather"
	}
}
