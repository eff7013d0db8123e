package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func forecastServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/v1/forecast" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if !strings.Contains(r.URL.Query().Get("current"), "weather_code") {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestCurrent_CachesByLocation(t *testing.T) {
	srv, hits := forecastServer(t, http.StatusOK,
		`{"current":{"temperature_2m":12.4,"weather_code":61,"wind_speed_10m":5},"current_units":{"temperature_2m":"°C"}}`)

	c := NewClient(srv.URL, time.Minute, "", nil)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	got, err := c.Current(ctx, 52.52, 13.41)
	if err != nil {
		t.Fatal(err)
	}
	if got != "light rain, 12°C" {
		t.Errorf("summary = %q", got)
	}

	// A nearby point inside the TTL is served from cache.
	c.Current(ctx, 52.5201, 13.4099)
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}

	now = now.Add(2 * time.Minute)
	c.Current(ctx, 52.52, 13.41)
	if hits.Load() != 2 {
		t.Errorf("hits after expiry = %d, want 2", hits.Load())
	}
}

func TestCurrent_Error(t *testing.T) {
	srv, _ := forecastServer(t, http.StatusBadRequest, `{"reason":"bad latitude"}`)
	c := NewClient(srv.URL, 0, "", nil)
	_, err := c.Current(context.Background(), 999, 0)
	if err == nil || !strings.Contains(err.Error(), "bad latitude") {
		t.Errorf("err = %v", err)
	}
}

func TestCurrent_UserAgent(t *testing.T) {
	tests := []struct {
		name    string
		contact string
		want    string
	}{
		{"default", "", "companion/"},
		{"contact", "ops@example.com", "(+ops@example.com)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ua atomic.Value
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ua.Store(r.Header.Get("User-Agent"))
				w.Write([]byte(`{"current":{"temperature_2m":1,"weather_code":0}}`))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, 0, tt.contact, nil)
			if _, err := c.Current(context.Background(), 1, 2); err != nil {
				t.Fatal(err)
			}
			got, _ := ua.Load().(string)
			if !strings.HasPrefix(got, "companion/") || !strings.Contains(got, tt.want) {
				t.Errorf("User-Agent = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		code int
		temp float64
		unit string
		wind float64
		want string
	}{
		{0, 21.6, "°C", 3, "clear sky, 22°C"},
		{3, 50, "°F", 0, "overcast, 50°F"},
		{95, 18, "", 55, "thunderstorms, 18°C, windy"},
		{73, -2, "°C", 10, "snow, -2°C"},
		{42, 10, "°C", 0, "unsettled weather, 10°C"},
	}
	for _, tt := range tests {
		if got := Summarize(tt.code, tt.temp, tt.unit, tt.wind); got != tt.want {
			t.Errorf("Summarize(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
