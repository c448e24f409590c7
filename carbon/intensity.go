package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const electricityMapsBaseURL = "https://api.electricitymap.org/v3"

// zoneFallbacks holds 2024 historical average intensity per zone (gCO2/kWh),
// used when the Electricity Maps API is unavailable or unconfigured.
var zoneFallbacks = map[string]float64{
	"FR": 65.0,  // nuclear-dominant
	"DE": 400.0, // coal + renewables mix
	"GB": 225.0, // gas + offshore wind
	"US": 386.0, // mixed grid average
	"NO": 29.0,  // near-100% hydro
	"SE": 42.0,  // hydro + nuclear
	"EU": 295.0, // EU average
}

// FallbackIntensity returns the static per-zone intensity, defaulting to the
// EU average for unknown zones.
func FallbackIntensity(zone string) float64 {
	if v, ok := zoneFallbacks[zone]; ok {
		return v
	}
	return zoneFallbacks["EU"]
}

// IntensityClient resolves a grid zone to its current carbon intensity.
// Results are cached for the configured TTL so repeated runs do not hammer
// the API.
type IntensityClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration

	mu    sync.Mutex
	cache map[string]cachedIntensity
}

type cachedIntensity struct {
	value   float64
	fetched time.Time
}

// IntensityOption configures an IntensityClient.
type IntensityOption func(*IntensityClient)

// WithBaseURL overrides the Electricity Maps endpoint, for tests.
func WithBaseURL(u string) IntensityOption {
	return func(c *IntensityClient) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) IntensityOption {
	return func(c *IntensityClient) { c.httpClient = h }
}

// NewIntensityClient creates a client. An empty apiKey disables API lookups
// entirely; Intensity then always returns the zone fallback.
func NewIntensityClient(apiKey string, opts ...IntensityOption) *IntensityClient {
	c := &IntensityClient{
		apiKey:     apiKey,
		baseURL:    electricityMapsBaseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		ttl:        time.Hour,
		cache:      make(map[string]cachedIntensity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Intensity returns the grid carbon intensity for the zone in gCO2/kWh.
// Never fails: API errors fall back to the static per-zone table.
func (c *IntensityClient) Intensity(ctx context.Context, zone string) float64 {
	c.mu.Lock()
	if cached, ok := c.cache[zone]; ok && time.Since(cached.fetched) < c.ttl {
		c.mu.Unlock()
		return cached.value
	}
	c.mu.Unlock()

	if c.apiKey != "" {
		if v, err := c.fetch(ctx, zone); err == nil {
			c.mu.Lock()
			c.cache[zone] = cachedIntensity{value: v, fetched: time.Now()}
			c.mu.Unlock()
			return v
		}
	}

	return FallbackIntensity(zone)
}

func (c *IntensityClient) fetch(ctx context.Context, zone string) (float64, error) {
	url := fmt.Sprintf("%s/carbon-intensity/latest?zone=%s", c.baseURL, zone)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("auth-token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("API error (status %d)", resp.StatusCode)
	}

	var result struct {
		CarbonIntensity float64 `json:"carbonIntensity"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("parse response: %w", err)
	}
	if result.CarbonIntensity <= 0 {
		return 0, fmt.Errorf("missing carbonIntensity in response")
	}
	return result.CarbonIntensity, nil
}
