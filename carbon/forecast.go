package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"
)

const (
	historyHours  = 24
	forecastHours = 8

	// Waiting for a greener hour is only worth recommending past this.
	greenWindowMinSavingsPct = 3.0
)

// ForecastPoint is one hourly carbon intensity sample, gCO2/kWh.
type ForecastPoint struct {
	Time       time.Time `json:"dt"`
	Intensity  float64   `json:"intensity"`
	IsEstimate bool      `json:"is_estimate"`
}

// GreenWindow names the lowest-intensity hour in the outlook, when running
// then would emit meaningfully less than running now.
type GreenWindow struct {
	Time           time.Time `json:"dt"`
	Intensity      float64   `json:"intensity"`
	MinutesFromNow int       `json:"minutes_from_now"`
	SavingsPct     float64   `json:"savings_pct"`
}

// Forecast is 24 h of hourly intensity history plus an 8 h outlook for one
// grid zone.
type Forecast struct {
	Zone             string          `json:"zone"`
	CurrentIntensity float64         `json:"current_intensity"`
	History          []ForecastPoint `json:"history"`
	Outlook          []ForecastPoint `json:"forecast"`
	GreenWindow      *GreenWindow    `json:"green_window,omitempty"`
	Source           string          `json:"source"`
}

// Daily swing as a fraction of the zone's base intensity. Nuclear and hydro
// grids stay nearly flat; fossil-heavy grids follow demand.
var zoneAmplitude = map[string]float64{
	"FR": 0.12,
	"NO": 0.08,
	"SE": 0.10,
	"DE": 0.30,
	"GB": 0.28,
	"US": 0.25,
}

func amplitude(zone string) float64 {
	if a, ok := zoneAmplitude[zone]; ok {
		return a
	}
	return 0.20
}

// syntheticIntensity models the diurnal demand curve in UTC: a primary peak
// near 07:00, a secondary peak near 18:00, valleys around 03:00 and 14:00,
// plus deterministic micro-noise so same-hour values differ slightly across
// days.
func syntheticIntensity(zone string, t time.Time) float64 {
	t = t.UTC()
	base := FallbackIntensity(zone)
	amp := amplitude(zone)

	h := float64(t.Hour()) + float64(t.Minute())/60
	primary := math.Sin(math.Pi * (h - 7) / 12)
	secondary := math.Sin(math.Pi * (h - 18) / 12)
	factor := 1 + amp*(0.65*primary+0.35*secondary)
	factor = math.Max(0.75, math.Min(1.35, factor))

	seed := (t.Year()*1000 + t.YearDay()*24 + t.Hour()) % 997
	noise := float64(seed*6271%100) / 100 * amp * 0.12

	return math.Round((base*factor+base*noise)*10) / 10
}

// Forecast returns recent hourly intensity and an 8 h outlook for the zone.
// History comes from the Electricity Maps history endpoint when a key is
// configured, otherwise from the synthetic diurnal model. The outlook reuses
// yesterday's same-hour value, which tracks the next day closely on every
// grid type, falling back to the synthetic curve for hours with no sample.
func (c *IntensityClient) Forecast(ctx context.Context, zone string) Forecast {
	return c.forecastAt(ctx, zone, time.Now().UTC())
}

func (c *IntensityClient) forecastAt(ctx context.Context, zone string, now time.Time) Forecast {
	f := Forecast{
		Zone:             zone,
		CurrentIntensity: c.Intensity(ctx, zone),
		Source:           "synthetic_model",
	}

	if c.apiKey != "" {
		if pts, err := c.fetchHistory(ctx, zone); err == nil && len(pts) > 0 {
			f.History = pts
			f.Source = "electricity_maps"
		}
	}
	if f.History == nil {
		for i := 0; i < historyHours; i++ {
			t := now.Add(-time.Duration(historyHours-i) * time.Hour)
			f.History = append(f.History, ForecastPoint{
				Time:       t.Truncate(time.Hour),
				Intensity:  syntheticIntensity(zone, t),
				IsEstimate: true,
			})
		}
	}

	byHour := make(map[int]float64, len(f.History))
	for _, pt := range f.History {
		byHour[pt.Time.UTC().Hour()] = pt.Intensity
	}
	for h := 1; h <= forecastHours; h++ {
		t := now.Add(time.Duration(h) * time.Hour).Truncate(time.Hour)
		intensity, ok := byHour[t.Hour()]
		if !ok {
			intensity = syntheticIntensity(zone, t)
		}
		f.Outlook = append(f.Outlook, ForecastPoint{
			Time:       t,
			Intensity:  intensity,
			IsEstimate: true,
		})
	}

	f.GreenWindow = greenWindow(f.CurrentIntensity, f.Outlook)
	return f
}

func greenWindow(current float64, outlook []ForecastPoint) *GreenWindow {
	if len(outlook) == 0 || current <= 0 {
		return nil
	}
	best := 0
	for i, pt := range outlook {
		if pt.Intensity < outlook[best].Intensity {
			best = i
		}
	}
	savings := (current - outlook[best].Intensity) / current * 100
	if savings <= greenWindowMinSavingsPct {
		return nil
	}
	return &GreenWindow{
		Time:           outlook[best].Time,
		Intensity:      outlook[best].Intensity,
		MinutesFromNow: (best + 1) * 60,
		SavingsPct:     math.Round(savings*10) / 10,
	}
}

func (c *IntensityClient) fetchHistory(ctx context.Context, zone string) ([]ForecastPoint, error) {
	url := fmt.Sprintf("%s/carbon-intensity/history?zone=%s", c.baseURL, zone)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("auth-token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d)", resp.StatusCode)
	}

	var result struct {
		History []struct {
			Datetime        time.Time `json:"datetime"`
			CarbonIntensity float64   `json:"carbonIntensity"`
			IsEstimated     bool      `json:"isEstimated"`
		} `json:"history"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	pts := make([]ForecastPoint, 0, len(result.History))
	for _, pt := range result.History {
		pts = append(pts, ForecastPoint{
			Time:       pt.Datetime.UTC(),
			Intensity:  pt.CarbonIntensity,
			IsEstimate: pt.IsEstimated,
		})
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].Time.Before(pts[j].Time) })
	if len(pts) > historyHours {
		pts = pts[len(pts)-historyHours:]
	}
	return pts, nil
}
