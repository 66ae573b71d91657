// v0
// internal/analytics/forecast.go
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"nrgchamp/floorctl/internal/circuitbreaker"
)

// Forecaster predicts the next peak load of a window in kW.
type Forecaster interface {
	PredictPeak(ctx context.Context, gateway string, window []PowerPoint) (float64, error)
}

// PowerPoint is one resampled power reading handed to a forecaster.
type PowerPoint struct {
	Time    time.Time `json:"t"`
	PowerKW float64   `json:"power_kw"`
}

type forecastRequest struct {
	Gateway string       `json:"gateway"`
	Points  []PowerPoint `json:"points"`
}

type forecastResponse struct {
	PeakKW *float64 `json:"peak_kw"`
}

// HTTPForecaster posts the window to an external model service.
type HTTPForecaster struct {
	url    string
	client *circuitbreaker.HTTPClient
}

// NewHTTPForecaster guards calls to url with a circuit breaker.
func NewHTTPForecaster(url string, cfg circuitbreaker.Config, timeout time.Duration) *HTTPForecaster {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPForecaster{
		url:    url,
		client: circuitbreaker.NewHTTPClient("forecast", cfg, "", &http.Client{Timeout: timeout}),
	}
}

// Breaker exposes the guard for state metrics.
func (f *HTTPForecaster) Breaker() *circuitbreaker.Breaker { return f.client.Breaker() }

// PredictPeak implements Forecaster.
func (f *HTTPForecaster) PredictPeak(ctx context.Context, gateway string, window []PowerPoint) (float64, error) {
	body, err := json.Marshal(forecastRequest{Gateway: gateway, Points: window})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("forecast request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("forecast status %d", resp.StatusCode)
	}
	var out forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("forecast decode: %w", err)
	}
	if out.PeakKW == nil || math.IsNaN(*out.PeakKW) {
		return 0, errors.New("forecast response without peak_kw")
	}
	return *out.PeakKW, nil
}
