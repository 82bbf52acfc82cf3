package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dispatch-system/internal/models"
)

// ErrNoRoute is returned when the provider answers but finds no path.
var ErrNoRoute = errors.New("no route between points")

// Route is a point-to-point leg as computed by the routing provider.
type Route struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
	Geometry    string  `json:"geometry,omitempty"`
}

// Client calls an OSRM-compatible routing service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry string  `json:"geometry"`
	} `json:"routes"`
}

// NewClient returns a routing client; every call is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Route returns the driving leg from origin to destination.
func (c *Client) Route(ctx context.Context, origin, destination models.Location) (*Route, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=simplified",
		c.baseURL, origin.Lon, origin.Lat, destination.Lon, destination.Lat)

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("routing provider unreachable: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("routing provider returned %d", response.StatusCode)
	}

	var parsed osrmResponse
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode routing response: %w", err)
	}
	if parsed.Code != "Ok" || len(parsed.Routes) == 0 {
		return nil, fmt.Errorf("%w: provider code %q", ErrNoRoute, parsed.Code)
	}

	best := parsed.Routes[0]
	return &Route{
		DistanceKm:  best.Distance / 1000,
		DurationMin: best.Duration / 60,
		Geometry:    best.Geometry,
	}, nil
}
