package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dispatch-system/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrSolverInfeasible means the solver ran and found no solution.
	ErrSolverInfeasible = errors.New("batch solver found no feasible solution")
	// ErrSolverUnavailable means the solver could not be reached or failed.
	ErrSolverUnavailable = errors.New("batch solver unavailable")
)

// SolverResult is the outcome of one optimisation request.
type SolverResult struct {
	Routes          []models.VehicleRoute
	TotalDistanceKm float64
	ExecutionTimeMs int64
}

// SolverClient calls the external CVRP optimisation service.
type SolverClient struct {
	baseURL    string
	timeLimit  int
	httpClient *http.Client
	now        func() time.Time
}

type solverPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type solverLocation struct {
	ID     string  `json:"id"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Demand int     `json:"demand"`
}

type solverVehicle struct {
	ID       string `json:"id"`
	Capacity int    `json:"capacity"`
}

type solverRequest struct {
	Depot     solverPoint      `json:"depot"`
	Locations []solverLocation `json:"locations"`
	Vehicles  []solverVehicle  `json:"vehicles"`
	TimeLimit int              `json:"time_limit"`
}

type solverStop struct {
	LocationIndex int    `json:"location_index"`
	LocationID    string `json:"location_id"`
	Demand        int    `json:"demand"`
}

type solverRoute struct {
	VehicleID     int          `json:"vehicle_id"`
	Stops         []solverStop `json:"stops"`
	TotalDistance float64      `json:"total_distance"` // metres
	TotalLoad     float64      `json:"total_load"`
}

type solverResponse struct {
	Success bool          `json:"success"`
	Error   string        `json:"error"`
	Routes  []solverRoute `json:"routes"`
}

// NewSolverClient returns a solver client. timeLimit is the number of seconds
// the solver may search; timeout bounds the whole HTTP exchange.
func NewSolverClient(baseURL string, timeLimit int, timeout time.Duration) *SolverClient {
	return &SolverClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		timeLimit: timeLimit,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// Solve routes stops over vehicles starting from depot.
func (c *SolverClient) Solve(ctx context.Context, depot models.Location, stops []models.Stop, vehicles []models.Vehicle) (*SolverResult, error) {
	if len(stops) == 0 || len(vehicles) == 0 {
		return nil, fmt.Errorf("%w: empty stops or vehicles", ErrSolverInfeasible)
	}

	request := solverRequest{
		Depot:     solverPoint{Lat: depot.Lat, Lng: depot.Lon},
		Locations: make([]solverLocation, 0, len(stops)),
		Vehicles:  make([]solverVehicle, 0, len(vehicles)),
		TimeLimit: c.timeLimit,
	}
	for _, s := range stops {
		request.Locations = append(request.Locations, solverLocation{
			ID:     s.ID.String(),
			Lat:    s.Location.Lat,
			Lng:    s.Location.Lon,
			Demand: int(s.Demand + 0.5),
		})
	}
	for _, v := range vehicles {
		request.Vehicles = append(request.Vehicles, solverVehicle{ID: v.ID.String(), Capacity: int(v.Capacity)})
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	start := c.now()
	url := fmt.Sprintf("%s/api/optimize/batch", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSolverUnavailable, err)
	}
	defer response.Body.Close()

	var parsed solverResponse
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: status %d, undecodable body: %v", ErrSolverUnavailable, response.StatusCode, err)
	}
	if !parsed.Success {
		if strings.Contains(strings.ToLower(parsed.Error), "no solution") {
			return nil, fmt.Errorf("%w: %s", ErrSolverInfeasible, parsed.Error)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrSolverUnavailable, response.StatusCode, parsed.Error)
	}

	result := &SolverResult{ExecutionTimeMs: c.now().Sub(start).Milliseconds()}
	for _, r := range parsed.Routes {
		if r.VehicleID < 0 || r.VehicleID >= len(vehicles) {
			return nil, fmt.Errorf("%w: unknown vehicle index %d", ErrSolverUnavailable, r.VehicleID)
		}
		route := models.VehicleRoute{
			VehicleID:  vehicles[r.VehicleID].ID,
			DistanceKm: r.TotalDistance / 1000,
			Load:       r.TotalLoad,
		}
		for _, s := range r.Stops {
			// index 0 is the depot at both ends of the route
			if s.LocationIndex == 0 {
				continue
			}
			if s.LocationIndex > len(stops) {
				return nil, fmt.Errorf("%w: unknown location index %d", ErrSolverUnavailable, s.LocationIndex)
			}
			id := stops[s.LocationIndex-1].ID
			if s.LocationID != "" {
				if parsedID, err := uuid.Parse(s.LocationID); err == nil {
					id = parsedID
				}
			}
			route.StopIDs = append(route.StopIDs, id)
		}
		if len(route.StopIDs) == 0 {
			continue
		}
		result.TotalDistanceKm += route.DistanceKm
		result.Routes = append(result.Routes, route)
	}
	return result, nil
}
