package models

import "github.com/google/uuid"

// EngineChoice names a route-computation strategy.
type EngineChoice string

const (
	EngineBatchSolver   EngineChoice = "BATCH_SOLVER"
	EngineGreedy        EngineChoice = "GREEDY_NEAREST_NEIGHBOR"
	EngineLocalSearch   EngineChoice = "LOCAL_SEARCH"
	EngineDirectRouting EngineChoice = "DIRECT_ROUTING"
)

// Stop is one location a vehicle has to visit.
type Stop struct {
	ID       uuid.UUID `json:"id"`
	OrderID  uuid.UUID `json:"order_id"`
	Location Location  `json:"location"`
	Demand   float64   `json:"demand"`
}

// Vehicle is a driver as seen by a route engine.
type Vehicle struct {
	ID       uuid.UUID `json:"id"`
	Start    Location  `json:"start"`
	Capacity float64   `json:"capacity"`
}

// VehicleRoute is the ordered stop list of one vehicle.
type VehicleRoute struct {
	VehicleID   uuid.UUID   `json:"vehicle_id"`
	StopIDs     []uuid.UUID `json:"stop_ids"`
	DistanceKm  float64     `json:"distance_km"`
	DurationMin float64     `json:"duration_min"`
	Load        float64     `json:"load"`
}

// EngineFallback records one step down the engine tiers.
type EngineFallback struct {
	From   EngineChoice `json:"from"`
	To     EngineChoice `json:"to"`
	Reason string       `json:"reason"`
}

// RoutePlan is the outcome of planning a set of stops.
type RoutePlan struct {
	Requested       EngineChoice     `json:"requested"`
	Engine          EngineChoice     `json:"engine"`
	Routes          []VehicleRoute   `json:"routes"`
	TotalDistanceKm float64          `json:"total_distance_km"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	Fallbacks       []EngineFallback `json:"fallbacks,omitempty"`
	Degraded        bool             `json:"degraded"`
}

// StopCount returns the number of routed stops across all vehicles.
func (p *RoutePlan) StopCount() int {
	n := 0
	for _, r := range p.Routes {
		n += len(r.StopIDs)
	}
	return n
}
