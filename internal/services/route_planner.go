package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"dispatch-system/internal/geo"
	"dispatch-system/internal/logger"
	"dispatch-system/internal/metrics"
	"dispatch-system/internal/models"
	"dispatch-system/internal/routing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoVehicles         = errors.New("no vehicles to route")
	ErrCapacityExceeded   = errors.New("stops exceed vehicle capacity")
	ErrRoutingUnavailable = errors.New("routing provider not configured")
)

const maxTwoOptPasses = 100

// PlanRequest describes one routing job. Vehicles start at their Start
// location, or at Depot when Start is zero. A vehicle with Capacity <= 0 is
// not capacity bound.
type PlanRequest struct {
	Depot            models.Location     `json:"depot"`
	Stops            []models.Stop       `json:"stops"`
	Vehicles         []models.Vehicle    `json:"vehicles"`
	ServiceClass     models.ServiceClass `json:"service_class"`
	PreferEfficiency bool                `json:"prefer_efficiency"`
	Engine           models.EngineChoice `json:"engine,omitempty"`
}

// RoutePlanner runs the selected engine and steps down the tiers on failure.
type RoutePlanner struct {
	solver     Solver
	router     RoutingProvider
	largeBatch int
	log        *logrus.Entry
	now        func() time.Time
}

// NewRoutePlanner creates a planner. solver and router may be nil, in which
// case their tiers always fall through.
func NewRoutePlanner(solver Solver, router RoutingProvider, largeBatch int, log *logger.Logger) *RoutePlanner {
	if largeBatch <= 0 {
		largeBatch = DefaultLargeBatchThreshold
	}
	return &RoutePlanner{
		solver:     solver,
		router:     router,
		largeBatch: largeBatch,
		log:        log.Component("route_planner"),
		now:        time.Now,
	}
}

// Plan routes the request. Every stop appears exactly once in the result,
// degraded plans included.
func (p *RoutePlanner) Plan(ctx context.Context, req PlanRequest) (*models.RoutePlan, error) {
	if len(req.Stops) == 0 {
		return nil, fmt.Errorf("%w: no stops to plan", ErrInvalidRequest)
	}

	start := p.now()
	requested := req.Engine
	if requested == "" {
		requested = selectEngine(len(req.Stops), req.ServiceClass, req.PreferEfficiency, p.largeBatch)
	} else if !knownEngine(requested) {
		return nil, fmt.Errorf("%w: unknown engine %q", ErrInvalidRequest, requested)
	}

	plan := &models.RoutePlan{Requested: requested}
	engine := requested
	for {
		routes, err := p.run(ctx, engine, req)
		if err == nil {
			plan.Engine = engine
			plan.Routes = routes
			break
		}

		next, ok := NextEngine(engine)
		if !ok {
			p.log.WithError(err).WithField("stops", len(req.Stops)).Warn("All routing engines failed, keeping input order")
			plan.Engine = engine
			plan.Routes = degradedRoutes(req)
			plan.Degraded = true
			break
		}

		p.log.WithError(err).WithFields(logrus.Fields{
			"from": engine,
			"to":   next,
		}).Info("Routing engine fallback")
		plan.Fallbacks = append(plan.Fallbacks, models.EngineFallback{From: engine, To: next, Reason: err.Error()})
		metrics.RecordEngineFallback(string(engine), string(next))
		engine = next
	}

	for _, r := range plan.Routes {
		plan.TotalDistanceKm += r.DistanceKm
	}
	plan.ExecutionTimeMs = p.now().Sub(start).Milliseconds()

	label := string(plan.Engine)
	if plan.Degraded {
		label = "DEGRADED"
	}
	metrics.RecordRoutePlan(string(requested), label)
	return plan, nil
}

func (p *RoutePlanner) run(ctx context.Context, engine models.EngineChoice, req PlanRequest) ([]models.VehicleRoute, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch engine {
	case models.EngineBatchSolver:
		return p.solve(ctx, req)
	case models.EngineGreedy:
		return greedyRoutes(req)
	case models.EngineLocalSearch:
		return localSearchRoutes(req)
	case models.EngineDirectRouting:
		return p.direct(ctx, req)
	default:
		return nil, fmt.Errorf("unknown engine %q", engine)
	}
}

func (p *RoutePlanner) solve(ctx context.Context, req PlanRequest) ([]models.VehicleRoute, error) {
	if p.solver == nil {
		return nil, routing.ErrSolverUnavailable
	}
	if len(req.Vehicles) == 0 {
		return nil, ErrNoVehicles
	}
	result, err := p.solver.Solve(ctx, req.Depot, req.Stops, req.Vehicles)
	if err != nil {
		return nil, err
	}

	routed := 0
	for i := range result.Routes {
		routed += len(result.Routes[i].StopIDs)
		if result.Routes[i].DurationMin == 0 {
			result.Routes[i].DurationMin = result.Routes[i].DistanceKm / geo.AverageSpeedKmph * 60
		}
	}
	if routed != len(req.Stops) {
		return nil, fmt.Errorf("solver routed %d of %d stops", routed, len(req.Stops))
	}
	return result.Routes, nil
}

// direct sends the first vehicle through the stops in input order, with road
// legs from the routing provider.
func (p *RoutePlanner) direct(ctx context.Context, req PlanRequest) ([]models.VehicleRoute, error) {
	if p.router == nil {
		return nil, ErrRoutingUnavailable
	}
	if len(req.Vehicles) == 0 {
		return nil, ErrNoVehicles
	}
	v := req.Vehicles[0]
	if v.Capacity > 0 && totalDemand(req.Stops) > v.Capacity {
		return nil, ErrCapacityExceeded
	}

	route := models.VehicleRoute{VehicleID: v.ID}
	pos := startOf(v, req.Depot)
	for _, s := range req.Stops {
		leg, err := p.router.Route(ctx, pos, s.Location)
		if err != nil {
			return nil, err
		}
		route.StopIDs = append(route.StopIDs, s.ID)
		route.DistanceKm += leg.DistanceKm
		route.DurationMin += leg.DurationMin
		route.Load += s.Demand
		pos = s.Location
	}
	return []models.VehicleRoute{route}, nil
}

type vehicleState struct {
	vehicle models.Vehicle
	pos     models.Location
	stops   []models.Stop
	load    float64
}

func (v *vehicleState) fits(s models.Stop) bool {
	return v.vehicle.Capacity <= 0 || v.load+s.Demand <= v.vehicle.Capacity
}

func (v *vehicleState) add(s models.Stop) {
	v.stops = append(v.stops, s)
	v.load += s.Demand
	v.pos = s.Location
}

func newVehicleStates(req PlanRequest) []*vehicleState {
	states := make([]*vehicleState, 0, len(req.Vehicles))
	for _, v := range req.Vehicles {
		start := startOf(v, req.Depot)
		states = append(states, &vehicleState{vehicle: v, pos: start})
	}
	return states
}

// greedyRoutes repeatedly moves the vehicle closest to any unrouted stop it
// can still carry to that stop.
func greedyRoutes(req PlanRequest) ([]models.VehicleRoute, error) {
	if len(req.Vehicles) == 0 {
		return nil, ErrNoVehicles
	}
	states := newVehicleStates(req)
	remaining := append([]models.Stop(nil), req.Stops...)

	for len(remaining) > 0 {
		bestV, bestS, bestD := -1, -1, math.Inf(1)
		for vi, st := range states {
			for si, s := range remaining {
				if !st.fits(s) {
					continue
				}
				if d := geo.HaversineKm(st.pos, s.Location); d < bestD {
					bestV, bestS, bestD = vi, si, d
				}
			}
		}
		if bestV < 0 {
			return nil, fmt.Errorf("%w: %d stops left unrouted", ErrCapacityExceeded, len(remaining))
		}
		states[bestV].add(remaining[bestS])
		remaining = append(remaining[:bestS], remaining[bestS+1:]...)
	}
	return collectRoutes(states, req.Depot), nil
}

// localSearchRoutes assigns each stop to the nearest vehicle start with room
// for it, builds a nearest-neighbour tour per vehicle and improves it with 2-opt.
func localSearchRoutes(req PlanRequest) ([]models.VehicleRoute, error) {
	if len(req.Vehicles) == 0 {
		return nil, ErrNoVehicles
	}
	states := newVehicleStates(req)

	for _, s := range req.Stops {
		best, bestD := -1, math.Inf(1)
		for vi, st := range states {
			if !st.fits(s) {
				continue
			}
			if d := geo.HaversineKm(startOf(st.vehicle, req.Depot), s.Location); d < bestD {
				best, bestD = vi, d
			}
		}
		if best < 0 {
			return nil, fmt.Errorf("%w: stop %s does not fit any vehicle", ErrCapacityExceeded, s.ID)
		}
		states[best].stops = append(states[best].stops, s)
		states[best].load += s.Demand
	}

	for _, st := range states {
		start := startOf(st.vehicle, req.Depot)
		st.stops = twoOpt(start, nearestNeighbourOrder(start, st.stops))
	}
	return collectRoutes(states, req.Depot), nil
}

func nearestNeighbourOrder(start models.Location, stops []models.Stop) []models.Stop {
	remaining := append([]models.Stop(nil), stops...)
	ordered := make([]models.Stop, 0, len(stops))
	pos := start
	for len(remaining) > 0 {
		best, bestD := 0, math.Inf(1)
		for i, s := range remaining {
			if d := geo.HaversineKm(pos, s.Location); d < bestD {
				best, bestD = i, d
			}
		}
		ordered = append(ordered, remaining[best])
		pos = remaining[best].Location
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return ordered
}

// twoOpt reverses segments of the open path start -> stops while that
// shortens it.
func twoOpt(start models.Location, stops []models.Stop) []models.Stop {
	if len(stops) < 3 {
		return stops
	}
	best := append([]models.Stop(nil), stops...)
	bestLen := pathLength(start, best)

	for pass := 0; pass < maxTwoOptPasses; pass++ {
		improved := false
		for i := 0; i < len(best)-1; i++ {
			for k := i + 1; k < len(best); k++ {
				candidate := append([]models.Stop(nil), best...)
				for a, b := i, k; a < b; a, b = a+1, b-1 {
					candidate[a], candidate[b] = candidate[b], candidate[a]
				}
				if l := pathLength(start, candidate); l < bestLen-1e-9 {
					best, bestLen = candidate, l
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func pathLength(start models.Location, stops []models.Stop) float64 {
	points := make([]models.Location, 0, len(stops)+1)
	points = append(points, start)
	for _, s := range stops {
		points = append(points, s.Location)
	}
	return geo.RouteDistanceKm(points)
}

func collectRoutes(states []*vehicleState, depot models.Location) []models.VehicleRoute {
	routes := make([]models.VehicleRoute, 0, len(states))
	for _, st := range states {
		if len(st.stops) == 0 {
			continue
		}
		routes = append(routes, straightLineRoute(st.vehicle.ID, startOf(st.vehicle, depot), st.stops))
	}
	return routes
}

func straightLineRoute(vehicleID uuid.UUID, start models.Location, stops []models.Stop) models.VehicleRoute {
	route := models.VehicleRoute{VehicleID: vehicleID}
	for _, s := range stops {
		route.StopIDs = append(route.StopIDs, s.ID)
		route.Load += s.Demand
	}
	route.DistanceKm = pathLength(start, stops)
	route.DurationMin = route.DistanceKm / geo.AverageSpeedKmph * 60
	return route
}

// degradedRoutes keeps input order on the first vehicle so no stop is lost.
func degradedRoutes(req PlanRequest) []models.VehicleRoute {
	var vehicle models.Vehicle
	if len(req.Vehicles) > 0 {
		vehicle = req.Vehicles[0]
	}
	return []models.VehicleRoute{straightLineRoute(vehicle.ID, startOf(vehicle, req.Depot), req.Stops)}
}

func startOf(v models.Vehicle, depot models.Location) models.Location {
	if v.Start == (models.Location{}) {
		return depot
	}
	return v.Start
}

func totalDemand(stops []models.Stop) float64 {
	total := 0.0
	for _, s := range stops {
		total += s.Demand
	}
	return total
}
