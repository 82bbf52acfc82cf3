package services

import (
	"context"
	"errors"
	"math"
	"testing"

	"dispatch-system/internal/logger"
	"dispatch-system/internal/models"
	"dispatch-system/internal/routing"

	"github.com/google/uuid"
)

func stopsAt(points ...models.Location) []models.Stop {
	stops := make([]models.Stop, 0, len(points))
	for _, p := range points {
		id := uuid.New()
		stops = append(stops, models.Stop{ID: id, OrderID: id, Location: p, Demand: 100})
	}
	return stops
}

func routedIDs(plan *models.RoutePlan) map[uuid.UUID]int {
	seen := make(map[uuid.UUID]int)
	for _, r := range plan.Routes {
		for _, id := range r.StopIDs {
			seen[id]++
		}
	}
	return seen
}

func assertEveryStopOnce(t *testing.T, plan *models.RoutePlan, stops []models.Stop) {
	t.Helper()
	seen := routedIDs(plan)
	if len(seen) != len(stops) {
		t.Fatalf("expected %d routed stops, got %d", len(stops), len(seen))
	}
	for _, s := range stops {
		if seen[s.ID] != 1 {
			t.Errorf("stop %s routed %d times", s.ID, seen[s.ID])
		}
	}
}

func TestPlanUrgentUsesGreedy(t *testing.T) {
	planner := NewRoutePlanner(nil, nil, 50, logger.NewNop())
	stops := stopsAt(offset(riyadh, 3, 0), offset(riyadh, 1, 0), offset(riyadh, 2, 0))

	plan, err := planner.Plan(context.Background(), PlanRequest{
		Depot:        riyadh,
		Stops:        stops,
		Vehicles:     []models.Vehicle{{ID: uuid.New(), Capacity: 1000}},
		ServiceClass: models.ServiceClassUrgent,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Engine != models.EngineGreedy || plan.Degraded || len(plan.Fallbacks) != 0 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	route := plan.Routes[0]
	want := []uuid.UUID{stops[1].ID, stops[2].ID, stops[0].ID}
	for i := range want {
		if route.StopIDs[i] != want[i] {
			t.Errorf("position %d: expected nearest-neighbour order", i)
		}
	}
	if plan.TotalDistanceKm <= 2.9 || plan.TotalDistanceKm >= 3.2 {
		t.Errorf("unexpected distance %.3f", plan.TotalDistanceKm)
	}
}

func TestTwoOptRemovesCrossing(t *testing.T) {
	// visiting the far corner first crosses the path
	a := offset(riyadh, 0, 1)
	b := offset(riyadh, 1, 1)
	c := offset(riyadh, 1, 0)
	stops := stopsAt(b, a, c)

	before := pathLength(riyadh, stops)
	improved := twoOpt(riyadh, stops)
	after := pathLength(riyadh, improved)

	if after >= before {
		t.Fatalf("expected 2-opt to shorten %.3f, got %.3f", before, after)
	}
	if len(improved) != len(stops) {
		t.Fatalf("2-opt must keep every stop")
	}
}

func TestPlanLocalSearchSplitsAcrossVehicles(t *testing.T) {
	planner := NewRoutePlanner(nil, nil, 50, logger.NewNop())
	north := offset(riyadh, 5, 0)
	south := offset(riyadh, -5, 0)
	stops := stopsAt(offset(north, 0.5, 0), offset(south, -0.5, 0), offset(north, 1, 0), offset(south, -1, 0))
	vehicles := []models.Vehicle{
		{ID: uuid.New(), Start: north, Capacity: 500},
		{ID: uuid.New(), Start: south, Capacity: 500},
	}

	plan, err := planner.Plan(context.Background(), PlanRequest{
		Depot:            riyadh,
		Stops:            stops,
		Vehicles:         vehicles,
		ServiceClass:     models.ServiceClassStandard,
		PreferEfficiency: true,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Engine != models.EngineLocalSearch {
		t.Fatalf("expected LOCAL_SEARCH, got %s", plan.Engine)
	}
	if len(plan.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(plan.Routes))
	}
	assertEveryStopOnce(t, plan, stops)
	for _, r := range plan.Routes {
		if r.Load > 500 {
			t.Errorf("vehicle %s over capacity: %v", r.VehicleID, r.Load)
		}
	}
}

func TestPlanSolverFallsBackToGreedy(t *testing.T) {
	solver := &fakeSolver{err: routing.ErrSolverUnavailable}
	planner := NewRoutePlanner(solver, nil, 3, logger.NewNop())
	stops := stopsAt(offset(riyadh, 1, 0), offset(riyadh, 2, 0), offset(riyadh, 3, 0))

	plan, err := planner.Plan(context.Background(), PlanRequest{
		Depot:        riyadh,
		Stops:        stops,
		Vehicles:     []models.Vehicle{{ID: uuid.New()}},
		ServiceClass: models.ServiceClassStandard,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if solver.calls != 1 {
		t.Errorf("expected the solver to be tried once, got %d", solver.calls)
	}
	if plan.Requested != models.EngineBatchSolver || plan.Engine != models.EngineGreedy {
		t.Fatalf("expected BATCH_SOLVER -> GREEDY, got %s -> %s", plan.Requested, plan.Engine)
	}
	if len(plan.Fallbacks) != 1 || plan.Fallbacks[0].From != models.EngineBatchSolver || plan.Fallbacks[0].Reason == "" {
		t.Errorf("unexpected fallbacks %+v", plan.Fallbacks)
	}
	assertEveryStopOnce(t, plan, stops)
}

func TestPlanUsesSolverResult(t *testing.T) {
	stops := stopsAt(offset(riyadh, 1, 0), offset(riyadh, 2, 0))
	vehicle := uuid.New()
	solver := &fakeSolver{result: &routing.SolverResult{Routes: []models.VehicleRoute{
		{VehicleID: vehicle, StopIDs: []uuid.UUID{stops[1].ID, stops[0].ID}, DistanceKm: 6},
	}}}
	planner := NewRoutePlanner(solver, nil, 2, logger.NewNop())

	plan, err := planner.Plan(context.Background(), PlanRequest{
		Depot:    riyadh,
		Stops:    stops,
		Vehicles: []models.Vehicle{{ID: vehicle, Capacity: 1000}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Engine != models.EngineBatchSolver || plan.TotalDistanceKm != 6 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if math.Abs(plan.Routes[0].DurationMin-12) > 1e-9 {
		t.Errorf("expected duration estimated at city speed, got %v", plan.Routes[0].DurationMin)
	}
}

func TestPlanSolverDroppingStopsIsAFailure(t *testing.T) {
	stops := stopsAt(offset(riyadh, 1, 0), offset(riyadh, 2, 0))
	solver := &fakeSolver{result: &routing.SolverResult{Routes: []models.VehicleRoute{
		{VehicleID: uuid.New(), StopIDs: []uuid.UUID{stops[0].ID}},
	}}}
	planner := NewRoutePlanner(solver, nil, 2, logger.NewNop())

	plan, err := planner.Plan(context.Background(), PlanRequest{
		Depot:    riyadh,
		Stops:    stops,
		Vehicles: []models.Vehicle{{ID: uuid.New()}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Engine == models.EngineBatchSolver {
		t.Fatalf("solver plan missing a stop must not be accepted")
	}
	assertEveryStopOnce(t, plan, stops)
}

func TestPlanDirectRoutingUsesProvider(t *testing.T) {
	router := &fakeRouter{}
	planner := NewRoutePlanner(nil, router, 50, logger.NewNop())
	stops := stopsAt(offset(riyadh, 2, 0), offset(riyadh, 1, 0))

	plan, err := planner.Plan(context.Background(), PlanRequest{
		Depot:        riyadh,
		Stops:        stops,
		Vehicles:     []models.Vehicle{{ID: uuid.New()}},
		ServiceClass: models.ServiceClassStandard,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Engine != models.EngineDirectRouting || router.calls != 2 {
		t.Fatalf("expected DIRECT_ROUTING with 2 legs, got %s with %d", plan.Engine, router.calls)
	}
	if plan.Routes[0].StopIDs[0] != stops[0].ID {
		t.Errorf("direct routing must keep input order")
	}
}

func TestPlanAllTiersFailKeepsInputOrder(t *testing.T) {
	solver := &fakeSolver{err: routing.ErrSolverInfeasible}
	router := &fakeRouter{err: errors.New("provider down")}
	planner := NewRoutePlanner(solver, router, 2, logger.NewNop())
	stops := stopsAt(offset(riyadh, 3, 0), offset(riyadh, 1, 0), offset(riyadh, 2, 0))

	// 300 kg on a 150 kg vehicle cannot be routed by any tier
	plan, err := planner.Plan(context.Background(), PlanRequest{
		Depot:    riyadh,
		Stops:    stops,
		Vehicles: []models.Vehicle{{ID: uuid.New(), Capacity: 150}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.Degraded {
		t.Fatalf("expected a degraded plan, got %+v", plan)
	}
	if len(plan.Fallbacks) != 3 {
		t.Errorf("expected 3 fallbacks, got %d", len(plan.Fallbacks))
	}
	assertEveryStopOnce(t, plan, stops)
	for i, s := range stops {
		if plan.Routes[0].StopIDs[i] != s.ID {
			t.Errorf("degraded plan must keep input order at %d", i)
		}
	}
}

func TestPlanRejectsEmptyRequest(t *testing.T) {
	planner := NewRoutePlanner(nil, nil, 50, logger.NewNop())
	if _, err := planner.Plan(context.Background(), PlanRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}

	req := PlanRequest{Stops: stopsAt(riyadh), Engine: "TELEPORT"}
	if _, err := planner.Plan(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for an unknown engine, got %v", err)
	}
}
