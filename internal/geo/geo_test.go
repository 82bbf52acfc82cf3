package geo

import (
	"math"
	"testing"

	"dispatch-system/internal/models"
)

func TestHaversineKm(t *testing.T) {
	riyadh := models.Location{Lat: 24.7136, Lon: 46.6753}
	jeddah := models.Location{Lat: 21.4858, Lon: 39.1925}

	d := HaversineKm(riyadh, jeddah)
	if d < 840 || d > 860 {
		t.Errorf("Riyadh -> Jeddah = %.1f km, want about 850 km", d)
	}

	if got := HaversineKm(riyadh, riyadh); got != 0 {
		t.Errorf("same point distance = %v, want 0", got)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := models.Location{Lat: 24.70, Lon: 46.60}
	b := models.Location{Lat: 24.75, Lon: 46.70}

	if math.Abs(HaversineKm(a, b)-HaversineKm(b, a)) > 1e-9 {
		t.Error("haversine is not symmetric")
	}
}

func TestRouteDistanceKm(t *testing.T) {
	a := models.Location{Lat: 24.70, Lon: 46.60}
	b := models.Location{Lat: 24.71, Lon: 46.60}
	c := models.Location{Lat: 24.72, Lon: 46.60}

	total := RouteDistanceKm([]models.Location{a, b, c})
	direct := HaversineKm(a, c)
	if math.Abs(total-direct) > 0.01 {
		t.Errorf("collinear route = %.3f, direct = %.3f", total, direct)
	}
	if RouteDistanceKm(nil) != 0 || RouteDistanceKm([]models.Location{a}) != 0 {
		t.Error("empty or single-point route should be 0")
	}
}

func TestEstimateTimeMinutes(t *testing.T) {
	a := models.Location{Lat: 24.70, Lon: 46.60}
	b := models.Location{Lat: 24.70 + 15.0/111.2, Lon: 46.60}

	// ~15 km at 30 km/h
	if got := EstimateTimeMinutes(a, b); math.Abs(got-30) > 1 {
		t.Errorf("EstimateTimeMinutes = %.2f, want about 30", got)
	}
}

func TestCentroid(t *testing.T) {
	pts := []models.Location{{Lat: 1, Lon: 1}, {Lat: 3, Lon: 5}}
	c := Centroid(pts)
	if c.Lat != 2 || c.Lon != 3 {
		t.Errorf("Centroid = %+v, want {2 3}", c)
	}
	if (Centroid(nil) != models.Location{}) {
		t.Error("Centroid(nil) should be zero")
	}
}
