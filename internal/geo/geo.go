// Package geo holds the great-circle helpers used for candidate filtering and
// the in-process route heuristics. Road distances come from the routing provider.
package geo

import (
	"math"

	"dispatch-system/internal/models"
)

const (
	// EarthRadiusKm is the mean radius of Earth in kilometers.
	EarthRadiusKm = 6371.0

	// AverageSpeedKmph is the city speed assumed when no provider estimate exists.
	AverageSpeedKmph = 30.0
)

// HaversineKm returns the great-circle distance between two points in kilometers.
func HaversineKm(a, b models.Location) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLon := degToRad(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLon*sinLon

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// RouteDistanceKm returns the length of an ordered path.
func RouteDistanceKm(route []models.Location) float64 {
	total := 0.0
	for i := 0; i < len(route)-1; i++ {
		total += HaversineKm(route[i], route[i+1])
	}
	return total
}

// EstimateTimeMinutes returns the straight-line travel time at AverageSpeedKmph.
func EstimateTimeMinutes(a, b models.Location) float64 {
	return (HaversineKm(a, b) / AverageSpeedKmph) * 60.0
}

// Centroid returns the arithmetic mean of the points. Adequate for the short
// spans batching works with.
func Centroid(points []models.Location) models.Location {
	if len(points) == 0 {
		return models.Location{}
	}
	var lat, lon float64
	for _, p := range points {
		lat += p.Lat
		lon += p.Lon
	}
	n := float64(len(points))
	return models.Location{Lat: lat / n, Lon: lon / n}
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180.0
}
