package models

// Location is a WGS-84 coordinate.
type Location struct {
	Lat float64 `json:"lat" db:"lat"`
	Lon float64 `json:"lon" db:"lon"`
}
