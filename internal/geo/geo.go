package geo

import "math"

// Conversion factors
const (
	EarthRadiusKm   = 6371.0
	MetersPerFoot   = 0.3048
	KmPerNM         = 1.852
	MetersPerNM     = 1852.0
	FeetPerMeter    = 3.28084
	degreesToRadian = math.Pi / 180.0
)

// Point is a WGS84 position.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// HaversineKm returns the great-circle distance in kilometres between two
// lat/lon points.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * degreesToRadian
	lat2Rad := lat2 * degreesToRadian
	dlat := (lat2 - lat1) * degreesToRadian
	dlon := (lon2 - lon1) * degreesToRadian

	a := math.Pow(math.Sin(dlat/2), 2) + math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Pow(math.Sin(dlon/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// Distance returns the great-circle distance in kilometres to q.
func (p Point) Distance(q Point) float64 {
	return HaversineKm(p.Lat, p.Lon, q.Lat, q.Lon)
}

// FeetToMeters converts feet to meters
func FeetToMeters(feet float64) float64 {
	return feet * MetersPerFoot
}

// MetersToFeet converts meters to feet
func MetersToFeet(meters float64) float64 {
	return meters * FeetPerMeter
}

// KmToNM converts kilometres to nautical miles
func KmToNM(km float64) float64 {
	return km / KmPerNM
}

// AltitudeAGLMeters converts a barometric altitude in feet into meters above
// a reference elevation given in feet.
func AltitudeAGLMeters(altitudeFt, elevationFt float64) float64 {
	return FeetToMeters(altitudeFt) - FeetToMeters(elevationFt)
}

// ValidLatLon reports whether lat/lon are finite and within WGS84 bounds.
func ValidLatLon(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
