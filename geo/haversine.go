package geo

import "math"

// earthRadiusMeters is the mean Earth radius used across the pipeline.
const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two
// points. Symmetric within floating error; used by the stop detector's
// spread computation.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// MaxPairwiseDistance returns the maximum Haversine distance between
// any pair of points. O(n²) on a set capped at 50 by callers.
func MaxPairwiseDistance(points []Point) float64 {
	var max float64
	for i := 0; i < len(points); i++ {
		for j := i + 1; j < len(points); j++ {
			d := Haversine(points[i].Lat, points[i].Lng, points[j].Lat, points[j].Lng)
			if d > max {
				max = d
			}
		}
	}
	return max
}
