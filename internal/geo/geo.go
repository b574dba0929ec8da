// Package geo содержит чистую геометрию: расстояние по дуге большого круга.
package geo

import (
	"math"

	"github.com/mmeshcher/wastehub-system/internal/model"
)

// EarthRadiusMeters — радиус Земли в метрах для формулы гаверсинусов.
const EarthRadiusMeters = 6371000.0

// DistanceMeters вычисляет расстояние между двумя точками в метрах
// по формуле гаверсинусов.
func DistanceMeters(a, b model.Location) float64 {
	const degToRad = math.Pi / 180

	dLat := (b.Latitude - a.Latitude) * degToRad
	dLon := (b.Longitude - a.Longitude) * degToRad

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Latitude*degToRad)*math.Cos(b.Latitude*degToRad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}
