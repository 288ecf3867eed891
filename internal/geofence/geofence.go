// Package geofence decides whether a coordinate lies inside an allowed area.
package geofence

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// edgeTolerance is the cross-product slack used when deciding that a point
// lies on an edge. Degrees squared; about a millimetre at campus scale.
const edgeTolerance = 1e-12

// Point is a planar position with X = longitude and Y = latitude.
type Point struct {
	X float64 `json:"lon"`
	Y float64 `json:"lat"`
}

// FromLatLon builds a Point from latitude/longitude order.
func FromLatLon(lat, lon float64) Point {
	return Point{X: lon, Y: lat}
}

// Polygon is a closed ring of (longitude, latitude) vertices. The closing edge
// from the last vertex back to the first is implicit.
type Polygon []Point

// ErrTooFewVertices is returned for rings that cannot enclose an area.
var ErrTooFewVertices = errors.New("polygon needs at least 3 vertices")

// PolygonFromLatLon converts (lat, lon) pairs into a (lon, lat) ring.
func PolygonFromLatLon(pairs [][2]float64) (Polygon, error) {
	if len(pairs) < 3 {
		return nil, ErrTooFewVertices
	}
	poly := make(Polygon, 0, len(pairs))
	for i, p := range pairs {
		if !validLat(p[0]) || !validLon(p[1]) {
			return nil, fmt.Errorf("vertex %d out of range: (%v, %v)", i, p[0], p[1])
		}
		poly = append(poly, FromLatLon(p[0], p[1]))
	}
	// A repeated closing vertex is accepted and dropped.
	if len(poly) > 3 && poly[0] == poly[len(poly)-1] {
		poly = poly[:len(poly)-1]
	}
	return poly, nil
}

// Contains reports whether pt lies inside polygon or on its boundary.
func Contains(pt Point, polygon Polygon) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := polygon[j], polygon[i]
		if onSegment(pt, a, b) {
			return true
		}
		// Ray casting towards +X; half-open rule on Y avoids double counting vertices.
		if (b.Y > pt.Y) != (a.Y > pt.Y) {
			xCross := (a.X-b.X)*(pt.Y-b.Y)/(a.Y-b.Y) + b.X
			if pt.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(p, a, b Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if math.Abs(cross) > edgeTolerance {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-edgeTolerance && p.X <= math.Max(a.X, b.X)+edgeTolerance &&
		p.Y >= math.Min(a.Y, b.Y)-edgeTolerance && p.Y <= math.Max(a.Y, b.Y)+edgeTolerance
}

// ParseCoordinate parses stored latitude/longitude text. Empty values and
// values outside the valid range are rejected.
func ParseCoordinate(lat, lon string) (Point, error) {
	lat, lon = strings.TrimSpace(lat), strings.TrimSpace(lon)
	if lat == "" || lon == "" {
		return Point{}, errors.New("coordinate missing")
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return Point{}, fmt.Errorf("parse latitude: %w", err)
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return Point{}, fmt.Errorf("parse longitude: %w", err)
	}
	if !validLat(la) || !validLon(lo) {
		return Point{}, fmt.Errorf("coordinate out of range: (%v, %v)", la, lo)
	}
	return FromLatLon(la, lo), nil
}

func validLat(v float64) bool { return !math.IsNaN(v) && v >= -90 && v <= 90 }
func validLon(v float64) bool { return !math.IsNaN(v) && v >= -180 && v <= 180 }
