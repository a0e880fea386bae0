// Package geometry provides the integer pixel-space primitives used for zone membership.
package geometry

import (
	"errors"
	"fmt"
)

// Point is a pixel coordinate in frame space.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Pt is shorthand for Point{X: x, Y: y}.
func Pt(x, y int) Point {
	return Point{X: x, Y: y}
}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Rect is an axis aligned rectangle with inclusive bounds.
type Rect struct {
	Min Point
	Max Point
}

// In reports whether p lies inside r, boundary included.
func (r Rect) In(p Point) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X && p.Y >= r.Min.Y && p.Y <= r.Max.Y
}

// Polygon is an ordered list of vertices. The closing edge from the last
// vertex back to the first is implicit.
//
// Polygons are expected to be simple (non self-intersecting); Validate
// enforces this at configuration load time.
type Polygon []Point

var (
	ErrTooFewVertices   = errors.New("polygon needs at least 3 vertices")
	ErrDegenerate       = errors.New("polygon has zero area")
	ErrRepeatedVertex   = errors.New("polygon repeats a vertex")
	ErrSelfIntersecting = errors.New("polygon edges intersect")
)

// Validate checks that the polygon is usable for membership tests.
func (poly Polygon) Validate() error {
	n := len(poly)
	if n < 3 {
		return ErrTooFewVertices
	}
	for i := range poly {
		if poly[i] == poly[(i+1)%n] {
			return fmt.Errorf("%w at index %d", ErrRepeatedVertex, i)
		}
	}
	if poly.area2() == 0 {
		return ErrDegenerate
	}
	for i := 0; i < n; i++ {
		a1, a2 := poly[i], poly[(i+1)%n]
		for j := i + 1; j < n; j++ {
			// adjacent edges share a vertex by construction
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			b1, b2 := poly[j], poly[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return fmt.Errorf("%w: edge %d and edge %d", ErrSelfIntersecting, i, j)
			}
		}
	}
	return nil
}

// Bounds returns the smallest rectangle enclosing every vertex.
func (poly Polygon) Bounds() Rect {
	if len(poly) == 0 {
		return Rect{}
	}
	r := Rect{Min: poly[0], Max: poly[0]}
	for _, p := range poly[1:] {
		r.Min.X = min(r.Min.X, p.X)
		r.Min.Y = min(r.Min.Y, p.Y)
		r.Max.X = max(r.Max.X, p.X)
		r.Max.Y = max(r.Max.Y, p.Y)
	}
	return r
}

// Contains reports whether p is inside the polygon. Points lying on an edge
// or a vertex count as inside. All arithmetic is exact integer math.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n < 3 || !poly.Bounds().In(p) {
		return false
	}

	inside := false
	for i := 0; i < n; i++ {
		a, b := poly[i], poly[(i+1)%n]
		if onSegment(a, b, p) {
			return true
		}
		if (a.Y > p.Y) != (b.Y > p.Y) {
			c := cross(a, b, p)
			if (b.Y > a.Y && c > 0) || (b.Y < a.Y && c < 0) {
				inside = !inside
			}
		}
	}
	return inside
}

// area2 returns twice the signed area (shoelace).
func (poly Polygon) area2() int64 {
	var sum int64
	n := len(poly)
	for i := 0; i < n; i++ {
		a, b := poly[i], poly[(i+1)%n]
		sum += int64(a.X)*int64(b.Y) - int64(b.X)*int64(a.Y)
	}
	return sum
}

// cross is the z component of (b-a) x (p-a).
func cross(a, b, p Point) int64 {
	return int64(b.X-a.X)*int64(p.Y-a.Y) - int64(p.X-a.X)*int64(b.Y-a.Y)
}

func onSegment(a, b, p Point) bool {
	if cross(a, b, p) != 0 {
		return false
	}
	return p.X >= min(a.X, b.X) && p.X <= max(a.X, b.X) &&
		p.Y >= min(a.Y, b.Y) && p.Y <= max(a.Y, b.Y)
}

func sign(v int64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func segmentsIntersect(p1, p2, q1, q2 Point) bool {
	d1 := sign(cross(q1, q2, p1))
	d2 := sign(cross(q1, q2, p2))
	d3 := sign(cross(p1, p2, q1))
	d4 := sign(cross(p1, p2, q2))

	if d1 != d2 && d3 != d4 && d1 != 0 && d2 != 0 && d3 != 0 && d4 != 0 {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}
