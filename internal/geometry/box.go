package geometry

// Box is a detector bounding box in frame pixels with X1<=X2 and Y1<=Y2.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Centroid is the integer midpoint of the box, rounded toward negative infinity.
func (b Box) Centroid() Point {
	return Point{X: floorHalf(b.X1 + b.X2), Y: floorHalf(b.Y1 + b.Y2)}
}

// Normalize swaps corners so that X1<=X2 and Y1<=Y2.
func (b Box) Normalize() Box {
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}

func floorHalf(v int) int {
	if v < 0 && v%2 != 0 {
		return v/2 - 1
	}
	return v / 2
}
