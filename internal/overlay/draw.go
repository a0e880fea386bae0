// Package overlay renders diagnostic annotations onto frames and scales
// frames to the working resolution.
package overlay

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/kai5263499/zone-counter/backend/internal/geometry"
)

var (
	ZoneColor   = color.RGBA{R: 0, G: 0, B: 255, A: 255}
	EventColor  = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	TrackColor  = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	LabelFG     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	LabelBG     = color.RGBA{R: 200, G: 0, B: 200, A: 255}
	labelFace   = basicfont.Face7x13
	labelMargin = 3
)

// Resize scales img to width x height. The input is returned unchanged when
// it already has that size or the target is unset.
func Resize(img image.Image, width, height int) image.Image {
	if width <= 0 || height <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// Clone copies img into a new RGBA image with a zero origin.
func Clone(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Line draws a segment using Bresenham's algorithm, thickened by drawing a
// square brush of the given size at every step.
func Line(dst draw.Image, a, b geometry.Point, c color.Color, thickness int) {
	dx := abs(b.X - a.X)
	dy := -abs(b.Y - a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	err := dx + dy
	x, y := a.X, a.Y
	for {
		brush(dst, x, y, c, thickness)
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

// Polygon draws the closed outline of poly.
func Polygon(dst draw.Image, poly geometry.Polygon, c color.Color, thickness int) {
	for i := range poly {
		Line(dst, poly[i], poly[(i+1)%len(poly)], c, thickness)
	}
}

// Box draws the outline of a bounding box.
func Box(dst draw.Image, b geometry.Box, c color.Color, thickness int) {
	Polygon(dst, geometry.Polygon{
		geometry.Pt(b.X1, b.Y1), geometry.Pt(b.X2, b.Y1),
		geometry.Pt(b.X2, b.Y2), geometry.Pt(b.X1, b.Y2),
	}, c, thickness)
}

// Label writes text on a filled background with its baseline origin at pt.
func Label(dst draw.Image, text string, pt geometry.Point, fg, bg color.Color) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(fg), Face: labelFace}
	width := d.MeasureString(text).Ceil()
	metrics := labelFace.Metrics()
	ascent, descent := metrics.Ascent.Ceil(), metrics.Descent.Ceil()

	bgRect := image.Rect(
		pt.X-labelMargin, pt.Y-ascent-labelMargin,
		pt.X+width+labelMargin, pt.Y+descent+labelMargin,
	).Intersect(dst.Bounds())
	draw.Draw(dst, bgRect, image.NewUniform(bg), image.Point{}, draw.Src)

	d.Dot = fixed.P(pt.X, pt.Y)
	d.DrawString(text)
}

func brush(dst draw.Image, x, y int, c color.Color, size int) {
	if size <= 1 {
		if (image.Point{X: x, Y: y}).In(dst.Bounds()) {
			dst.Set(x, y, c)
		}
		return
	}
	half := size / 2
	r := image.Rect(x-half, y-half, x-half+size, y-half+size).Intersect(dst.Bounds())
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Src)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
