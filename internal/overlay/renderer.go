package overlay

import (
	"fmt"
	"image"

	"github.com/kai5263499/zone-counter/backend/internal/geometry"
	"github.com/kai5263499/zone-counter/backend/internal/tracking"
)

// Renderer annotates frames with the stream's zones, tracked boxes and
// direction counts.
type Renderer struct {
	Zones     []tracking.Zone
	Thickness int
}

// Scene is everything drawn onto one frame.
type Scene struct {
	Detections []tracking.Detection
	Events     []tracking.Event
	Labels     []string
	Counts     map[string]uint64
}

// Render returns an annotated copy of img; img itself is never modified.
func (r *Renderer) Render(img image.Image, s Scene) *image.RGBA {
	dst := Clone(img)
	th := r.Thickness
	if th <= 0 {
		th = 2
	}

	for _, z := range r.Zones {
		Polygon(dst, z.Polygon, ZoneColor, th)
		if len(z.Polygon) > 0 {
			Label(dst, z.ID, z.Polygon[0], LabelFG, ZoneColor)
		}
	}

	fired := make(map[string]bool, len(s.Events))
	for _, ev := range s.Events {
		fired[ev.TrackID] = true
	}
	for _, d := range s.Detections {
		c := TrackColor
		if fired[d.TrackID] {
			c = EventColor
		}
		Box(dst, d.Box, c, th)
		Label(dst, d.TrackID, geometry.Pt(d.Box.X1, d.Box.Y2), LabelFG, LabelBG)
		if d.Class != "" {
			Label(dst, d.Class, geometry.Pt(d.Box.X1, d.Box.Y1), LabelFG, LabelBG)
		}
	}

	y := 30
	for _, l := range s.Labels {
		Label(dst, fmt.Sprintf("%s: %d", l, s.Counts[l]), geometry.Pt(20, y), LabelFG, LabelBG)
		y += 24
	}
	return dst
}

// Snapshot draws a single event box on a copy of img, as stored for the record.
func (r *Renderer) Snapshot(img image.Image, ev tracking.Event) *image.RGBA {
	dst := Clone(img)
	Box(dst, ev.Box, EventColor, 2)
	Label(dst, ev.TrackID, geometry.Pt(ev.Box.X1, ev.Box.Y2), LabelFG, LabelBG)
	top := ev.Direction
	if ev.Class != "" {
		top = ev.Class + " " + ev.Direction
	}
	Label(dst, top, geometry.Pt(ev.Box.X1, ev.Box.Y1), LabelFG, LabelBG)
	return dst
}
