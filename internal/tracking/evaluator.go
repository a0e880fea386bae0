package tracking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidRule = errors.New("invalid direction rule")

// EvaluatorConfig describes the zones and direction rules of one stream.
type EvaluatorConfig struct {
	Stream string
	Zones  []Zone
	Rules  []DirectionRule
	// Classes restricts counting to these class labels. Empty accepts all.
	Classes       []string
	MinConfidence float64
	TrackTimeout  time.Duration
}

// Evaluator applies the zone transition rules to each frame's detections.
// It owns its Store and must only be driven from one goroutine.
type Evaluator struct {
	stream        string
	zones         []Zone
	zoneIndex     map[string]int
	rules         []DirectionRule
	classes       map[string]struct{}
	minConfidence float64
	store         *Store
	newID         func() string
}

// NewEvaluator validates the rules against the zones and builds an evaluator.
func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	e := &Evaluator{
		stream:        cfg.Stream,
		zones:         cfg.Zones,
		zoneIndex:     make(map[string]int, len(cfg.Zones)),
		rules:         cfg.Rules,
		minConfidence: cfg.MinConfidence,
		store:         NewStore(cfg.TrackTimeout),
		newID:         uuid.NewString,
	}

	for i, z := range cfg.Zones {
		if _, dup := e.zoneIndex[z.ID]; dup {
			return nil, fmt.Errorf("duplicate zone %q", z.ID)
		}
		e.zoneIndex[z.ID] = i
	}

	if len(cfg.Rules) == 0 {
		return nil, fmt.Errorf("%w: no rules configured", ErrInvalidRule)
	}
	labels := make(map[string]struct{}, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if r.Label == "" {
			return nil, fmt.Errorf("%w: empty label", ErrInvalidRule)
		}
		if _, dup := labels[r.Label]; dup {
			return nil, fmt.Errorf("%w: duplicate label %q", ErrInvalidRule, r.Label)
		}
		labels[r.Label] = struct{}{}
		if _, ok := e.zoneIndex[r.From]; !ok {
			return nil, fmt.Errorf("%w: %s references unknown zone %q", ErrInvalidRule, r.Label, r.From)
		}
		if _, ok := e.zoneIndex[r.To]; !ok {
			return nil, fmt.Errorf("%w: %s references unknown zone %q", ErrInvalidRule, r.Label, r.To)
		}
		if r.From == r.To {
			return nil, fmt.Errorf("%w: %s starts and ends in %q", ErrInvalidRule, r.Label, r.From)
		}
	}

	if len(cfg.Classes) > 0 {
		e.classes = make(map[string]struct{}, len(cfg.Classes))
		for _, c := range cfg.Classes {
			e.classes[strings.ToLower(c)] = struct{}{}
		}
	}

	return e, nil
}

// Observe advances track state with one frame's detections and returns the
// crossing events that fired, in detection order then rule order.
//
// The tracker must report at most one detection per track id per frame.
func (e *Evaluator) Observe(now time.Time, frameSeq int64, dets []Detection) []Event {
	var events []Event
	inside := make([]bool, len(e.zones))

	for _, d := range dets {
		if !e.accept(d) {
			continue
		}

		c := d.Box.Centroid()
		st := e.store.touch(d.TrackID, now)
		st.LastCentroid = c

		st.ResidentZone = ""
		for i, z := range e.zones {
			inside[i] = z.Polygon.Contains(c)
			if inside[i] && st.ResidentZone == "" {
				st.ResidentZone = z.ID
			}
		}

		for _, r := range e.rules {
			if inside[e.zoneIndex[r.From]] {
				if _, seen := st.Entries[r.Label]; !seen {
					st.Entries[r.Label] = c
				}
			}

			if _, entered := st.Entries[r.Label]; !entered {
				continue
			}
			if !inside[e.zoneIndex[r.To]] || st.LastFired == r.Label {
				continue
			}

			st.LastFired = r.Label
			events = append(events, Event{
				ID:         e.newID(),
				Stream:     e.stream,
				TrackID:    d.TrackID,
				Direction:  r.Label,
				Box:        d.Box,
				Class:      d.Class,
				Confidence: d.Confidence,
				FrameSeq:   frameSeq,
				Timestamp:  now,
			})
		}
	}

	return events
}

func (e *Evaluator) accept(d Detection) bool {
	if d.TrackID == "" {
		return false
	}
	if d.Confidence < e.minConfidence {
		return false
	}
	if e.classes != nil {
		if _, ok := e.classes[strings.ToLower(d.Class)]; !ok {
			return false
		}
	}
	return true
}

// Sweep evicts stale tracks. See Store.Sweep.
func (e *Evaluator) Sweep(now time.Time) int {
	return e.store.Sweep(now)
}

// ActiveTracks returns the number of tracks held in memory.
func (e *Evaluator) ActiveTracks() int {
	return e.store.Len()
}

// Track returns a copy of the state held for a track id.
func (e *Evaluator) Track(id string) (TrackState, bool) {
	return e.store.Get(id)
}

// Rules returns the configured direction rules.
func (e *Evaluator) Rules() []DirectionRule {
	return e.rules
}

// Zones returns the configured zones.
func (e *Evaluator) Zones() []Zone {
	return e.zones
}
