package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// Replay plays a recorded track in a loop. Heading and speed are derived from
// consecutive points; the first point of every lap has neither.
type Replay struct {
	track    []geom.Coord
	interval time.Duration
	log      *logrus.Entry
	reg      *registry
}

func NewReplay(track []geom.Coord, interval time.Duration, logger *logrus.Entry) *Replay {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Replay{
		track:    track,
		interval: interval,
		log:      logger.WithField("source", "replay"),
		reg:      newRegistry(),
	}
}

// LoadReplay reads a GeoJSON track file.
func LoadReplay(path string, interval time.Duration, logger *logrus.Entry) (*Replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read track: %w", err)
	}
	track, err := DecodeTrack(data)
	if err != nil {
		return nil, fmt.Errorf("decode track %s: %w", path, err)
	}
	return NewReplay(track, interval, logger), nil
}

func (r *Replay) Supported() bool {
	return len(r.track) > 0
}

func (r *Replay) Watch(onSample func(Sample), onError func(*FixError), opts Options) Handle {
	h, w, ctx := r.reg.add(onSample, onError, opts)
	r.log.WithFields(logrus.Fields{"handle": h, "points": len(r.track)}).Debug("replay watch started")
	go r.run(ctx, w)
	return h
}

func (r *Replay) Cancel(h Handle) {
	r.reg.remove(h)
}

func (r *Replay) run(ctx context.Context, w *watch) {
	if len(r.track) == 0 {
		w.fail(PositionUnavailable, "track has no points")
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	i := 0
	for {
		w.sample(r.sampleAt(i))
		i = (i + 1) % len(r.track)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Replay) sampleAt(i int) Sample {
	c := r.track[i]
	s := Sample{
		Latitude:  c.Y(),
		Longitude: c.X(),
		Timestamp: time.Now().UTC(),
	}
	if i == 0 {
		return s
	}
	prev := r.track[i-1]
	heading := bearingDeg(prev.Y(), prev.X(), c.Y(), c.X())
	speed := distanceM(prev.Y(), prev.X(), c.Y(), c.X()) / r.interval.Seconds()
	s.Heading = &heading
	s.Speed = &speed
	return s
}

// DecodeTrack extracts the point sequence from a GeoJSON geometry, Feature or
// FeatureCollection. Coordinates are in GeoJSON order: longitude, latitude.
func DecodeTrack(data []byte) ([]geom.Coord, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	var geoms []geom.T
	switch probe.Type {
	case "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, err
		}
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
	case "Feature":
		var f geojson.Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		geoms = append(geoms, f.Geometry)
	default:
		var g geom.T
		if err := geojson.Unmarshal(data, &g); err != nil {
			return nil, err
		}
		geoms = append(geoms, g)
	}

	var track []geom.Coord
	for _, g := range geoms {
		track = append(track, coordsOf(g)...)
	}
	if len(track) == 0 {
		return nil, errors.New("no points in track")
	}
	return track, nil
}

func coordsOf(g geom.T) []geom.Coord {
	switch g := g.(type) {
	case *geom.Point:
		return []geom.Coord{g.Coords()}
	case *geom.MultiPoint:
		return g.Coords()
	case *geom.LineString:
		return g.Coords()
	case *geom.MultiLineString:
		var out []geom.Coord
		for i := 0; i < g.NumLineStrings(); i++ {
			out = append(out, g.LineString(i).Coords()...)
		}
		return out
	default:
		return nil
	}
}
