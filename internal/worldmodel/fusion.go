package worldmodel

import (
	"math"
	"time"
)

const (
	readingWindow      = 600 * time.Second
	defaultReliability = 0.5
	defaultHalfLife    = 120.0
)

// halfLives controls how fast a reading's weight decays, per channel.
var halfLives = map[string]float64{
	"temperature": 120,
	"humidity":    120,
	"illuminance": 120,
	"co2":         60,
	"occupancy":   30,
	"pir":         10,
}

type reading struct {
	sensorID string
	value    float64
	ts       time.Time
}

// fusionEngine keeps a sliding window of raw readings per (zone, channel) and
// computes reliability- and age-weighted fused values. Not safe for concurrent
// use; the owning WorldModel serializes access.
type fusionEngine struct {
	buffers     map[string][]reading // key: zone + "|" + channel
	reliability map[string]float64   // per sensor_id override
}

func newFusionEngine() *fusionEngine {
	return &fusionEngine{
		buffers:     make(map[string][]reading),
		reliability: make(map[string]float64),
	}
}

// SetReliability overrides the default 0.5 reliability for one sensor.
func (f *fusionEngine) SetReliability(sensorID string, r float64) {
	f.reliability[sensorID] = r
}

// Add records a reading and drops entries older than the 600 s window.
func (f *fusionEngine) Add(zone, channel, sensorID string, value float64, ts time.Time) {
	key := zone + "|" + channel
	buf := append(f.buffers[key], reading{sensorID: sensorID, value: value, ts: ts})

	cutoff := ts.Add(-readingWindow)
	start := 0
	for start < len(buf) && buf[start].ts.Before(cutoff) {
		start++
	}
	f.buffers[key] = buf[start:]
}

// Fused computes the weighted average for a channel. The second return is
// false when no reading in the window carries any weight.
//
// weight = reliability * exp(-age_sec / half_life)
func (f *fusionEngine) Fused(zone, channel string, now time.Time) (float64, bool) {
	buf := f.buffers[zone+"|"+channel]
	if len(buf) == 0 {
		return 0, false
	}

	halfLife, ok := halfLives[channel]
	if !ok {
		halfLife = defaultHalfLife
	}

	var sum, weightSum float64
	for _, r := range buf {
		age := now.Sub(r.ts).Seconds()
		if age < 0 {
			age = 0
		}
		rel, ok := f.reliability[r.sensorID]
		if !ok {
			rel = defaultReliability
		}
		w := rel * math.Exp(-age/halfLife)
		sum += r.value * w
		weightSum += w
	}
	if weightSum <= 0 {
		return 0, false
	}
	return sum / weightSum, true
}

// fuseOccupancy integrates vision and PIR into a person count. Vision is
// authoritative; PIR only rescues the zero case. Large zones get a 1.2x
// correction for camera blind spots.
func fuseOccupancy(visionCount int, pirDetected bool, zoneAreaM2 float64) int {
	count := visionCount
	if pirDetected && visionCount == 0 {
		count = 1
	}
	if zoneAreaM2 > 50 && visionCount > 0 {
		count = int(math.Round(float64(count) * 1.2))
	}
	return count
}
