// Package worldmodel maintains the in-memory picture of the office that the
// Brain reasons over: per-zone environment (sensor-fused), occupancy, device
// states and a rolling event history, plus a cached Japanese summary for LLM
// prompts.
package worldmodel

import (
	"encoding/json"
	"log"
	"math"
	"strings"
	"sync"
	"time"
)

const maxZoneEvents = 50

// EventHandler is notified after every detected event. Called while the model
// lock is held; implementations must not call back into the WorldModel.
type EventHandler func(zoneID string, e Event)

// WorldModel is the single source of observed truth. All mutation flows
// through UpdateFromMessage on the Brain's scheduler goroutine; the internal
// mutex exists for HTTP debug reads and tests.
type WorldModel struct {
	mu sync.Mutex

	logger *log.Logger

	zonesByID map[string]*Zone
	fusion    *fusionEngine
	zoneAreas map[string]float64 // m², from config

	cooldowns map[string]time.Time // zone + "|" + event_type

	onEvent EventHandler

	ctxCache   string
	ctxCacheAt time.Time
	ctxDirty   bool

	now func() time.Time
}

// New creates an empty WorldModel. zoneAreas may be nil.
func New(zoneAreas map[string]float64) *WorldModel {
	if zoneAreas == nil {
		zoneAreas = make(map[string]float64)
	}
	return &WorldModel{
		logger:    log.New(log.Writer(), "[WORLD] ", log.LstdFlags),
		zonesByID: make(map[string]*Zone),
		fusion:    newFusionEngine(),
		zoneAreas: zoneAreas,
		cooldowns: make(map[string]time.Time),
		ctxDirty:  true,
		now:       time.Now,
	}
}

// SetEventHandler registers the Brain's cycle trigger.
func (w *WorldModel) SetEventHandler(h EventHandler) {
	w.mu.Lock()
	w.onEvent = h
	w.mu.Unlock()
}

// SetSensorReliability overrides fusion reliability for one sensor id.
func (w *WorldModel) SetSensorReliability(sensorID string, r float64) {
	w.mu.Lock()
	w.fusion.SetReliability(sensorID, r)
	w.mu.Unlock()
}

// topicParts validates office/{zone}/{device_type}/{device_id}[/{channel}].
func topicParts(topic string) (zone, deviceType, deviceID, channel string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || len(parts) > 5 || parts[0] != "office" {
		return "", "", "", "", false
	}
	zone, deviceType, deviceID = parts[1], parts[2], parts[3]
	if zone == "" || deviceType == "" || deviceID == "" {
		return "", "", "", "", false
	}
	if len(parts) == 5 {
		channel = parts[4]
	}
	return zone, deviceType, deviceID, channel, true
}

// UpdateFromMessage parses a bus message and routes it to the matching
// handler. Unparseable topics and payloads are ignored with a log line.
func (w *WorldModel) UpdateFromMessage(topic string, payload []byte) {
	zoneID, deviceType, deviceID, channel, ok := topicParts(topic)
	if !ok {
		return
	}

	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		w.logger.Printf("⚠️ Bad payload on %s: %v", topic, err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	zone := w.zone(zoneID)
	now := w.now()

	switch deviceType {
	case "sensor":
		w.handleSensor(zone, deviceID, channel, data, now)
	case "camera":
		w.handleCamera(zone, data, now)
	case "activity":
		w.handleActivity(zone, data, now)
	case "task_report":
		w.handleTaskReport(zone, deviceID, data, now)
	default:
		w.handleDevice(zone, deviceType, deviceID, data, now)
	}

	zone.LastUpdate = now
	w.ctxDirty = true
}

func (w *WorldModel) zone(zoneID string) *Zone {
	z, ok := w.zonesByID[zoneID]
	if !ok {
		z = newZone(zoneID)
		w.zonesByID[zoneID] = z
		w.logger.Printf("🗺️ New zone discovered: %s", zoneID)
	}
	return z
}

func (w *WorldModel) handleSensor(zone *Zone, sensorID, channel string, data map[string]interface{}, now time.Time) {
	if channel == "" {
		return
	}
	value, ok := toFloat(data["value"])
	if !ok {
		return
	}
	if rel, ok := toFloat(data["reliability"]); ok {
		w.fusion.SetReliability(sensorID, rel)
	}

	ts := now
	if sec, ok := toFloat(data["timestamp"]); ok && sec > 0 {
		ts = time.Unix(0, int64(sec*float64(time.Second)))
	}
	w.fusion.Add(zone.ZoneID, channel, sensorID, value, ts)

	fused, ok := w.fusion.Fused(zone.ZoneID, channel, now)
	if !ok {
		return
	}

	env := &zone.Environment
	switch channel {
	case "temperature":
		v := fused
		env.Temperature = &v
	case "humidity":
		v := fused
		env.Humidity = &v
	case "co2":
		v := int(math.Round(fused))
		env.CO2 = &v
	case "illuminance":
		v := fused
		env.Illuminance = &v
	case "pressure":
		v := fused
		env.Pressure = &v
	case "gas_resistance":
		v := int(math.Round(fused))
		env.GasResistance = &v
	case "pir":
		zone.Occupancy.PIRDetected = fused > 0.5
		w.refreshOccupancy(zone, now)
	default:
		return
	}
	env.Timestamps[channel] = now

	w.detectEnvironmentEvents(zone, channel, now)
}

func (w *WorldModel) handleCamera(zone *Zone, data map[string]interface{}, now time.Time) {
	occ := &zone.Occupancy
	if v, ok := toFloat(data["person_count"]); ok {
		occ.VisionCount = int(v)
	} else if v, ok := toFloat(data["vision_count"]); ok {
		occ.VisionCount = int(v)
	} else if b, ok := data["occupancy"].(bool); ok {
		// minimal cameras only report presence
		if b {
			occ.VisionCount = 1
		} else {
			occ.VisionCount = 0
		}
	}
	if dist, ok := data["activity_distribution"].(map[string]interface{}); ok {
		occ.ActivityDistribution = make(map[string]int, len(dist))
		for tag, n := range dist {
			if v, ok := toFloat(n); ok {
				occ.ActivityDistribution[tag] = int(v)
			}
		}
	}
	if v, ok := toFloat(data["avg_motion_level"]); ok {
		occ.AvgMotionLevel = v
	}
	w.refreshOccupancy(zone, now)
}

func (w *WorldModel) handleActivity(zone *Zone, data map[string]interface{}, now time.Time) {
	occ := &zone.Occupancy
	if v, ok := toFloat(data["activity_level"]); ok {
		occ.ActivityLevel = v
	}
	if s, ok := data["activity_class"].(string); ok && s != "" {
		occ.ActivityClass = s
	}
	if v, ok := toFloat(data["posture_duration_sec"]); ok {
		occ.PostureDurationSec = v
	}
	if s, ok := data["posture_status"].(string); ok && s != "" {
		occ.PostureStatus = s
	}
	w.detectSedentary(zone, now)
}

func (w *WorldModel) handleDevice(zone *Zone, deviceType, deviceID string, data map[string]interface{}, now time.Time) {
	dev, ok := zone.Devices[deviceID]
	if !ok {
		dev = &DeviceState{DeviceID: deviceID, DeviceType: deviceType, PowerState: "off"}
		zone.Devices[deviceID] = dev
	}
	dev.IsOnline = true
	if v, ok := data["online"].(bool); ok {
		dev.IsOnline = v
	}

	prevPower := dev.PowerState
	if s, ok := data["power_state"].(string); ok && s != "" {
		dev.PowerState = s
	} else if s, ok := data["state"].(string); ok && s != "" {
		dev.PowerState = s
	}
	if st, ok := data["specific_state"].(map[string]interface{}); ok {
		dev.SpecificState = st
	}
	if cmd, ok := data["last_command"].(string); ok && cmd != "" {
		dev.LastCommand = cmd
		t := now
		dev.LastCommandTime = &t
	}

	if deviceType == "door" && dev.PowerState != prevPower {
		eventType := "door_closed"
		if dev.PowerState == "open" || dev.PowerState == "on" {
			eventType = "door_opened"
		}
		w.addEvent(zone, Event{
			Timestamp: now,
			Type:      eventType,
			Severity:  SeverityInfo,
			Data:      map[string]interface{}{"device_id": deviceID},
		})
	}
}

func (w *WorldModel) handleTaskReport(zone *Zone, taskID string, data map[string]interface{}, now time.Time) {
	status, _ := data["report_status"].(string)
	severity := SeverityInfo
	if status == "needs_followup" || status == "cannot_resolve" {
		severity = SeverityWarning
	}
	w.addEvent(zone, Event{
		Timestamp: now,
		Type:      "task_report",
		Severity:  severity,
		Data: map[string]interface{}{
			"task_id":         taskID,
			"title":           data["title"],
			"report_status":   status,
			"completion_note": stringOr(data["completion_note"]),
		},
	})
}

// refreshOccupancy recomputes person_count from vision + PIR and detects
// entry/exit transitions.
func (w *WorldModel) refreshOccupancy(zone *Zone, now time.Time) {
	occ := &zone.Occupancy
	count := fuseOccupancy(occ.VisionCount, occ.PIRDetected, w.zoneAreas[zone.ZoneID])

	prev := zone.prevOccupancy
	occ.PersonCount = count

	if count > prev {
		t := now
		occ.LastEntryTime = &t
		w.addEvent(zone, Event{
			Timestamp: now,
			Type:      "person_entered",
			Severity:  SeverityInfo,
			Data:      map[string]interface{}{"count": count - prev, "total": count},
		})
	} else if count < prev {
		t := now
		occ.LastExitTime = &t
		w.addEvent(zone, Event{
			Timestamp: now,
			Type:      "person_exited",
			Severity:  SeverityInfo,
			Data:      map[string]interface{}{"count": prev - count, "total": count},
		})
	}
	zone.prevOccupancy = count
}

// GetZone returns a zone by id, or nil.
func (w *WorldModel) GetZone(zoneID string) *Zone {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.zonesByID[zoneID]
}

// HasZone reports whether a zone has ever been observed.
func (w *WorldModel) HasZone(zoneID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.zonesByID[zoneID]
	return ok
}

// GetAllZones returns the live zone map. Callers must treat it as read-only.
func (w *WorldModel) GetAllZones() map[string]*Zone {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]*Zone, len(w.zonesByID))
	for id, z := range w.zonesByID {
		out[id] = z
	}
	return out
}

// RecentEvents returns all events across zones newer than the window,
// oldest first.
func (w *WorldModel) RecentEvents(window time.Duration) []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-window)
	var out []Event
	for _, z := range w.zonesByID {
		for _, e := range z.Events {
			if e.Timestamp.After(cutoff) {
				out = append(out, e)
			}
		}
	}
	sortEventsByTime(out)
	return out
}

// ActionableReports returns task_report events in the window whose status
// needs Brain attention (needs_followup / cannot_resolve).
func (w *WorldModel) ActionableReports(window time.Duration) []Event {
	var out []Event
	for _, e := range w.RecentEvents(window) {
		if e.Type != "task_report" {
			continue
		}
		status, _ := e.Data["report_status"].(string)
		if status == "needs_followup" || status == "cannot_resolve" {
			out = append(out, e)
		}
	}
	return out
}

func sortEventsByTime(events []Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Timestamp.Before(events[j-1].Timestamp); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func stringOr(v interface{}) string {
	s, _ := v.(string)
	return s
}
