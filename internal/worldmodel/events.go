package worldmodel

import (
	"math"
	"time"
)

// Per-event cooldowns. Events without an entry fire on every trigger.
var eventCooldowns = map[string]time.Duration{
	"co2_threshold_exceeded": 600 * time.Second,
	"sedentary_alert":        3600 * time.Second,
	"sensor_tamper":          300 * time.Second,
}

const (
	co2Threshold       = 1000
	tempSpikeDelta     = 3.0  // °C vs previous fused value
	tamperTempDelta    = 5.0  // °C within the tamper window
	tamperHumDelta     = 20.0 // % within the tamper window
	tamperWindow       = 30 * time.Second
	sedentaryThreshold = 1800.0 // seconds of static posture
)

// addEvent appends to zone history, enforces the per-type cooldown, and
// notifies the Brain trigger. Caller holds the model lock.
func (w *WorldModel) addEvent(zone *Zone, e Event) {
	if cd, ok := eventCooldowns[e.Type]; ok {
		key := zone.ZoneID + "|" + e.Type
		if last, fired := w.cooldowns[key]; fired && e.Timestamp.Sub(last) < cd {
			return
		}
		w.cooldowns[key] = e.Timestamp
	}

	zone.Events = append(zone.Events, e)
	if len(zone.Events) > maxZoneEvents {
		zone.Events = zone.Events[len(zone.Events)-maxZoneEvents:]
	}

	w.logger.Printf("📢 [%s] %s (%s)", zone.ZoneID, e.Type, e.Severity)
	if w.onEvent != nil {
		w.onEvent(zone.ZoneID, e)
	}
}

// detectEnvironmentEvents runs after every fused sensor update. Cheap guards
// first: each check reads only values already in memory.
func (w *WorldModel) detectEnvironmentEvents(zone *Zone, channel string, now time.Time) {
	env := &zone.Environment

	switch channel {
	case "co2":
		if env.CO2 != nil && *env.CO2 > co2Threshold {
			w.addEvent(zone, Event{
				Timestamp: now,
				Type:      "co2_threshold_exceeded",
				Severity:  SeverityWarning,
				Data:      map[string]interface{}{"value": *env.CO2},
			})
		}

	case "temperature":
		cur := env.Temperature
		prev := zone.prevTemperature
		if cur != nil && prev != nil {
			delta := *cur - *prev
			if math.Abs(delta) > tempSpikeDelta {
				w.addEvent(zone, Event{
					Timestamp: now,
					Type:      "temp_spike",
					Severity:  SeverityWarning,
					Data:      map[string]interface{}{"value": *cur, "delta": delta},
				})
			}
			if prevTS, ok := zone.prevEnvTimestamps["temperature"]; ok &&
				now.Sub(prevTS) <= tamperWindow && math.Abs(delta) >= tamperTempDelta {
				w.addEvent(zone, Event{
					Timestamp: now,
					Type:      "sensor_tamper",
					Severity:  SeverityWarning,
					Data:      map[string]interface{}{"channel": "temperature", "change": math.Abs(delta)},
				})
			}
		}
		if cur != nil {
			v := *cur
			zone.prevTemperature = &v
			zone.prevEnvTimestamps["temperature"] = now
		}

	case "humidity":
		cur := env.Humidity
		prev := zone.prevHumidity
		if cur != nil && prev != nil {
			delta := math.Abs(*cur - *prev)
			if prevTS, ok := zone.prevEnvTimestamps["humidity"]; ok &&
				now.Sub(prevTS) <= tamperWindow && delta >= tamperHumDelta {
				w.addEvent(zone, Event{
					Timestamp: now,
					Type:      "sensor_tamper",
					Severity:  SeverityWarning,
					Data:      map[string]interface{}{"channel": "humidity", "change": delta},
				})
			}
		}
		if cur != nil {
			v := *cur
			zone.prevHumidity = &v
			zone.prevEnvTimestamps["humidity"] = now
		}
	}
}

// detectSedentary fires when someone has held a static posture too long.
func (w *WorldModel) detectSedentary(zone *Zone, now time.Time) {
	occ := &zone.Occupancy
	if occ.PersonCount > 0 && occ.PostureStatus == "static" && occ.PostureDurationSec >= sedentaryThreshold {
		w.addEvent(zone, Event{
			Timestamp: now,
			Type:      "sedentary_alert",
			Severity:  SeverityInfo,
			Data:      map[string]interface{}{"duration_sec": occ.PostureDurationSec},
		})
	}
}
