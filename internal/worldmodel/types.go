package worldmodel

import (
	"fmt"
	"time"
)

// Environment holds fused environmental readings for a zone. Nil means the
// channel has never reported.
type Environment struct {
	Temperature   *float64 `json:"temperature,omitempty"`    // Celsius
	Humidity      *float64 `json:"humidity,omitempty"`       // percent
	CO2           *int     `json:"co2,omitempty"`            // ppm
	Illuminance   *float64 `json:"illuminance,omitempty"`    // lux
	Pressure      *float64 `json:"pressure,omitempty"`       // hPa
	GasResistance *int     `json:"gas_resistance,omitempty"` // Ohms (VOC indicator)

	// Timestamps per channel, set on every fused update.
	Timestamps map[string]time.Time `json:"-"`
}

// IsStuffy reports whether CO2 exceeds the 1000 ppm ventilation threshold.
func (e *Environment) IsStuffy() bool {
	return e.CO2 != nil && *e.CO2 > 1000
}

// ThermalComfort classifies temperature: cold < 18, hot > 26, else comfortable.
func (e *Environment) ThermalComfort() string {
	if e.Temperature == nil {
		return "unknown"
	}
	switch {
	case *e.Temperature < 18:
		return "cold"
	case *e.Temperature > 26:
		return "hot"
	default:
		return "comfortable"
	}
}

// Occupancy is the fused people/activity state of a zone.
type Occupancy struct {
	PersonCount int  `json:"person_count"`
	VisionCount int  `json:"vision_count"` // from camera/YOLO
	PIRDetected bool `json:"pir_detected"`

	ActivityDistribution map[string]int `json:"activity_distribution,omitempty"`
	AvgMotionLevel       float64        `json:"avg_motion_level"` // 0.0-1.0

	ActivityLevel      float64 `json:"activity_level"`       // 0.0-1.0 short-term motion
	ActivityClass      string  `json:"activity_class"`       // idle|low|moderate|high
	PostureDurationSec float64 `json:"posture_duration_sec"` // current posture hold
	PostureStatus      string  `json:"posture_status"`       // changing|mostly_static|static

	LastEntryTime *time.Time `json:"last_entry_time,omitempty"`
	LastExitTime  *time.Time `json:"last_exit_time,omitempty"`
}

// DominantActivity returns the most common activity tag, or "unknown".
func (o *Occupancy) DominantActivity() string {
	best, bestCount := "unknown", -1
	for tag, count := range o.ActivityDistribution {
		if count > bestCount {
			best, bestCount = tag, count
		}
	}
	if bestCount < 0 {
		return "unknown"
	}
	return best
}

// ActivitySummary renders the occupancy line for the LLM context.
func (o *Occupancy) ActivitySummary() string {
	if o.PersonCount == 0 {
		return "無人"
	}
	active := o.ActivityDistribution["active"]
	focused := o.ActivityDistribution["focused"]
	if active > focused {
		return fmt.Sprintf("%d人が活発に活動中", o.PersonCount)
	}
	return fmt.Sprintf("%d人が集中作業中", o.PersonCount)
}

// DeviceState tracks a controllable device reported on the bus.
type DeviceState struct {
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"` // hvac, light, coffee_machine, door, ...

	IsOnline   bool   `json:"is_online"`
	PowerState string `json:"power_state"` // on | off | standby

	SpecificState map[string]interface{} `json:"specific_state,omitempty"`

	LastCommand     string     `json:"last_command,omitempty"`
	LastCommandTime *time.Time `json:"last_command_time,omitempty"`
}

// Event severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is an append-only zone history record.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"event_type"`
	Severity  string                 `json:"severity"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Description renders a deterministic human-readable line for LLM
// consumption. The Brain's prompts are Japanese, so descriptions are too.
func (e Event) Description() string {
	switch e.Type {
	case "person_entered":
		return fmt.Sprintf("%v人が入室しました", e.Data["count"])
	case "person_exited":
		return fmt.Sprintf("%v人が退室しました", e.Data["count"])
	case "co2_threshold_exceeded":
		return fmt.Sprintf("CO2濃度が%vppmに達しました（換気推奨）", e.Data["value"])
	case "temp_spike":
		return fmt.Sprintf("気温が急変しました（%.1f℃）", e.Data["value"])
	case "sedentary_alert":
		sec, _ := e.Data["duration_sec"].(float64)
		return fmt.Sprintf("同じ姿勢で%d分以上座り続けています", int(sec/60))
	case "sensor_tamper":
		change, _ := e.Data["change"].(float64)
		return fmt.Sprintf("センサー異常: %vが急変(%.1f変化)", e.Data["channel"], change)
	case "door_opened":
		return fmt.Sprintf("ドアが開きました (%v)", e.Data["device_id"])
	case "door_closed":
		return fmt.Sprintf("ドアが閉まりました (%v)", e.Data["device_id"])
	case "task_report":
		labels := map[string]string{
			"no_issue":       "問題なし",
			"resolved":       "対応済み",
			"needs_followup": "要追加対応",
			"cannot_resolve": "対応不可",
		}
		status, _ := e.Data["report_status"].(string)
		if label, ok := labels[status]; ok {
			status = label
		}
		desc := fmt.Sprintf("「%v」→ %s", e.Data["title"], status)
		if note, _ := e.Data["completion_note"].(string); note != "" {
			desc += ": " + note
		}
		return desc
	}
	return "イベント: " + e.Type
}

// Zone is the complete observed state of one room/area.
type Zone struct {
	ZoneID string `json:"zone_id"`

	Environment Environment             `json:"environment"`
	Occupancy   Occupancy               `json:"occupancy"`
	Devices     map[string]*DeviceState `json:"devices"`

	Events []Event `json:"events"`

	LastUpdate time.Time `json:"last_update"`

	// Previous values used only for event detection.
	prevOccupancy     int
	prevTemperature   *float64
	prevHumidity      *float64
	prevEnvTimestamps map[string]time.Time
}

func newZone(zoneID string) *Zone {
	return &Zone{
		ZoneID:            zoneID,
		Environment:       Environment{Timestamps: make(map[string]time.Time)},
		Occupancy:         Occupancy{ActivityClass: "unknown", PostureStatus: "unknown"},
		Devices:           make(map[string]*DeviceState),
		prevEnvTimestamps: make(map[string]time.Time),
	}
}
