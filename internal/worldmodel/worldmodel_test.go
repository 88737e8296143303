package worldmodel

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testModel returns a model with a controllable clock.
func testModel(areas map[string]float64) (*WorldModel, *time.Time) {
	w := New(areas)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	return w, &now
}

func sensorMsg(zone, sensorID, channel string, value float64) (string, []byte) {
	topic := fmt.Sprintf("office/%s/sensor/%s/%s", zone, sensorID, channel)
	return topic, []byte(fmt.Sprintf(`{"value": %g}`, value))
}

func TestTopicParsing(t *testing.T) {
	w, _ := testModel(nil)

	// well-formed sensor topic creates the zone
	topic, payload := sensorMsg("zone_a", "temp_1", "temperature", 22.5)
	w.UpdateFromMessage(topic, payload)
	require.True(t, w.HasZone("zone_a"))

	// garbage is ignored without creating zones
	w.UpdateFromMessage("not/office/x/y", []byte(`{"value":1}`))
	w.UpdateFromMessage("office/zone_b", []byte(`{"value":1}`))
	w.UpdateFromMessage("office/zone_b/sensor/s/ch/extra/levels", []byte(`{"value":1}`))
	assert.False(t, w.HasZone("zone_b"))

	// bad JSON is ignored
	w.UpdateFromMessage("office/zone_c/sensor/s/temperature", []byte(`{broken`))
	assert.False(t, w.HasZone("zone_c"))
}

func TestSensorFusionWeighting(t *testing.T) {
	f := newFusionEngine()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// one fresh reading fuses to itself
	f.Add("z", "temperature", "s1", 20.0, now)
	v, ok := f.Fused("z", "temperature", now)
	require.True(t, ok)
	assert.InDelta(t, 20.0, v, 1e-9)

	// a stale reading pulls less than a fresh one
	f.Add("z", "temperature", "s1", 30.0, now.Add(-240*time.Second))
	v, _ = f.Fused("z", "temperature", now)
	assert.Less(t, v, 25.0, "fresh reading should dominate")
	assert.Greater(t, v, 20.0)

	// higher-reliability sensor dominates at equal age
	f2 := newFusionEngine()
	f2.SetReliability("good", 1.0)
	f2.SetReliability("bad", 0.1)
	f2.Add("z", "co2", "good", 800, now)
	f2.Add("z", "co2", "bad", 400, now)
	v, _ = f2.Fused("z", "co2", now)
	expected := (800*1.0 + 400*0.1) / 1.1
	assert.InDelta(t, expected, v, 1e-9)
}

func TestSensorFusionWindowExpiry(t *testing.T) {
	f := newFusionEngine()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	f.Add("z", "temperature", "s1", 99.0, now.Add(-700*time.Second))
	// the append that follows prunes everything outside the 600 s window
	f.Add("z", "temperature", "s1", 20.0, now)
	v, ok := f.Fused("z", "temperature", now)
	require.True(t, ok)
	assert.InDelta(t, 20.0, v, 1e-9)
}

func TestOccupancyIntegration(t *testing.T) {
	cases := []struct {
		name   string
		vision int
		pir    bool
		area   float64
		want   int
	}{
		{"vision authoritative", 3, false, 0, 3},
		{"pir rescues zero", 0, true, 0, 1},
		{"pir ignored when vision present", 2, true, 0, 2},
		{"large zone scaling", 3, false, 60, 4}, // 3 * 1.2 rounded
		{"large zone empty no scaling", 0, false, 60, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fuseOccupancy(tc.vision, tc.pir, tc.area))
		})
	}
}

func TestPersonEnteredExitedEvents(t *testing.T) {
	w, _ := testModel(nil)

	var events []Event
	w.SetEventHandler(func(_ string, e Event) { events = append(events, e) })

	w.UpdateFromMessage("office/zone_a/camera/cam_1", []byte(`{"person_count": 2}`))
	require.Len(t, events, 1)
	assert.Equal(t, "person_entered", events[0].Type)
	assert.Equal(t, 2, events[0].Data["count"])

	w.UpdateFromMessage("office/zone_a/camera/cam_1", []byte(`{"person_count": 0}`))
	require.Len(t, events, 2)
	assert.Equal(t, "person_exited", events[1].Type)
	assert.Equal(t, 2, events[1].Data["count"])

	// no change, no event
	w.UpdateFromMessage("office/zone_a/camera/cam_1", []byte(`{"person_count": 0}`))
	assert.Len(t, events, 2)
}

func TestCO2EventCooldown(t *testing.T) {
	w, now := testModel(nil)

	var fired int
	w.SetEventHandler(func(_ string, e Event) {
		if e.Type == "co2_threshold_exceeded" {
			fired++
		}
	})

	topic, payload := sensorMsg("zone_a", "co2_1", "co2", 1200)
	w.UpdateFromMessage(topic, payload)
	assert.Equal(t, 1, fired)

	// within cooldown: suppressed
	*now = now.Add(60 * time.Second)
	topic, payload = sensorMsg("zone_a", "co2_1", "co2", 1300)
	w.UpdateFromMessage(topic, payload)
	assert.Equal(t, 1, fired)

	// after 600 s cooldown: fires again
	*now = now.Add(601 * time.Second)
	topic, payload = sensorMsg("zone_a", "co2_1", "co2", 1300)
	w.UpdateFromMessage(topic, payload)
	assert.Equal(t, 2, fired)
}

func TestTempSpikeAndTamper(t *testing.T) {
	w, now := testModel(nil)
	w.SetSensorReliability("temp_1", 1.0)

	var types []string
	w.SetEventHandler(func(_ string, e Event) { types = append(types, e.Type) })

	topic, payload := sensorMsg("zone_a", "temp_1", "temperature", 22.0)
	w.UpdateFromMessage(topic, payload)
	assert.Empty(t, types, "first reading has no previous value")

	// Jump far enough that the fused value still moves >5 °C within 30 s.
	// Old readings decay but remain in the window, so the raw jump must be
	// large for the fused delta to cross both thresholds.
	*now = now.Add(10 * time.Second)
	topic, payload = sensorMsg("zone_a", "temp_1", "temperature", 60.0)
	w.UpdateFromMessage(topic, payload)

	assert.Contains(t, types, "temp_spike")
	assert.Contains(t, types, "sensor_tamper")
}

func TestSedentaryAlert(t *testing.T) {
	w, _ := testModel(nil)

	var fired int
	w.SetEventHandler(func(_ string, e Event) {
		if e.Type == "sedentary_alert" {
			fired++
		}
	})

	w.UpdateFromMessage("office/zone_a/camera/cam_1", []byte(`{"person_count": 1}`))
	w.UpdateFromMessage("office/zone_a/activity/pose_1",
		[]byte(`{"posture_status": "static", "posture_duration_sec": 2000, "activity_class": "idle"}`))
	assert.Equal(t, 1, fired)

	// cooldown suppresses the repeat
	w.UpdateFromMessage("office/zone_a/activity/pose_1",
		[]byte(`{"posture_status": "static", "posture_duration_sec": 2100}`))
	assert.Equal(t, 1, fired)

	// empty zone never alerts
	w2, _ := testModel(nil)
	w2.SetEventHandler(func(_ string, e Event) {
		require.NotEqual(t, "sedentary_alert", e.Type)
	})
	w2.UpdateFromMessage("office/zone_b/activity/pose_1",
		[]byte(`{"posture_status": "static", "posture_duration_sec": 5000}`))
}

func TestTaskReportEvent(t *testing.T) {
	w, _ := testModel(nil)

	w.UpdateFromMessage("office/zone_a/task_report/42",
		[]byte(`{"title": "換気してください", "report_status": "needs_followup", "completion_note": "窓が開きません"}`))

	reports := w.ActionableReports(5 * time.Minute)
	require.Len(t, reports, 1)
	assert.Equal(t, SeverityWarning, reports[0].Severity)
	assert.Equal(t, "42", reports[0].Data["task_id"])
	assert.Contains(t, reports[0].Description(), "要追加対応")

	// resolved reports are recorded but not actionable
	w.UpdateFromMessage("office/zone_a/task_report/43",
		[]byte(`{"title": "done", "report_status": "resolved"}`))
	assert.Len(t, w.ActionableReports(5*time.Minute), 1)
	assert.Len(t, w.RecentEvents(5*time.Minute), 2)
}

func TestDoorEvents(t *testing.T) {
	w, _ := testModel(nil)

	var types []string
	w.SetEventHandler(func(_ string, e Event) { types = append(types, e.Type) })

	w.UpdateFromMessage("office/entrance/door/door_1", []byte(`{"power_state": "open"}`))
	w.UpdateFromMessage("office/entrance/door/door_1", []byte(`{"power_state": "closed"}`))
	w.UpdateFromMessage("office/entrance/door/door_1", []byte(`{"power_state": "closed"}`))

	assert.Equal(t, []string{"door_opened", "door_closed"}, types)
}

func TestLLMContextRendering(t *testing.T) {
	w, _ := testModel(nil)
	w.SetSensorReliability("temp_1", 1.0)

	topic, payload := sensorMsg("zone_a", "temp_1", "temperature", 28.5)
	w.UpdateFromMessage(topic, payload)
	topic, payload = sensorMsg("zone_a", "co2_1", "co2", 1200)
	w.UpdateFromMessage(topic, payload)
	w.UpdateFromMessage("office/zone_a/camera/cam_1",
		[]byte(`{"person_count": 2, "activity_distribution": {"focused": 2}}`))
	w.UpdateFromMessage("office/zone_a/hvac/hvac_1", []byte(`{"power_state": "off"}`))

	ctx := w.GetLLMContext()
	assert.Contains(t, ctx, "【要注意】")
	assert.Contains(t, ctx, "zone_a: 気温が28.5℃です")
	assert.Contains(t, ctx, "換気推奨")
	assert.Contains(t, ctx, "2人が集中作業中")
	assert.Contains(t, ctx, "hvac_1(off)")
	assert.Contains(t, ctx, "暑い")
}

func TestLLMContextCache(t *testing.T) {
	w, now := testModel(nil)

	topic, payload := sensorMsg("zone_a", "temp_1", "temperature", 22.0)
	w.UpdateFromMessage(topic, payload)

	first := w.GetLLMContext()
	// cached: same string even if clock advances within TTL
	*now = now.Add(2 * time.Second)
	assert.Equal(t, first, w.GetLLMContext())

	// any update invalidates immediately
	w.UpdateFromMessage("office/zone_a/camera/cam_1", []byte(`{"person_count": 1}`))
	assert.NotEqual(t, first, w.GetLLMContext())
}

func TestThermalComfort(t *testing.T) {
	for _, tc := range []struct {
		temp float64
		want string
	}{
		{17.9, "cold"}, {18.0, "comfortable"}, {26.0, "comfortable"}, {26.1, "hot"},
	} {
		env := Environment{Temperature: &tc.temp}
		assert.Equal(t, tc.want, env.ThermalComfort(), "temp=%v", tc.temp)
	}
}

func TestEventHistoryCap(t *testing.T) {
	w, now := testModel(nil)

	for i := 0; i < maxZoneEvents+50; i++ {
		*now = now.Add(time.Second)
		count := (i % 2) + 1 // alternate 1,2 to force an event each time
		payload := []byte(fmt.Sprintf(`{"person_count": %d}`, count))
		w.UpdateFromMessage("office/zone_a/camera/cam_1", payload)
	}

	z := w.GetZone("zone_a")
	require.NotNil(t, z)
	assert.Equal(t, maxZoneEvents, len(z.Events))
}

func TestFusionHalfLifeTable(t *testing.T) {
	// co2 decays faster than temperature: same age, lower weight
	age := 60.0

	wTemp := math.Exp(-age / halfLives["temperature"])
	wCO2 := math.Exp(-age / halfLives["co2"])
	assert.Greater(t, wTemp, wCO2)
}
