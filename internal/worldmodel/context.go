package worldmodel

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	contextCacheTTL    = 5 * time.Second
	contextEventWindow = 10 * time.Minute
	contextEventLimit  = 3
)

var comfortLabels = map[string]string{
	"cold":        "寒い",
	"comfortable": "快適",
	"hot":         "暑い",
	"unknown":     "不明",
}

// GetLLMContext renders the multi-zone office summary used as the system
// context in every Brain prompt. Cached for 5 s; any update invalidates it.
func (w *WorldModel) GetLLMContext() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if !w.ctxDirty && now.Sub(w.ctxCacheAt) < contextCacheTTL {
		return w.ctxCache
	}

	w.ctxCache = w.renderContext(now)
	w.ctxCacheAt = now
	w.ctxDirty = false
	return w.ctxCache
}

func (w *WorldModel) renderContext(now time.Time) string {
	if len(w.zonesByID) == 0 {
		return "## 現在のオフィス状況\n\nまだセンサーデータがありません。"
	}

	zoneIDs := make([]string, 0, len(w.zonesByID))
	for id := range w.zonesByID {
		zoneIDs = append(zoneIDs, id)
	}
	sort.Strings(zoneIDs)

	var b strings.Builder
	b.WriteString("## 現在のオフィス状況\n")

	if alerts := w.renderAlerts(zoneIDs); len(alerts) > 0 {
		b.WriteString("\n⚠️ 【要注意】\n")
		for _, a := range alerts {
			b.WriteString("- " + a + "\n")
		}
	}

	for _, id := range zoneIDs {
		w.renderZone(&b, w.zonesByID[id], now)
	}
	return b.String()
}

func (w *WorldModel) renderAlerts(zoneIDs []string) []string {
	var alerts []string
	for _, id := range zoneIDs {
		env := &w.zonesByID[id].Environment
		if env.Temperature != nil && (*env.Temperature < 18 || *env.Temperature > 26) {
			alerts = append(alerts, fmt.Sprintf("%s: 気温が%.1f℃です（快適範囲: 18〜26℃）", id, *env.Temperature))
		}
		if env.Humidity != nil && (*env.Humidity < 30 || *env.Humidity > 70) {
			alerts = append(alerts, fmt.Sprintf("%s: 湿度が%.0f%%です（快適範囲: 30〜70%%）", id, *env.Humidity))
		}
		if env.IsStuffy() {
			alerts = append(alerts, fmt.Sprintf("%s: CO2濃度が%dppmです（換気推奨）", id, *env.CO2))
		}
	}
	return alerts
}

func (w *WorldModel) renderZone(b *strings.Builder, zone *Zone, now time.Time) {
	fmt.Fprintf(b, "\n### %s\n", zone.ZoneID)

	occ := &zone.Occupancy
	fmt.Fprintf(b, "- 在室: %s\n", occ.ActivitySummary())
	if occ.ActivityClass != "unknown" && occ.PersonCount > 0 {
		fmt.Fprintf(b, "- 活動レベル: %.2f (%s) / 姿勢維持 %d分\n",
			occ.ActivityLevel, occ.ActivityClass, int(occ.PostureDurationSec/60))
	}

	env := &zone.Environment
	if env.Temperature != nil {
		fmt.Fprintf(b, "- 気温: %.1f℃ (%s)\n", *env.Temperature, comfortLabels[env.ThermalComfort()])
	}
	if env.Humidity != nil {
		fmt.Fprintf(b, "- 湿度: %.0f%%\n", *env.Humidity)
	}
	if env.CO2 != nil {
		if env.IsStuffy() {
			fmt.Fprintf(b, "- CO2: %dppm（換気推奨）\n", *env.CO2)
		} else {
			fmt.Fprintf(b, "- CO2: %dppm\n", *env.CO2)
		}
	}
	if env.Illuminance != nil {
		fmt.Fprintf(b, "- 照度: %.0flux\n", *env.Illuminance)
	}
	if env.Pressure != nil {
		fmt.Fprintf(b, "- 気圧: %.1fhPa\n", *env.Pressure)
	}

	if len(zone.Devices) > 0 {
		ids := make([]string, 0, len(zone.Devices))
		for id := range zone.Devices {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		entries := make([]string, 0, len(ids))
		for _, id := range ids {
			entries = append(entries, fmt.Sprintf("%s(%s)", id, zone.Devices[id].PowerState))
		}
		fmt.Fprintf(b, "- デバイス: %s\n", strings.Join(entries, ", "))
	}

	recent := lastEvents(zone.Events, now.Add(-contextEventWindow), contextEventLimit)
	if len(recent) > 0 {
		b.WriteString("- 最近のイベント:\n")
		for _, e := range recent {
			fmt.Fprintf(b, "  - [%s] %s\n", e.Timestamp.Format("15:04"), e.Description())
		}
	}
}

// lastEvents returns up to limit events newer than cutoff, oldest first.
func lastEvents(events []Event, cutoff time.Time, limit int) []Event {
	var recent []Event
	for _, e := range events {
		if e.Timestamp.After(cutoff) {
			recent = append(recent, e)
		}
	}
	if len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}
	return recent
}
