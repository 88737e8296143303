package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/soms/backend/internal/worldmodel"
)

// WorldView is the read-only slice of the WorldModel the oracle consults.
type WorldView interface {
	HasZone(zoneID string) bool
	GetZone(zoneID string) *worldmodel.Zone
}

// Working hours for non-urgent dispatch, local time.
const (
	workHourStart = 7
	workHourEnd   = 22
)

// decide returns whether a task should go out now or wait in the queue.
// Rules are evaluated in order; the first match wins.
func decide(t *QueuedTask, world WorldView, now time.Time) (dispatch bool, reason string) {
	if t.Urgency >= 4 {
		return true, "critical urgency"
	}
	if t.Zone == "" {
		return true, "no spatial constraint"
	}
	if !world.HasZone(t.Zone) {
		return false, fmt.Sprintf("zone %s not yet observed", t.Zone)
	}

	zone := world.GetZone(t.Zone)
	people := zone.Occupancy.PersonCount

	if people < t.MinPeopleRequired {
		return false, fmt.Sprintf("needs %d people, zone has %d", t.MinPeopleRequired, people)
	}
	if !t.Interruptible && t.Urgency < 3 &&
		strings.Contains(zone.Occupancy.DominantActivity(), "focused") {
		return false, "zone occupants are focused"
	}
	if t.Urgency >= 3 {
		return true, "high urgency"
	}
	if hour := now.Hour(); (hour < workHourStart || hour > workHourEnd) && t.Urgency < 3 {
		return false, "outside working hours"
	}
	if people > 0 {
		return true, "zone occupied"
	}
	return false, "zone empty"
}
