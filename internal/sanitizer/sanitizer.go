// Package sanitizer enforces action policy before any side effect. The LLM
// plans freely; nothing it emits reaches a device, wallet or speaker without
// passing these checks.
package sanitizer

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/soms/backend/internal/tools"
)

const (
	MaxBounty       = 5000
	MaxUrgency      = 4
	MaxTasksPerHour = 10
	SpeakCooldown   = 300 * time.Second

	MinTemperature  = 18.0
	MaxTemperature  = 28.0
	MaxPumpDuration = 60.0 // seconds

	trustedAgentPrefix = "swarm_hub"
)

// Sanitizer keeps the rolling counters that back rate limits and cooldowns.
// Counters advance only on recorded successes, so rejected or failed calls
// never consume budget.
type Sanitizer struct {
	mu sync.Mutex

	allowedAgents map[string]bool
	taskCreations []time.Time          // rolling 1 h window
	lastSpeak     map[string]time.Time // per zone

	logger *log.Logger
	now    func() time.Time
}

// New creates a sanitizer with the given device-agent allow-list.
func New(allowedAgents []string) *Sanitizer {
	allowed := make(map[string]bool, len(allowedAgents))
	for _, a := range allowedAgents {
		allowed[a] = true
	}
	return &Sanitizer{
		allowedAgents: allowed,
		lastSpeak:     make(map[string]time.Time),
		logger:        log.New(log.Writer(), "[SANITIZER] ", log.LstdFlags),
		now:           time.Now,
	}
}

// Validate checks one tool call against policy. A non-nil error is the
// rejection reason, phrased for the LLM to read and adapt.
func (s *Sanitizer) Validate(call *tools.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch call.Kind {
	case tools.KindCreateTask:
		err = s.checkCreateTask(call.CreateTask)
	case tools.KindSpeak:
		err = s.checkSpeak(call.Speak)
	case tools.KindSendDeviceCommand:
		err = s.checkDeviceCommand(call.SendDeviceCommand)
	}

	if err != nil {
		s.logger.Printf("🚫 Rejected %s: %v", call.Kind, err)
	}
	return err
}

func (s *Sanitizer) checkCreateTask(args *tools.CreateTaskArgs) error {
	if args.Bounty < 0 {
		return fmt.Errorf("bounty must not be negative (got %d)", args.Bounty)
	}
	if args.Bounty > MaxBounty {
		return fmt.Errorf("bounty %d exceeds the maximum of %d", args.Bounty, MaxBounty)
	}
	if args.Urgency < 0 || args.Urgency > MaxUrgency {
		return fmt.Errorf("urgency %d out of range 0-%d", args.Urgency, MaxUrgency)
	}

	cutoff := s.now().Add(-time.Hour)
	recent := s.taskCreations[:0]
	for _, t := range s.taskCreations {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	s.taskCreations = recent
	if len(s.taskCreations) >= MaxTasksPerHour {
		return fmt.Errorf("task creation rate limit reached (%d per hour)", MaxTasksPerHour)
	}
	return nil
}

func (s *Sanitizer) checkSpeak(args *tools.SpeakArgs) error {
	if args.Message == "" {
		return fmt.Errorf("speak message is empty")
	}

	key := speakKey(args.Zone)
	if last, ok := s.lastSpeak[key]; ok {
		elapsed := s.now().Sub(last)
		if elapsed < SpeakCooldown {
			return fmt.Errorf("zone %s was announced %.0f s ago; wait %.0f s between announcements",
				key, elapsed.Seconds(), SpeakCooldown.Seconds())
		}
	}
	return nil
}

func (s *Sanitizer) checkDeviceCommand(args *tools.SendDeviceCommandArgs) error {
	if args.AgentID == "" {
		return fmt.Errorf("agent_id is empty")
	}
	if !s.allowedAgents[args.AgentID] && !strings.HasPrefix(args.AgentID, trustedAgentPrefix) {
		return fmt.Errorf("agent %s is not on the allow-list", args.AgentID)
	}

	switch args.ToolName {
	case "set_temperature":
		temp, ok := numArg(args.Arguments, "temperature")
		if !ok {
			return fmt.Errorf("set_temperature requires a numeric temperature argument")
		}
		if temp < MinTemperature || temp > MaxTemperature {
			return fmt.Errorf("temperature %.1f out of the allowed range %.0f-%.0f",
				temp, MinTemperature, MaxTemperature)
		}
	case "run_pump":
		if dur, ok := numArg(args.Arguments, "duration"); ok && dur > MaxPumpDuration {
			return fmt.Errorf("pump duration %.0f s exceeds the maximum of %.0f s", dur, MaxPumpDuration)
		}
	}
	return nil
}

// RecordTaskCreated advances the rolling task-creation counter. Call only
// after the TaskStore confirmed the creation.
func (s *Sanitizer) RecordTaskCreated() {
	s.mu.Lock()
	s.taskCreations = append(s.taskCreations, s.now())
	s.mu.Unlock()
}

// RecordSpeak starts the per-zone cooldown. Call only after a successful
// announcement.
func (s *Sanitizer) RecordSpeak(zone string) {
	s.mu.Lock()
	s.lastSpeak[speakKey(zone)] = s.now()
	s.mu.Unlock()
}

func speakKey(zone string) string {
	if zone == "" {
		return "broadcast"
	}
	return zone
}

func numArg(args map[string]interface{}, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
