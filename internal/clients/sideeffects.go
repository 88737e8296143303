package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/soms/backend/internal/bus"
	"github.com/soms/backend/internal/taskstore"
)

// TaskSideEffects wires the TaskStore's lifecycle side effects to the wallet
// service and the bus. All methods are fire-and-forget: failures are logged,
// never propagated, because the lifecycle transition already committed.
type TaskSideEffects struct {
	wallet *Wallet
	bus    bus.Bus
	logger *log.Logger
}

// NewTaskSideEffects builds the production side-effect sink.
func NewTaskSideEffects(wallet *Wallet, b bus.Bus) *TaskSideEffects {
	return &TaskSideEffects{
		wallet: wallet,
		bus:    b,
		logger: log.New(log.Writer(), "[TASK-FX] ", log.LstdFlags),
	}
}

func (e *TaskSideEffects) GrantZoneXP(zone string, xp int64) {
	if zone == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if err := e.wallet.GrantZoneXP(ctx, zone, xp); err != nil {
		e.logger.Printf("⚠️ XP grant failed (zone %s): %v", zone, err)
	}
}

func (e *TaskSideEffects) PayTaskReward(userID, amount, taskID int64, zone string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*defaultTimeout)
	defer cancel()

	multiplier, err := e.wallet.ZoneMultiplier(ctx, zone)
	if err != nil {
		e.logger.Printf("⚠️ Zone multiplier lookup failed (%s), paying base: %v", zone, err)
		multiplier = 1.0
	}
	if err := e.wallet.PayTaskReward(ctx, userID, amount, taskID, multiplier); err != nil {
		e.logger.Printf("⚠️ Reward payment failed (task %d): %v", taskID, err)
		return
	}
	e.logger.Printf("💰 Task %d paid %d ×%.2f to user %d", taskID, amount, multiplier, userID)
}

func (e *TaskSideEffects) PublishTaskReport(t *taskstore.Task) {
	if t.Zone == nil || *t.Zone == "" {
		// no zone means no WorldModel slot to route the report into
		return
	}
	status := ""
	if t.ReportStatus != nil {
		status = *t.ReportStatus
	}
	note := ""
	if t.CompletionNote != nil {
		note = *t.CompletionNote
	}

	payload, err := json.Marshal(map[string]interface{}{
		"task_id":         t.ID,
		"title":           t.Title,
		"report_status":   status,
		"completion_note": note,
		"zone":            *t.Zone,
		"timestamp":       time.Now().Unix(),
	})
	if err != nil {
		return
	}
	topic := fmt.Sprintf("office/%s/task_report/%d", *t.Zone, t.ID)
	if err := e.bus.Publish(topic, payload); err != nil {
		e.logger.Printf("⚠️ task_report publish failed (%s): %v", topic, err)
	}
}
