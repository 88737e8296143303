// Package brain is the cognitive core: it ingests bus traffic into the world
// model, runs the scheduler, and drives the LLM's reason/act loop on a fixed
// cadence with event-triggered early wakeups.
package brain

import (
	"context"
	"log"
	"time"

	"github.com/soms/backend/internal/bus"
	"github.com/soms/backend/internal/sanitizer"
	"github.com/soms/backend/internal/scheduler"
	"github.com/soms/backend/internal/worldmodel"
)

const (
	defaultCycleInterval    = 30 * time.Second
	defaultMinCycleInterval = 25 * time.Second
	defaultBatchWindow      = 3 * time.Second

	ingestBuffer = 256
)

// Options tunes the cycle cadence. Zero values take the defaults.
type Options struct {
	CycleInterval    time.Duration
	MinCycleInterval time.Duration
	BatchWindow      time.Duration
}

// Brain owns the single goroutine that mutates the world model, the
// scheduler and the action history. Bus handlers only enqueue.
type Brain struct {
	world    *worldmodel.WorldModel
	sched    *scheduler.Scheduler
	loop     *reactLoop
	taskAPI  TaskAPI
	reminder *reminder

	systemPrompt string
	opts         Options

	msgCh  chan bus.Message
	logger *log.Logger
	now    func() time.Time
}

// New assembles a Brain. Call Start to attach it to the bus and begin
// cycling.
func New(world *worldmodel.WorldModel, sched *scheduler.Scheduler,
	chat ChatClient, policy *sanitizer.Sanitizer, executor *Executor,
	taskAPI TaskAPI, voice VoiceAPI, systemPrompt string, opts Options) *Brain {

	if opts.CycleInterval <= 0 {
		opts.CycleInterval = defaultCycleInterval
	}
	if opts.MinCycleInterval <= 0 {
		opts.MinCycleInterval = defaultMinCycleInterval
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = defaultBatchWindow
	}

	logger := log.New(log.Writer(), "[BRAIN] ", log.LstdFlags)
	history := newActionHistory()
	b := &Brain{
		world: world,
		sched: sched,
		loop: &reactLoop{
			llm:      chat,
			policy:   policy,
			executor: executor,
			history:  history,
			logger:   logger,
		},
		taskAPI:      taskAPI,
		reminder:     newReminder(taskAPI, voice, logger),
		systemPrompt: systemPrompt,
		opts:         opts,
		msgCh:        make(chan bus.Message, ingestBuffer),
		logger:       logger,
		now:          time.Now,
	}
	return b
}

// Start subscribes to office traffic and runs the cycle loop until ctx is
// cancelled.
func (b *Brain) Start(ctx context.Context, transport bus.Bus) error {
	err := transport.Subscribe("office/#", func(msg bus.Message) {
		select {
		case b.msgCh <- msg:
		default:
			busMessagesDropped.Inc()
		}
	})
	if err != nil {
		return err
	}

	b.logger.Printf("🧠 Brain online (cycle %s, min %s, batch %s)",
		b.opts.CycleInterval, b.opts.MinCycleInterval, b.opts.BatchWindow)

	go b.reminder.run(ctx)
	b.run(ctx)
	return nil
}

// run is the scheduler goroutine. All world-model mutation happens here.
func (b *Brain) run(ctx context.Context) {
	var lastCycle time.Time

	for {
		if !b.waitForTrigger(ctx, lastCycle) {
			return
		}

		// an event woke us; give the rest of the burst a moment to land
		b.drainFor(ctx, b.opts.BatchWindow)

		if since := b.now().Sub(lastCycle); since < b.opts.MinCycleInterval {
			b.drainFor(ctx, b.opts.MinCycleInterval-since)
		}
		if ctx.Err() != nil {
			return
		}

		lastCycle = b.now()
		b.runCycle(ctx)
	}
}

// waitForTrigger pumps bus messages into the world model until either an
// event fires, the cycle timer expires, or ctx ends. Returns false on
// shutdown.
func (b *Brain) waitForTrigger(ctx context.Context, lastCycle time.Time) bool {
	deadline := lastCycle.Add(b.opts.CycleInterval)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	triggered := false
	b.world.SetEventHandler(func(zoneID string, e worldmodel.Event) {
		triggered = true
	})
	defer b.world.SetEventHandler(nil)

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case msg := <-b.msgCh:
			busMessagesTotal.Inc()
			b.world.UpdateFromMessage(msg.Topic, msg.Payload)
			if triggered {
				b.logger.Printf("⚡ Event trigger, starting cycle early")
				return true
			}
		}
	}
}

// drainFor keeps ingesting messages for the given duration without
// triggering anything.
func (b *Brain) drainFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case msg := <-b.msgCh:
			busMessagesTotal.Inc()
			b.world.UpdateFromMessage(msg.Topic, msg.Payload)
		}
	}
}

func (b *Brain) runCycle(ctx context.Context) {
	start := b.now()
	b.logger.Printf("🔄 Cycle start (queue=%d)", b.sched.QueueLen())

	b.sched.ProcessQueue()

	prompt := buildUserPrompt(ctx, b.world, b.taskAPI, b.loop.history)
	if err := b.loop.run(ctx, b.systemPrompt, prompt); err != nil {
		b.logger.Printf("⚠️ Cycle aborted: %v", err)
	}

	b.loop.history.Prune()
	queueDepth.Set(float64(b.sched.QueueLen()))
	cyclesTotal.Inc()
	cycleDuration.Observe(b.now().Sub(start).Seconds())
	b.logger.Printf("🔄 Cycle done in %.1fs", b.now().Sub(start).Seconds())
}
