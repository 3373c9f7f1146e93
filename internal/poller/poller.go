// Package poller periodically re-enters idle executions and warns about
// decisions that have outlived their advisory timeout.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowpilot/internal/decision"
	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/pkg/schema"
)

// DefaultSchedule is used when Config.Schedule is empty.
const DefaultSchedule = "@every 5s"

// Continuer re-enters an idle execution. Satisfied by *engine.FlowExecutor.
type Continuer interface {
	Continue(ctx context.Context, executionID string) (*engine.WalkResult, error)
}

// Config configures a Poller.
type Config struct {
	// Schedule is a cron spec; descriptors such as "@every 10s" are accepted.
	Schedule string
	// ContinueIdle re-enters idle executions on every tick. When false the
	// poller only reports overdue decisions.
	ContinueIdle bool
	Hub          streaming.EventHub // optional
	Logger       *slog.Logger
	Now          func() time.Time
}

// Deps are the components a Poller drives.
type Deps struct {
	Registry  *registry.Registry
	Decisions *decision.Coordinator
	Executor  Continuer
}

// Report summarises one tick.
type Report struct {
	Continued int
	Failed    int
	Overdue   int
}

// Poller runs ticks on a cron schedule.
type Poller struct {
	deps     Deps
	cfg      Config
	schedule cron.Schedule
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // execution ids being continued

	warnMu sync.Mutex
	warned map[string]struct{} // overdue decisions already reported
}

// New creates a Poller. It fails on an unparsable schedule.
func New(deps Deps, cfg Config) (*Poller, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse poll schedule %q: %s", cfg.Schedule, err.Error()).WithCause(err)
	}
	return &Poller{
		deps:     deps,
		cfg:      cfg,
		schedule: sched,
		logger:   logging.OrDefault(cfg.Logger).With("component", "poller"),
		inflight: make(map[string]struct{}),
		warned:   make(map[string]struct{}),
	}, nil
}

// Start launches the background loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return fmt.Errorf("poller already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(loopCtx)
	p.logger.Info("poller started", "schedule", p.cfg.Schedule, "continue_idle", p.cfg.ContinueIdle)
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	for {
		now := p.cfg.Now()
		timer := time.NewTimer(p.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.Tick(ctx)
		}
	}
}

// Stop ends the loop and waits for the current tick.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	p.logger.Info("poller stopped")
}

// Next returns the next tick time after from.
func (p *Poller) Next(from time.Time) time.Time {
	return p.schedule.Next(from)
}

// Tick runs one polling pass.
func (p *Poller) Tick(ctx context.Context) Report {
	var r Report
	if p.cfg.ContinueIdle && p.deps.Executor != nil {
		for _, exec := range p.deps.Registry.ListState(schema.StateIdle) {
			id := exec.ID()
			if !p.tryAcquire(id) {
				continue
			}
			_, err := p.deps.Executor.Continue(ctx, id)
			p.release(id)

			switch {
			case err == nil:
				r.Continued++
			case schema.HasCode(err, schema.ErrCodeConflict):
				// another driver got there first
			default:
				r.Failed++
				p.logger.WarnContext(logging.WithExecutionID(ctx, id), "idle execution did not advance", "error", err)
			}
		}
	}
	r.Overdue = p.reportOverdue(ctx)
	return r
}

// reportOverdue warns once per overdue decision. Timeouts are advisory, so
// the decision stays pending.
func (p *Poller) reportOverdue(ctx context.Context) int {
	if p.deps.Decisions == nil {
		return 0
	}
	overdue := p.deps.Decisions.Expired(p.cfg.Now())

	p.warnMu.Lock()
	defer p.warnMu.Unlock()

	seen := make(map[string]struct{}, len(overdue))
	fresh := 0
	for _, d := range overdue {
		key := d.ExecutionID + "\x00" + d.StepID
		seen[key] = struct{}{}
		if _, ok := p.warned[key]; ok {
			continue
		}
		p.warned[key] = struct{}{}
		fresh++

		dctx := logging.WithIDs(ctx, d.ExecutionID, d.StepID, "")
		p.logger.WarnContext(dctx, "decision overdue", "timeout", d.Timeout, "created_at", d.CreatedAt)
		if p.cfg.Hub != nil {
			if err := p.cfg.Hub.Publish(ctx, streaming.FlowEvent{
				ExecutionID: d.ExecutionID,
				StepID:      d.StepID,
				Type:        schema.EventDecisionOverdue,
				Payload:     map[string]any{"timeout": d.Timeout},
				Timestamp:   p.cfg.Now(),
			}); err != nil {
				p.logger.WarnContext(dctx, "publish overdue event failed", "error", err)
			}
		}
	}
	for key := range p.warned {
		if _, ok := seen[key]; !ok {
			delete(p.warned, key)
		}
	}
	return fresh
}

func (p *Poller) tryAcquire(id string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Poller) release(id string) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.inflight, id)
}
