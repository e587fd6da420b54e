// Package controller runs the poll loop that keeps the receiver following the target zone:
// switch to the streaming profile when the zone starts playing, restore the previous state when it stops.
package controller

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/radiosync/internal/receiver"
	"github.com/dokzlo13/radiosync/internal/retry"
	"github.com/dokzlo13/radiosync/internal/zone"
)

// Config holds the loop timings and the streaming profile.
type Config struct {
	// Profile is applied while the zone plays. Power and Mute are forced on and off.
	Profile      receiver.State
	PollInterval time.Duration // sleep after every tick
	SettleDelay  time.Duration // pause after a completed transition
	WriteDelay   time.Duration // pause between receiver field writes
}

// Targets hands out the current target zone.
type Targets interface {
	Snapshot() zone.Target
}

// Transition describes one attempted state machine transition.
type Transition struct {
	ID        string
	Action    Action
	Err       error
	Applied   *receiver.State // state written to the receiver, nil when nothing was written
	Saved     *receiver.State
	Streaming bool // activation flag after the attempt
	Target    string
	At        time.Time
}

// Outcome is the result of one tick.
type Outcome struct {
	Signal Signal
	Action Action
	Err    error
}

// Status is a point-in-time copy of the controller state, safe to read from other goroutines.
type Status struct {
	Streaming bool            `json:"streaming"`
	Target    string          `json:"target,omitempty"`
	Signal    string          `json:"signal"`
	Saved     *receiver.State `json:"saved,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Connected bool            `json:"connected"`
}

// Controller owns the receiver session, the activation flag and the saved state.
// All three are touched only by the goroutine calling Tick/Run.
type Controller struct {
	cfg       Config
	targets   Targets
	connector receiver.Connector
	retry     *retry.Executor
	notify    func(Transition)

	session   receiver.Session
	streaming bool
	saved     *receiver.State

	status atomic.Pointer[Status]
}

// New creates a controller. Call Connect before Run.
func New(cfg Config, targets Targets, connector receiver.Connector, exec *retry.Executor) *Controller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	cfg.Profile.Power = true
	cfg.Profile.Mute = false

	c := &Controller{
		cfg:       cfg,
		targets:   targets,
		connector: connector,
		retry:     exec,
	}
	c.status.Store(&Status{Signal: SignalUnknown.String(), UpdatedAt: time.Now()})
	return c
}

// OnTransition registers a callback invoked after every attempted transition on the loop goroutine.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.notify = fn
}

// Status returns the latest status copy.
func (c *Controller) Status() Status {
	return *c.status.Load()
}

// Connect opens the receiver session, retrying per the executor.
func (c *Controller) Connect(ctx context.Context) error {
	s, err := retry.Value(ctx, c.retry, "connect receiver", c.connector.Connect)
	if err != nil {
		return err
	}
	c.session = s
	return nil
}

// Run ticks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", c.cfg.PollInterval).
		Str("mode", c.cfg.Profile.Mode).
		Int("volume", c.cfg.Profile.Volume).
		Msg("Controller started")

	for {
		out := c.Tick(ctx)

		switch {
		case ctx.Err() != nil:
			log.Info().Msg("Controller stopping")
			return nil
		case out.Err == nil && out.Action != ActionNone:
			log.Info().Str("action", out.Action.String()).Bool("streaming", c.streaming).Msg("Transition complete")
		case errors.Is(out.Err, retry.ErrExhausted):
			log.Error().Err(out.Err).Str("action", out.Action.String()).Msg("Transition failed after retries, retrying next tick")
		case out.Err != nil:
			log.Error().Err(out.Err).Str("action", out.Action.String()).Msg("Transition failed, retrying next tick")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Controller stopping")
			return nil
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// Tick reads the target once and runs at most one transition.
func (c *Controller) Tick(ctx context.Context) Outcome {
	target := c.targets.Snapshot()
	sig := SignalFor(c.readTransport(ctx, target))
	action := DetermineAction(c.streaming, sig)

	out := Outcome{Signal: sig, Action: action}
	var applied *receiver.State

	switch action {
	case ActionActivate:
		applied, out.Err = c.activate(ctx)
	case ActionRestore:
		applied, out.Err = c.restore(ctx)
	}

	targetName := ""
	if target != nil {
		targetName = target.Name()
	}
	c.publishStatus(out, targetName)

	if action != ActionNone && c.notify != nil {
		c.notify(Transition{
			ID:        uuid.NewString(),
			Action:    action,
			Err:       out.Err,
			Applied:   applied,
			Saved:     copyState(c.saved),
			Streaming: c.streaming,
			Target:    targetName,
			At:        time.Now(),
		})
	}
	return out
}

// readTransport returns the zone's transport state, or "" when there is no zone or it cannot be read.
// target is a snapshot; the registry lock is not held here.
func (c *Controller) readTransport(ctx context.Context, target zone.Target) string {
	if target == nil {
		log.Debug().Msg("No target zone resolved")
		return ""
	}
	state, err := target.TransportState(ctx)
	if err != nil {
		log.Warn().Err(err).Str("zone", target.Name()).Msg("Lost connection to target zone")
		return ""
	}
	return state
}

func (c *Controller) activate(ctx context.Context) (*receiver.State, error) {
	log.Info().Str("mode", c.cfg.Profile.Mode).Msg("Target zone started playing, switching receiver to streaming profile")

	// Set before touching the receiver: after a failure the next tick must not capture a
	// half-switched receiver as the state to restore
	c.streaming = true

	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	saved, err := retry.Value(ctx, c.retry, "read receiver state", func(ctx context.Context) (receiver.State, error) {
		return receiver.ReadState(ctx, c.session)
	})
	if err != nil {
		return nil, err
	}
	c.saved = &saved

	profile := c.cfg.Profile
	if err := c.write(ctx, "apply streaming profile", profile); err != nil {
		return nil, err
	}
	return &profile, sleep(ctx, c.cfg.SettleDelay)
}

func (c *Controller) restore(ctx context.Context) (*receiver.State, error) {
	log.Info().Msg("Target zone stopped, restoring previous receiver state")

	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	var applied *receiver.State
	if c.saved != nil {
		current, err := retry.Value(ctx, c.retry, "read receiver state", func(ctx context.Context) (receiver.State, error) {
			return receiver.ReadState(ctx, c.session)
		})
		if err != nil {
			return nil, err
		}

		next := RestoreTarget(*c.saved, current.Power)
		if next.Power != c.saved.Power {
			log.Info().Msg("Receiver was switched off while streaming, keeping it off")
		}
		if err := c.write(ctx, "restore receiver state", next); err != nil {
			return nil, err
		}
		if err := sleep(ctx, c.cfg.SettleDelay); err != nil {
			return &next, err
		}
		applied = &next
	}

	// Cleared last: a failed restoration is retried in full on the next tick
	c.streaming = false
	return applied, nil
}

// RestoreTarget returns the state to restore. A receiver powered off by hand while streaming stays off.
func RestoreTarget(saved receiver.State, currentPower bool) receiver.State {
	next := saved
	if !currentPower {
		next.Power = false
	}
	return next
}

func (c *Controller) write(ctx context.Context, op string, st receiver.State) error {
	return c.retry.Do(ctx, op, func(ctx context.Context) error {
		return receiver.WriteState(ctx, c.session, st, c.cfg.WriteDelay)
	})
}

// ensureSession reconnects when the session no longer answers.
func (c *Controller) ensureSession(ctx context.Context) error {
	if receiver.Alive(ctx, c.session) {
		return nil
	}
	log.Warn().Msg("Receiver session is stale, reconnecting")
	return c.Connect(ctx)
}

func (c *Controller) publishStatus(out Outcome, target string) {
	st := &Status{
		Streaming: c.streaming,
		Target:    target,
		Signal:    out.Signal.String(),
		Saved:     copyState(c.saved),
		UpdatedAt: time.Now(),
		Connected: c.session != nil,
	}
	if out.Err != nil {
		st.LastError = out.Err.Error()
	}
	c.status.Store(st)
}

func copyState(s *receiver.State) *receiver.State {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
