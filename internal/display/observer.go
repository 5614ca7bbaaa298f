// Package display drives the full-screen graduate surface: it follows
// broadcast envelopes and pushes the resulting view state to connected
// websocket clients.
package display

import (
	"context"
	"sync"
	"time"

	"qrgrad/internal/broadcast"
	"qrgrad/internal/ceremony"
)

// Visual phases of a display surface.
const (
	PhaseWaiting = "waiting"
	PhaseShowing = "showing"
)

// Snapshot is what a display client renders.
type Snapshot struct {
	Phase         string         `json:"phase"`
	CeremonyState ceremony.State `json:"ceremonyState"`
}

// Observer tracks incoming ceremony snapshots and applies the reveal
// hold: when a student appears, the underlying state is already
// showing but the visual reveal waits a beat for dramatic effect. An
// empty snapshot returns to waiting immediately. There is no
// timeout-driven auto-return; the admin side schedules the clear.
type Observer struct {
	hold     time.Duration
	onChange func(Snapshot)

	mu          sync.Mutex
	state       ceremony.State
	phase       string
	revealTimer *time.Timer
}

// NewObserver creates an observer. onChange fires on every visual
// change and may be nil. hold must stay under half a second; larger
// values are clamped.
func NewObserver(hold time.Duration, onChange func(Snapshot)) *Observer {
	if hold < 0 || hold >= 500*time.Millisecond {
		hold = 500 * time.Millisecond
	}
	return &Observer{hold: hold, onChange: onChange, phase: PhaseWaiting}
}

// Apply ingests one envelope, unconditionally overwriting local state.
func (o *Observer) Apply(env broadcast.Envelope) {
	if env.Type != broadcast.TypeCeremonyUpdate {
		return
	}
	o.SetState(env.CeremonyState)
}

// SetState overwrites the observed ceremony state, used both for
// envelopes and for the startup read of persisted state.
func (o *Observer) SetState(st ceremony.State) {
	o.mu.Lock()
	o.state = st
	if o.revealTimer != nil {
		o.revealTimer.Stop()
		o.revealTimer = nil
	}
	if st.CurrentStudent == nil {
		o.phase = PhaseWaiting
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.notify(snap)
		return
	}
	o.phase = PhaseWaiting
	if o.hold == 0 {
		o.phase = PhaseShowing
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.notify(snap)
		return
	}
	o.revealTimer = time.AfterFunc(o.hold, o.reveal)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(snap)
}

func (o *Observer) reveal() {
	o.mu.Lock()
	if o.state.CurrentStudent == nil {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseShowing
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(snap)
}

// Snapshot returns the current view state.
func (o *Observer) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Observer) snapshotLocked() Snapshot {
	return Snapshot{Phase: o.phase, CeremonyState: o.state}
}

func (o *Observer) notify(snap Snapshot) {
	if o.onChange != nil {
		o.onChange(snap)
	}
}

// Run consumes a subscription until ctx ends.
func (o *Observer) Run(ctx context.Context, envs <-chan broadcast.Envelope) {
	for {
		select {
		case env, ok := <-envs:
			if !ok {
				return
			}
			o.Apply(env)
		case <-ctx.Done():
			return
		}
	}
}
