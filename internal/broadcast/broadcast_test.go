package broadcast

import (
	"context"
	"testing"
	"time"

	"qrgrad/internal/ceremony"
	"qrgrad/internal/store"
)

func recv(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestInMemoryFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewInMemory(nil)
	sub1, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub2, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	st := ceremony.State{CeremonyStarted: true}
	if err := bus.Publish(ctx, st); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, sub := range []<-chan Envelope{sub1, sub2} {
		env := recv(t, sub)
		if env.Type != TypeCeremonyUpdate {
			t.Fatalf("type = %q", env.Type)
		}
		if !env.CeremonyState.CeremonyStarted {
			t.Fatalf("state = %+v", env.CeremonyState)
		}
		if env.Timestamp == 0 {
			t.Fatal("timestamp not stamped")
		}
	}
}

func TestLastMessageWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewInMemory(nil)
	sub, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	first := ceremony.State{CeremonyStarted: true}
	second := ceremony.State{CeremonyStarted: true, ActiveSection: "section-b"}
	if err := bus.Publish(ctx, first); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Publish(ctx, second); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// An observer that unconditionally overwrites ends on the second
	// snapshot regardless of when it reads.
	var final ceremony.State
	final = recv(t, sub).CeremonyState
	final = recv(t, sub).CeremonyState
	if final.ActiveSection != "section-b" {
		t.Fatalf("final state = %+v, want second snapshot", final)
	}
}

func TestPublishStampsOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewInMemory(nil)
	other := NewInMemory(nil)
	if bus.Origin() == "" || bus.Origin() == other.Origin() {
		t.Fatalf("origins must be distinct and non-empty: %q vs %q", bus.Origin(), other.Origin())
	}

	sub, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Publish(ctx, ceremony.State{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if env := recv(t, sub); env.Origin != bus.Origin() {
		t.Fatalf("envelope origin = %q, want %q", env.Origin, bus.Origin())
	}
}

func TestOwnEchoDoesNotRegressState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewInMemory(nil)
	sub, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	repo := ceremony.NewRepository(store.NewMemory())
	st, err := ceremony.NewStore(ctx, repo, bus)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ann, err := st.AddStudent(ctx, ceremony.Student{Name: "Ann Lee"})
	if err != nil {
		t.Fatalf("AddStudent: %v", err)
	}

	// Two mutations, two published envelopes. The first envelope still
	// carries CeremonyStarted=false; fed back through ApplyRemote it
	// would roll the second mutation back.
	if err := st.SetCurrentStudent(ctx, &ann); err != nil {
		t.Fatalf("SetCurrentStudent: %v", err)
	}
	if err := st.StartCeremony(ctx); err != nil {
		t.Fatalf("StartCeremony: %v", err)
	}

	for i := 0; i < 2; i++ {
		env := recv(t, sub)
		if env.Origin == bus.Origin() {
			continue
		}
		if err := st.ApplyRemote(ctx, env.CeremonyState); err != nil {
			t.Fatalf("ApplyRemote: %v", err)
		}
	}
	if !st.State().CeremonyStarted {
		t.Fatalf("own echo regressed state: %+v", st.State())
	}

	// A foreign snapshot passes the same filter and is applied.
	foreign := Envelope{
		Type:          TypeCeremonyUpdate,
		CeremonyState: ceremony.State{},
		Origin:        "some-other-process",
	}
	if foreign.Origin != bus.Origin() {
		if err := st.ApplyRemote(ctx, foreign.CeremonyState); err != nil {
			t.Fatalf("ApplyRemote: %v", err)
		}
	}
	if st.State().CeremonyStarted {
		t.Fatalf("foreign snapshot not applied: %+v", st.State())
	}
}

func TestPublishMirrorsToStore(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	bus := NewInMemory(kv)

	st := ceremony.State{CeremonyStarted: true}
	if err := bus.Publish(ctx, st); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	env, err := LastKnown(ctx, kv)
	if err != nil {
		t.Fatalf("LastKnown: %v", err)
	}
	if env == nil || !env.CeremonyState.CeremonyStarted {
		t.Fatalf("mirrored envelope = %+v", env)
	}
}

func TestLastKnownEmpty(t *testing.T) {
	env, err := LastKnown(context.Background(), store.NewMemory())
	if err != nil || env != nil {
		t.Fatalf("got %+v, %v; want nil, nil", env, err)
	}
}

func TestSubscribeClosedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewInMemory(nil)
	sub, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewInMemory(nil)
	if _, err := bus.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Nobody drains the subscription; publishes beyond the buffer are
	// dropped, never blocked on.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = bus.Publish(ctx, ceremony.State{})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
