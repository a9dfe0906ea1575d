package eventbus

import "testing"

func TestBus_EmitRunsAllSubscribers(t *testing.T) {
	bus := New()
	var calls []string
	bus.Subscribe(Migrating, func() { calls = append(calls, "a") })
	bus.Subscribe(Migrating, func() { calls = append(calls, "b") })

	bus.Emit(Migrating)

	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("calls = %v, want [a b] in registration order", calls)
	}
}

func TestBus_EmitIsTopicScoped(t *testing.T) {
	bus := New()
	fired := false
	bus.Subscribe(Aborting, func() { fired = true })

	bus.Emit(PersistState)

	if fired {
		t.Fatal("handler for Aborting fired on a PersistState emit")
	}
}

func TestBus_UnsubscribeStopsFutureDelivery(t *testing.T) {
	bus := New()
	calls := 0
	unsubscribe := bus.Subscribe(PersistState, func() { calls++ })

	bus.Emit(PersistState)
	unsubscribe()
	bus.Emit(PersistState)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (second emit should not have reached the unsubscribed handler)", calls)
	}
}
