package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store/storetest"
)

// recorderPlugin records every event it handles and optionally misbehaves.
type recorderPlugin struct {
	name   string
	events []Event
	err    error
	panics bool
}

func (p *recorderPlugin) Name() string { return p.name }

func (p *recorderPlugin) Handle(ctx context.Context, ev Event) error {
	p.events = append(p.events, ev)
	if p.panics {
		panic("plugin exploded")
	}
	return p.err
}

func TestRegistry_DispatchIsolatesFailures(t *testing.T) {
	failing := &recorderPlugin{name: "failing", err: errors.New("smtp unreachable")}
	panicking := &recorderPlugin{name: "panicking", panics: true}
	healthy := &recorderPlugin{name: "healthy"}

	r := NewRegistry(nil)
	r.Register(failing)
	r.Register(panicking)
	r.Register(healthy)

	r.Dispatch(context.Background(), BuildFinished{BuildID: 1})

	for _, p := range []*recorderPlugin{failing, panicking, healthy} {
		if len(p.events) != 1 {
			t.Errorf("plugin %s handled %d events, want 1", p.name, len(p.events))
		}
	}
}

func TestRegistry_DispatchPreservesRegistrationOrder(t *testing.T) {
	var order []string
	mk := func(name string) Plugin {
		return pluginFunc{name: name, fn: func(ctx context.Context, ev Event) error {
			order = append(order, name)
			return nil
		}}
	}

	r := NewRegistry(nil)
	r.Register(mk("first"))
	r.Register(mk("second"))
	r.Register(mk("third"))

	r.Dispatch(context.Background(), EvalCached{TraceID: "t"})

	want := []string{"first", "second", "third"}
	for i, name := range want {
		if i >= len(order) || order[i] != name {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

type pluginFunc struct {
	name string
	fn   func(ctx context.Context, ev Event) error
}

func (p pluginFunc) Name() string { return p.name }

func (p pluginFunc) Handle(ctx context.Context, ev Event) error { return p.fn(ctx, ev) }

func pendingBuild(m *storetest.MemStore, since time.Time) *models.Build {
	status := 0
	return m.AddBuild(&models.Build{
		Finished:                 true,
		Project:                  "p",
		Jobset:                   "js",
		Job:                      "hello",
		BuildStatus:              &status,
		NotificationPendingSince: &since,
	})
}

func TestListener_DrainBacklogReplaysOldestFirst(t *testing.T) {
	m := storetest.New()
	later := pendingBuild(m, time.Now().UTC())
	earlier := pendingBuild(m, time.Now().UTC().Add(-time.Hour))

	first := &recorderPlugin{name: "first"}
	second := &recorderPlugin{name: "second"}
	registry := NewRegistry(nil)
	registry.Register(first)
	registry.Register(second)

	l := NewListener(&ListenerConfig{DSN: "unused"}, m, registry, nil)
	if err := l.DrainBacklog(context.Background()); err != nil {
		t.Fatalf("DrainBacklog failed: %v", err)
	}

	for _, p := range []*recorderPlugin{first, second} {
		if len(p.events) != 2 {
			t.Fatalf("plugin %s handled %d events, want one per pending build", p.name, len(p.events))
		}
		got := []int64{
			p.events[0].(BuildFinished).BuildID,
			p.events[1].(BuildFinished).BuildID,
		}
		if got[0] != earlier.ID || got[1] != later.ID {
			t.Errorf("plugin %s replay order = %v, want oldest first [%d %d]", p.name, got, earlier.ID, later.ID)
		}
	}

	if earlier.NotificationPendingSince != nil || later.NotificationPendingSince != nil {
		t.Error("pending markers not cleared after replay")
	}
}

func TestListener_DrainBacklogIsIdempotent(t *testing.T) {
	m := storetest.New()
	pendingBuild(m, time.Now().UTC())

	p := &recorderPlugin{name: "p"}
	registry := NewRegistry(nil)
	registry.Register(p)

	l := NewListener(&ListenerConfig{DSN: "unused"}, m, registry, nil)
	if err := l.DrainBacklog(context.Background()); err != nil {
		t.Fatalf("first DrainBacklog failed: %v", err)
	}
	if err := l.DrainBacklog(context.Background()); err != nil {
		t.Fatalf("second DrainBacklog failed: %v", err)
	}

	if len(p.events) != 1 {
		t.Errorf("plugin handled %d events, want the backlog replayed exactly once", len(p.events))
	}
}

func TestListener_HandleClearsMarkerOnLiveDelivery(t *testing.T) {
	m := storetest.New()
	build := pendingBuild(m, time.Now().UTC())

	p := &recorderPlugin{name: "p"}
	registry := NewRegistry(nil)
	registry.Register(p)

	l := NewListener(&ListenerConfig{DSN: "unused"}, m, registry, nil)
	l.handle(context.Background(), ChannelBuildFinished, "1")

	if len(p.events) != 1 {
		t.Fatalf("plugin handled %d events, want 1", len(p.events))
	}
	if build.NotificationPendingSince != nil {
		t.Error("live delivery did not clear the pending marker")
	}
}

func TestListener_HandleDiscardsUndecodable(t *testing.T) {
	m := storetest.New()
	p := &recorderPlugin{name: "p"}
	registry := NewRegistry(nil)
	registry.Register(p)

	l := NewListener(&ListenerConfig{DSN: "unused"}, m, registry, nil)
	l.handle(context.Background(), ChannelBuildFinished, "not-a-number")

	if len(p.events) != 0 {
		t.Errorf("plugin handled %d events, want undecodable payload discarded", len(p.events))
	}
}
