package subsystem

import (
	"errors"
	"testing"
)

// fakeSubsystem records every Init/Cleanup/Enable/Disable call it
// receives, and can be configured to fail Init once.
type fakeSubsystem struct {
	name      string
	deps      []string
	initErr   error
	events    *[]string
	enableErr error
}

func (f *fakeSubsystem) Name() string        { return f.name }
func (f *fakeSubsystem) DependsOn() []string  { return f.deps }
func (f *fakeSubsystem) Init() error {
	*f.events = append(*f.events, "init:"+f.name)
	return f.initErr
}
func (f *fakeSubsystem) Cleanup() {
	*f.events = append(*f.events, "cleanup:"+f.name)
}
func (f *fakeSubsystem) Enable() error {
	*f.events = append(*f.events, "enable:"+f.name)
	return f.enableErr
}
func (f *fakeSubsystem) Disable() {
	*f.events = append(*f.events, "disable:"+f.name)
}

func TestInitOrdersDependenciesBeforeDependents(t *testing.T) {
	var events []string
	r := NewRegistry()
	r.Add(&fakeSubsystem{name: "gnl", deps: []string{"rtnetlink"}, events: &events})
	r.Add(&fakeSubsystem{name: "rtnetlink", events: &events})

	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	want := []string{"init:rtnetlink", "init:gnl"}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Fatalf("init order = %v, want %v", events, want)
	}
}

func TestCleanupUnwindsInReverseOrder(t *testing.T) {
	var events []string
	r := NewRegistry()
	r.Add(&fakeSubsystem{name: "gnl", deps: []string{"rtnetlink"}, events: &events})
	r.Add(&fakeSubsystem{name: "rtnetlink", events: &events})

	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events = nil
	r.Cleanup()

	want := []string{"cleanup:gnl", "cleanup:rtnetlink"}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Fatalf("cleanup order = %v, want %v", events, want)
	}
}

func TestInitUnwindsAlreadyStartedSubsystemsOnFailure(t *testing.T) {
	var events []string
	r := NewRegistry()
	r.Add(&fakeSubsystem{name: "rtnetlink", events: &events})
	r.Add(&fakeSubsystem{name: "gnl", deps: []string{"rtnetlink"}, events: &events, initErr: errors.New("boom")})

	err := r.Init()
	if err == nil {
		t.Fatalf("expected Init to fail")
	}

	want := []string{"init:rtnetlink", "init:gnl", "cleanup:rtnetlink"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestInitAndCleanupAreIdempotent(t *testing.T) {
	var events []string
	r := NewRegistry()
	r.Add(&fakeSubsystem{name: "rtnetlink", events: &events})

	if err := r.Init(); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := r.Init(); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one init call across two Init() invocations, got %v", events)
	}

	r.Cleanup()
	r.Cleanup()
	if len(events) != 2 {
		t.Fatalf("expected exactly one cleanup call across two Cleanup() invocations, got %v", events)
	}
}

func TestDependencyCycleIsRejected(t *testing.T) {
	var events []string
	r := NewRegistry()
	r.Add(&fakeSubsystem{name: "a", deps: []string{"b"}, events: &events})
	r.Add(&fakeSubsystem{name: "b", deps: []string{"a"}, events: &events})

	if err := r.Init(); err == nil {
		t.Fatalf("expected Init to reject a dependency cycle")
	}
}

func TestEnableDisableAreIdempotentAndRejectUnknownNames(t *testing.T) {
	var events []string
	r := NewRegistry()
	r.Add(&fakeSubsystem{name: "gnl", events: &events})

	// Enable/Disable only act on an initialised subsystem.
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events = nil

	if err := r.Enable("gnl"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := r.Enable("gnl"); err != nil {
		t.Fatalf("second Enable: %v", err)
	}
	if len(events) != 1 || events[0] != "enable:gnl" {
		t.Fatalf("expected exactly one enable call, got %v", events)
	}

	r.Disable("gnl")
	r.Disable("gnl")
	if len(events) != 2 || events[1] != "disable:gnl" {
		t.Fatalf("expected exactly one disable call, got %v", events)
	}

	if err := r.Enable("unknown"); err == nil {
		t.Fatalf("expected Enable of an unregistered subsystem to error")
	}
}
