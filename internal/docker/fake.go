package docker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Executor. Units stay running until Exit is called.
type Fake struct {
	mu      sync.Mutex
	seq     int
	units   map[string]*fakeUnit
	started []UnitSpec

	// StartErr, when set, is returned by every Start.
	StartErr error
	// StatusErr, when set, is returned by every Status.
	StatusErr error
	// StopErr, when set, is returned by every Stop and the unit keeps running.
	StopErr error
}

type fakeUnit struct {
	spec    UnitSpec
	state   UnitState
	code    int
	created time.Time
}

var _ Executor = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{units: make(map[string]*fakeUnit)}
}

func (f *Fake) Start(_ context.Context, spec UnitSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return "", f.StartErr
	}
	f.seq++
	id := fmt.Sprintf("unit-%d", f.seq)
	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	spec.Labels = labels
	f.units[id] = &fakeUnit{spec: spec, state: UnitRunning, created: time.Now().UTC()}
	f.started = append(f.started, spec)
	return id, nil
}

// Exit marks a unit as finished with code.
func (f *Fake) Exit(id string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.units[id]; ok {
		u.state, u.code = UnitExited, code
	}
}

// Vanish forgets a unit, as if it had been removed behind our back.
func (f *Fake) Vanish(id string) {
	f.mu.Lock()
	delete(f.units, id)
	f.mu.Unlock()
}

// Started returns the specs of every unit started so far.
func (f *Fake) Started() []UnitSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]UnitSpec(nil), f.started...)
}

// Running counts units in the running state.
func (f *Fake) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.units {
		if u.state == UnitRunning {
			n++
		}
	}
	return n
}

// Exists reports whether the unit has not been removed.
func (f *Fake) Exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.units[id]
	return ok
}

func (f *Fake) Status(_ context.Context, id string) (UnitState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return UnitExited, f.StatusErr
	}
	u, ok := f.units[id]
	if !ok {
		return UnitExited, fmt.Errorf("%w: %s", ErrUnitNotFound, id)
	}
	return u.state, nil
}

func (f *Fake) ExitCode(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnitNotFound, id)
	}
	if u.state == UnitRunning {
		return 0, fmt.Errorf("unit %s is still running", id)
	}
	return u.code, nil
}

func (f *Fake) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StopErr != nil {
		return f.StopErr
	}
	u, ok := f.units[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, id)
	}
	if u.state == UnitRunning {
		u.state, u.code = UnitExited, 137
	}
	return nil
}

func (f *Fake) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	delete(f.units, id)
	f.mu.Unlock()
	return nil
}

func (f *Fake) ListUnits(_ context.Context) ([]Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Unit, 0, len(f.units))
	for id, u := range f.units {
		out = append(out, Unit{ID: id, Name: u.spec.Name, State: u.state, Labels: u.spec.Labels, Created: u.created})
	}
	return out, nil
}
