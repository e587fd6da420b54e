package zone

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTarget struct {
	name string
}

func (t *fakeTarget) Name() string { return t.name }
func (t *fakeTarget) TransportState(ctx context.Context) (string, error) {
	return "PLAYING", nil
}

type fakeResolver struct {
	mu      sync.Mutex
	matches []Target
	err     error
	room    string
}

func (f *fakeResolver) set(matches []Target, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches = matches
	f.err = err
}

func (f *fakeResolver) ZonesWithRoomName(ctx context.Context, room string) ([]Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = room
	return f.matches, f.err
}

func TestRegistry_Refresh(t *testing.T) {
	a := &fakeTarget{name: "a"}
	b := &fakeTarget{name: "b"}

	tests := []struct {
		name    string
		matches []Target
		qerr    error
		want    Target
		wantErr error
	}{
		{"none", nil, nil, nil, ErrNotFound},
		{"one", []Target{a}, nil, a, nil},
		{"two", []Target{a, b}, nil, nil, ErrAmbiguous},
		{"query_error", []Target{a}, errors.New("host down"), nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &fakeResolver{}
			reg := NewRegistry(res, "Bed Room")

			// Start from a resolved state to prove failures clear it
			res.set([]Target{b}, nil)
			if err := reg.Refresh(context.Background()); err != nil {
				t.Fatalf("initial refresh: %v", err)
			}

			res.set(tt.matches, tt.qerr)
			err := reg.Refresh(context.Background())

			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.qerr != nil && err == nil {
				t.Error("expected query error to be returned")
			}
			if tt.want == nil && tt.wantErr == nil && tt.qerr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if got := reg.Snapshot(); got != tt.want {
				t.Errorf("snapshot = %v, want %v", got, tt.want)
			}
			if res.room != "Bed Room" {
				t.Errorf("resolved room = %q", res.room)
			}
		})
	}
}

func TestRegistry_EmptyBeforeRefresh(t *testing.T) {
	reg := NewRegistry(&fakeResolver{}, "Bed Room")
	if reg.Snapshot() != nil {
		t.Error("expected empty registry")
	}
}

func TestRegistry_ConcurrentRefreshAndSnapshot(t *testing.T) {
	a := &fakeTarget{name: "a"}
	res := &fakeResolver{matches: []Target{a}}
	reg := NewRegistry(res, "Bed Room")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				res.set([]Target{a}, nil)
			} else {
				res.set(nil, nil)
			}
			reg.Refresh(context.Background())
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if tgt := reg.Snapshot(); tgt != nil && tgt != Target(a) {
					t.Errorf("unexpected target %v", tgt)
				}
			}
		}()
	}
	wg.Wait()
}

// sequenceResolver answers each call from its own step; a step may block until released.
type sequenceResolver struct {
	mu    sync.Mutex
	calls int
	steps []sequenceStep
}

type sequenceStep struct {
	target  Target
	started chan struct{}
	release chan struct{}
}

func (r *sequenceResolver) ZonesWithRoomName(ctx context.Context, room string) ([]Target, error) {
	r.mu.Lock()
	step := r.steps[r.calls]
	r.calls++
	r.mu.Unlock()

	if step.started != nil {
		close(step.started)
	}
	if step.release != nil {
		<-step.release
	}
	return []Target{step.target}, nil
}

func TestRegistry_SlowRefreshDoesNotOverwriteNewer(t *testing.T) {
	old := &fakeTarget{name: "old zone"}
	newer := &fakeTarget{name: "new zone"}

	first := sequenceStep{target: old, started: make(chan struct{}), release: make(chan struct{})}
	res := &sequenceResolver{steps: []sequenceStep{first, {target: newer}}}
	reg := NewRegistry(res, "Bed Room")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reg.Refresh(context.Background())
	}()
	<-first.started

	go func() {
		defer wg.Done()
		reg.Refresh(context.Background())
	}()

	// Let the second refresh reach the registry before the first query answers
	time.Sleep(20 * time.Millisecond)
	close(first.release)
	wg.Wait()

	if got := reg.Snapshot(); got != Target(newer) {
		t.Errorf("snapshot = %v, want new zone", got)
	}
}
