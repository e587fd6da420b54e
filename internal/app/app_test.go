package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/radiosync/internal/config"
	"github.com/dokzlo13/radiosync/internal/controller"
	"github.com/dokzlo13/radiosync/internal/eventbus"
	"github.com/dokzlo13/radiosync/internal/ledger"
	"github.com/dokzlo13/radiosync/internal/receiver"
	"github.com/dokzlo13/radiosync/internal/zone"
)

type namedTarget string

func (t namedTarget) Name() string { return string(t) }
func (t namedTarget) TransportState(ctx context.Context) (string, error) {
	return controller.TransportStopped, nil
}

type stubResolver struct {
	mu      sync.Mutex
	targets []zone.Target
	err     error
}

func (r *stubResolver) set(targets []zone.Target, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets, r.err = targets, err
}

func (r *stubResolver) ZonesWithRoomName(ctx context.Context, room string) ([]zone.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets, r.err
}

type recordingPublisher struct {
	ch chan controller.Transition
}

func (p *recordingPublisher) PublishTransition(tr controller.Transition) error {
	p.ch <- tr
	return nil
}

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEventService_RefreshTargetRecordsChanges(t *testing.T) {
	l := openLedger(t)
	res := &stubResolver{}
	registry := zone.NewRegistry(res, "Bed Room")
	bus := eventbus.New(0, 0)
	defer bus.Close(context.Background())

	svc := NewEventService(bus, registry, l)
	ctx := context.Background()

	res.set([]zone.Target{namedTarget("Bed Room")}, nil)
	svc.RefreshTarget(ctx)
	// Same target again is not a change
	svc.RefreshTarget(ctx)

	res.set(nil, errors.New("host unreachable"))
	svc.RefreshTarget(ctx)

	resolved, _ := l.Query(ctx, ledger.Filter{Kind: ledger.KindTargetResolved})
	if len(resolved) != 1 || resolved[0].Payload["zone"] != "Bed Room" {
		t.Errorf("resolved = %+v", resolved)
	}

	lost, _ := l.Query(ctx, ledger.Filter{Kind: ledger.KindTargetLost})
	if len(lost) != 1 {
		t.Fatalf("lost = %d, want 1", len(lost))
	}
	if lost[0].Payload["previous"] != "Bed Room" || lost[0].Payload["error"] == nil {
		t.Errorf("lost payload = %v", lost[0].Payload)
	}
	if registry.Snapshot() != nil {
		t.Error("registry must be empty after a failed refresh")
	}
}

func TestEventService_RecordTransition(t *testing.T) {
	l := openLedger(t)
	registry := zone.NewRegistry(&stubResolver{}, "Bed Room")
	bus := eventbus.New(0, 0)
	defer bus.Close(context.Background())

	svc := NewEventService(bus, registry, l)
	ctx := context.Background()

	applied := receiver.State{Volume: 20, Mode: "AUX in", Power: true}
	tests := []struct {
		tr   controller.Transition
		want ledger.Kind
	}{
		{controller.Transition{ID: "t1", Action: controller.ActionActivate, Applied: &applied, Streaming: true}, ledger.KindStreamingStarted},
		{controller.Transition{ID: "t2", Action: controller.ActionRestore}, ledger.KindStreamingStopped},
		{controller.Transition{ID: "t3", Action: controller.ActionRestore, Err: errors.New("timeout"), Streaming: true}, ledger.KindTransitionFailed},
	}

	for _, tt := range tests {
		svc.recordTransition(ctx, tt.tr)

		entries, err := l.Query(ctx, ledger.Filter{TransitionID: tt.tr.ID})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("%s: entries = %d, want 1", tt.tr.ID, len(entries))
		}
		if entries[0].Kind != tt.want || entries[0].Source != "controller" {
			t.Errorf("%s: entry = %+v", tt.tr.ID, entries[0])
		}
	}
}

func TestEventService_TransitionEventReachesPublisher(t *testing.T) {
	registry := zone.NewRegistry(&stubResolver{}, "Bed Room")
	bus := eventbus.New(0, 0)
	defer bus.Close(context.Background())

	pub := &recordingPublisher{ch: make(chan controller.Transition, 1)}
	svc := NewEventService(bus, registry, nil)
	svc.SetPublisher(pub)
	svc.Start(context.Background())

	bus.Publish(eventbus.TopicTransition, controller.Transition{ID: "abc", Action: controller.ActionActivate})

	select {
	case tr := <-pub.ch:
		if tr.ID != "abc" {
			t.Errorf("id = %q", tr.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transition was not published")
	}
}

type stubStatus struct {
	ready  bool
	status controller.Status
}

func (s *stubStatus) Status() controller.Status { return s.status }
func (s *stubStatus) Ready() bool               { return s.ready }

func TestHealthService_Routes(t *testing.T) {
	saved := receiver.State{Volume: 10, Mode: "FM", Power: true}
	src := &stubStatus{status: controller.Status{Streaming: true, Target: "Bed Room", Saved: &saved}}

	bus := eventbus.New(1, 1)
	defer bus.Close(context.Background())
	bus.Publish(eventbus.TopicTopologyChanged, nil)

	cfg := &config.Config{}
	server := httptest.NewServer(NewHealthService(cfg, src, bus).Router())
	defer server.Close()

	get := func(path string) (*http.Response, map[string]any) {
		t.Helper()
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		return resp, body
	}

	if resp, _ := get("/health"); resp.StatusCode != http.StatusOK {
		t.Errorf("/health = %d", resp.StatusCode)
	}

	if resp, _ := get("/ready"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/ready without target = %d", resp.StatusCode)
	}
	src.ready = true
	if resp, _ := get("/ready"); resp.StatusCode != http.StatusOK {
		t.Errorf("/ready with target = %d", resp.StatusCode)
	}

	resp, body := get("/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status = %d", resp.StatusCode)
	}
	if body["streaming"] != true || body["target"] != "Bed Room" {
		t.Errorf("status = %v", body)
	}
	if savedBody, ok := body["saved"].(map[string]any); !ok || savedBody["mode"] != "FM" {
		t.Errorf("saved = %v", body["saved"])
	}
	if events, ok := body["events"].(map[string]any); !ok || events["published"] != float64(1) {
		t.Errorf("events = %v", body["events"])
	}
}

func TestNewServices_DefaultsOpenNothing(t *testing.T) {
	cfg, err := config.Parse([]byte("receiver: {host: 127.0.0.1}\nraumfeld: {host: 127.0.0.1, room: Kitchen}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	s, err := NewServices(cfg)
	if err != nil {
		t.Fatalf("NewServices: %v", err)
	}
	defer s.Close()

	if s.Ledger != nil || s.MQTT != nil {
		t.Error("optional sinks must stay disabled by default")
	}
	if s.Sync.Ready() {
		t.Error("no target before the first refresh")
	}
}

func TestApp_RunFailsWhenReceiverUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg, err := config.Parse([]byte(fmt.Sprintf(
		"receiver: {host: 127.0.0.1, port: %d, timeout: 200ms}\nraumfeld: {host: 127.0.0.1, room: Kitchen}\nretry: {attempts: 1, delay: 1ms}\n",
		port,
	)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run must fail when the receiver cannot be reached")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

// orderedResolver answers "old zone" slowly on the first call and "new zone" at once afterwards.
type orderedResolver struct {
	mu    sync.Mutex
	calls int
}

func (r *orderedResolver) ZonesWithRoomName(ctx context.Context, room string) ([]zone.Target, error) {
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	r.mu.Unlock()

	if first {
		time.Sleep(200 * time.Millisecond)
		return []zone.Target{namedTarget("old zone")}, nil
	}
	return []zone.Target{namedTarget("new zone")}, nil
}

func TestEventService_TopologyRefreshesApplyInOrder(t *testing.T) {
	registry := zone.NewRegistry(&orderedResolver{}, "Bed Room")
	bus := eventbus.New(2, 16)

	svc := NewEventService(bus, registry, nil)
	svc.Start(context.Background())

	bus.Publish(eventbus.TopicTopologyChanged, nil)
	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.TopicTopologyChanged, nil)

	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := registry.Snapshot()
	if got == nil || got.Name() != "new zone" {
		t.Errorf("snapshot = %v, want new zone", got)
	}
}

// slowFirstPublisher blocks on its first publish, as a broker round trip might.
type slowFirstPublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *slowFirstPublisher) PublishTransition(tr controller.Transition) error {
	p.mu.Lock()
	first := len(p.ids) == 0 && tr.ID == "t1"
	p.mu.Unlock()
	if first {
		time.Sleep(100 * time.Millisecond)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, tr.ID)
	return nil
}

func TestEventService_TransitionsPublishedInOrder(t *testing.T) {
	registry := zone.NewRegistry(&stubResolver{}, "Bed Room")
	bus := eventbus.New(2, 16)

	pub := &slowFirstPublisher{}
	svc := NewEventService(bus, registry, nil)
	svc.SetPublisher(pub)
	svc.Start(context.Background())

	bus.Publish(eventbus.TopicTransition, controller.Transition{ID: "t1", Action: controller.ActionActivate, Streaming: true})
	bus.Publish(eventbus.TopicTransition, controller.Transition{ID: "t2", Action: controller.ActionRestore})

	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(pub.ids) != 2 || pub.ids[0] != "t1" || pub.ids[1] != "t2" {
		t.Errorf("published = %v, want [t1 t2]", pub.ids)
	}
}

// fakeDevices serves just enough FSAPI and Raumfeld endpoints for startup to succeed.
type fakeDevices struct {
	mu        sync.Mutex
	zoneCalls int
}

func (f *fakeDevices) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/device":
		fmt.Fprint(w, `<netRemote><friendlyName>Test Radio</friendlyName></netRemote>`)
	case "/fsapi/CREATE_SESSION":
		fmt.Fprint(w, `<fsapiResponse><status>FS_OK</status><sessionId>42</sessionId></fsapiResponse>`)
	case "/getZones":
		f.mu.Lock()
		f.zoneCalls++
		f.mu.Unlock()
		fmt.Fprint(w, `<zoneConfig><zones></zones></zoneConfig>`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeDevices) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.zoneCalls
}

func TestApp_RunStopsBackgroundLoopsWhenStartFails(t *testing.T) {
	devices := &fakeDevices{}
	server := httptest.NewServer(devices)
	defer server.Close()
	addr := server.Listener.Addr().(*net.TCPAddr)

	// Occupy the health check port so the last startup step fails
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	healthPort := busy.Addr().(*net.TCPAddr).Port

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
receiver: {host: 127.0.0.1, port: %d}
raumfeld: {host: 127.0.0.1, port: %d, room: Kitchen, min_backoff: 10ms, max_backoff: 20ms, refresh_rate: 100}
sync: {poll_interval: 10ms}
retry: {attempts: 1, delay: 1ms}
healthcheck: {enabled: true, host: 127.0.0.1, port: %d}
`, addr.Port, addr.Port, healthPort)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run must fail when the health port is taken")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	// Requests already in flight may still land
	time.Sleep(30 * time.Millisecond)
	before := devices.calls()
	time.Sleep(150 * time.Millisecond)
	if after := devices.calls(); after != before {
		t.Errorf("zone watcher still polling after Run returned: %d -> %d calls", before, after)
	}
}
