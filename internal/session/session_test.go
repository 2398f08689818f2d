package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/iptv-proxy/streamgate/internal/config"
	"github.com/iptv-proxy/streamgate/internal/notify"
	"github.com/iptv-proxy/streamgate/internal/provider"
	"github.com/iptv-proxy/streamgate/internal/storage"
	"github.com/iptv-proxy/streamgate/internal/telemetry"
)

func setupTestRedis(t *testing.T) (*storage.RedisClient, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client, err := storage.NewRedisClient(mr.Addr(), "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create Redis client: %v", err)
	}

	return client, mr
}

func newTestManager() *provider.ActiveProviderManager {
	m := provider.NewActiveProviderManager()
	m.AddInput(provider.InputConfig{
		Name:           "input1",
		MaxConnections: 1,
		Priority:       0,
	})
	return m
}

func TestNewTracker(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	tr := NewTracker(&config.Config{}, client, newTestManager(), nil, nil)
	if tr == nil {
		t.Fatal("NewTracker returned nil")
	}
	if tr.notified == nil {
		t.Error("notified map should be initialized")
	}
}

func TestStartStop(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	tr := NewTracker(&config.Config{}, client, newTestManager(), nil, nil)
	tr.Start()
	tr.Stop()
}

func TestStartSessionAvailable(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	tr := NewTracker(&config.Config{}, client, newTestManager(), nil, nil)

	sess := tr.StartSession("203.0.113.5", "input1", "input1", provider.StateAvailable)
	if sess == nil {
		t.Fatal("StartSession returned nil")
	}
	if sess.State != "available" {
		t.Errorf("State = %s, want available", sess.State)
	}
}

func TestStartSessionGraceNotifiesOnce(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := notify.NewNotifier(&notify.WebhookConfig{
		DiscordURL:  server.URL,
		Enabled:     true,
		ServiceName: "Test Proxy",
	})

	tr := NewTracker(&config.Config{}, client, newTestManager(), n, nil)

	tr.StartSession("203.0.113.5", "input1", "input1", provider.StateGracePeriod)
	tr.StartSession("203.0.113.6", "input1", "input1", provider.StateGracePeriod)

	if !tr.notified["input1"] {
		t.Error("expected provider marked as notified after grace acquisition")
	}
}

func TestEndSessionRecordsToRedis(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	tr := NewTracker(&config.Config{}, client, newTestManager(), nil, nil)

	sess := tr.StartSession("203.0.113.5", "input1", "input1", provider.StateAvailable)
	tr.EndSession(sess)

	recent, err := client.GetRecentSessions("input1", 10)
	if err != nil {
		t.Fatalf("GetRecentSessions() error = %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("len(recent) = %d, want 1", len(recent))
	}
	if recent[0].ClientIP != "203.0.113.5" {
		t.Errorf("ClientIP = %s, want 203.0.113.5", recent[0].ClientIP)
	}
}

func TestEndSessionNil(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	tr := NewTracker(&config.Config{}, client, newTestManager(), nil, nil)

	// Should not panic
	tr.EndSession(nil)
}

func TestTakeSnapshot(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	manager := newTestManager()
	tr := NewTracker(&config.Config{}, client, manager, nil, nil)

	guard := manager.AcquireConnection("input1")
	defer guard.Release()

	tr.takeSnapshot()

	snap, err := client.GetConnectionSnapshot()
	if err != nil {
		t.Fatalf("GetConnectionSnapshot() error = %v", err)
	}
	if snap == nil {
		t.Fatal("GetConnectionSnapshot returned nil")
	}
	if snap.Connections["input1"] != 1 {
		t.Errorf("Connections[input1] = %d, want 1", snap.Connections["input1"])
	}
}

func TestClearGraceMark(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	tr := NewTracker(&config.Config{}, client, newTestManager(), nil, nil)
	tr.notified["input1"] = true

	tr.clearGraceMark("input1")

	if tr.notified["input1"] {
		t.Error("expected grace mark cleared")
	}
}

func TestProviderCounts(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	manager := newTestManager()
	tr := NewTracker(&config.Config{}, client, manager, nil, nil)

	guard := manager.AcquireConnection("input1")
	defer guard.Release()

	current, max := tr.providerCounts("input1")
	if current != 1 {
		t.Errorf("current = %d, want 1", current)
	}
	if max != 1 {
		t.Errorf("max = %d, want 1 (the configured MaxConnections for input1)", max)
	}
}

func TestProviderCountsUnknownProvider(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	tr := NewTracker(&config.Config{}, client, newTestManager(), nil, nil)

	current, max := tr.providerCounts("does-not-exist")
	if current != 0 || max != 0 {
		t.Errorf("current, max = %d, %d, want 0, 0 for an unregistered provider", current, max)
	}
}

func TestTelemetryIntegration(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	tel := telemetry.NewAgent(&config.NewRelicConfig{Enabled: false})
	tr := NewTracker(&config.Config{}, client, newTestManager(), nil, tel)

	sess := tr.StartSession("203.0.113.5", "input1", "input1", provider.StateAvailable)
	tr.EndSession(sess)
	tr.takeSnapshot()
}

func TestSnapshotLoopTicks(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	manager := newTestManager()
	tr := NewTracker(&config.Config{}, client, manager, nil, nil)
	tr.Start()
	defer tr.Stop()

	time.Sleep(20 * time.Millisecond)
}
