// Package session tracks stream-session lifecycle (acquired, active,
// released) for observability. It is strictly downstream of
// internal/provider: nothing it records ever feeds back into an
// acquisition decision.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/iptv-proxy/streamgate/internal/config"
	"github.com/iptv-proxy/streamgate/internal/notify"
	"github.com/iptv-proxy/streamgate/internal/provider"
	"github.com/iptv-proxy/streamgate/internal/storage"
	"github.com/iptv-proxy/streamgate/internal/telemetry"
	"github.com/iptv-proxy/streamgate/internal/util"
)

// snapshotInterval controls how often the active-connection snapshot is
// persisted to Redis for dashboard consumption.
const snapshotInterval = 10 * time.Second

// Session represents one in-flight stream hand-out, open between a
// successful AcquireConnection and the matching Release.
type Session struct {
	ClientIP     string
	InputName    string
	ProviderName string
	State        string
	StartedAt    time.Time
}

// Tracker records session starts and ends, periodically snapshotting
// connection counts to Redis and alerting on provider grace/over-limit
// crossings. It owns no allocation state of its own.
type Tracker struct {
	cfg       *config.Config
	redis     *storage.RedisClient
	manager   *provider.ActiveProviderManager
	notifier  *notify.Notifier
	telemetry *telemetry.Agent

	mu       sync.Mutex
	notified map[string]bool // providers already alerted for the current over-limit episode

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker builds a session tracker wired to the given dependencies.
// Any of notifier/telemetry may be nil, in which case that integration is
// simply skipped.
func NewTracker(cfg *config.Config, redis *storage.RedisClient, manager *provider.ActiveProviderManager, notifier *notify.Notifier, tel *telemetry.Agent) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		cfg:       cfg,
		redis:     redis,
		manager:   manager,
		notifier:  notifier,
		telemetry: tel,
		notified:  make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the periodic snapshot loop.
func (t *Tracker) Start() {
	util.Info("Starting session tracker...")
	t.wg.Add(1)
	go t.snapshotLoop()
}

// Stop halts the snapshot loop and waits for it to finish.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
	util.Info("Session tracker stopped")
}

// StartSession begins tracking a hand-out and returns a Session value the
// caller should pass to EndSession once the stream closes.
func (t *Tracker) StartSession(clientIP, inputName, providerName string, state provider.AllocationState) *Session {
	sess := &Session{
		ClientIP:     clientIP,
		InputName:    inputName,
		ProviderName: providerName,
		State:        state.String(),
		StartedAt:    time.Now(),
	}

	if t.telemetry != nil {
		t.telemetry.RecordAcquire(inputName, providerName, state.String())
	}

	if state == provider.StateGracePeriod && t.notifier != nil {
		t.maybeNotifyGrace(providerName)
	}
	if state == provider.StateExhausted && t.notifier != nil {
		t.notifier.NotifyProviderExhausted(providerName)
	}

	return sess
}

// EndSession archives the completed session and records the release.
func (t *Tracker) EndSession(sess *Session) {
	if sess == nil {
		return
	}

	rec := storage.SessionRecord{
		ClientIP:     sess.ClientIP,
		InputName:    sess.InputName,
		ProviderName: sess.ProviderName,
		State:        sess.State,
		StartedAt:    sess.StartedAt,
		EndedAt:      time.Now(),
	}

	if err := t.redis.RecordSessionEnd(rec); err != nil {
		util.Warnf("Failed to record session end for %s: %v", sess.ProviderName, err)
	}

	if t.telemetry != nil {
		t.telemetry.RecordRelease(sess.InputName, sess.ProviderName)
	}
}

// maybeNotifyGrace alerts once per grace episode rather than on every
// acquisition while a provider stays in grace.
func (t *Tracker) maybeNotifyGrace(providerName string) {
	t.mu.Lock()
	already := t.notified[providerName]
	t.notified[providerName] = true
	t.mu.Unlock()

	if already {
		return
	}

	current, max := t.providerCounts(providerName)
	t.notifier.NotifyProviderGrace(providerName, current, max)
	if t.manager.IsOverLimit(providerName) {
		t.notifier.NotifyProviderOverLimit(providerName, current, max)
	}
}

// providerCounts returns the current connection count and the provider's
// configured max_connections. current comes from the active-connections
// snapshot (zero if nothing is in flight); max comes from the manager's
// own registry so a provider with no connections yet still reports its
// real limit rather than 0/0.
func (t *Tracker) providerCounts(providerName string) (current, max uint16) {
	active := t.manager.ActiveConnections()
	if active != nil {
		current = active[providerName]
	}
	if limit, ok := t.manager.ProviderLimit(providerName); ok {
		max = limit
	}
	return current, max
}

// clearGraceMark lets a provider alert again once it drops back under
// its limit. Called by the maintenance loop, not the hot path.
func (t *Tracker) clearGraceMark(providerName string) {
	t.mu.Lock()
	delete(t.notified, providerName)
	t.mu.Unlock()
}

// snapshotLoop periodically persists the active-connection snapshot and
// purges grace-notification marks for providers no longer over limit.
func (t *Tracker) snapshotLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.takeSnapshot()
		}
	}
}

// takeSnapshot writes the current per-provider connection counts to Redis
// and resets grace marks for providers that have settled back down.
func (t *Tracker) takeSnapshot() {
	active := t.manager.ActiveConnections()

	snap := storage.ConnectionSnapshot{
		TakenAt:     time.Now().Unix(),
		Connections: make(map[string]int64, len(active)),
	}
	for name, count := range active {
		snap.Connections[name] = int64(count)
	}

	t.mu.Lock()
	marked := make([]string, 0, len(t.notified))
	for name := range t.notified {
		marked = append(marked, name)
	}
	t.mu.Unlock()
	for _, name := range marked {
		if !t.manager.IsOverLimit(name) {
			t.clearGraceMark(name)
		}
	}

	if err := t.redis.SaveConnectionSnapshot(snap); err != nil {
		util.Warnf("Failed to save connection snapshot: %v", err)
	}

	if t.telemetry != nil {
		var total int64
		for _, c := range snap.Connections {
			total += c
		}
		t.telemetry.UpdateConnectionMetrics(total, int64(len(snap.Connections)))
	}
}
