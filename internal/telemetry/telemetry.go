// Package telemetry provides New Relic APM integration for monitoring
// provider acquisition outcomes.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/iptv-proxy/streamgate/internal/config"
	"github.com/iptv-proxy/streamgate/internal/util"
)

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application (for middleware)
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds transaction to context
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext gets transaction from context
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordAcquire records the outcome of a connection acquisition attempt
// against a provider: available, grace, or exhausted.
func (a *Agent) RecordAcquire(inputName, providerName, state string) {
	a.RecordCustomEvent("ProviderAcquire", map[string]interface{}{
		"input":    inputName,
		"provider": providerName,
		"state":    state,
	})
}

// RecordRelease records a connection being handed back to a provider.
func (a *Agent) RecordRelease(inputName, providerName string) {
	a.RecordCustomEvent("ProviderRelease", map[string]interface{}{
		"input":    inputName,
		"provider": providerName,
	})
}

// RecordGraceEntered records a provider entering its grace window, the
// moment it begins serving one connection over its configured maximum.
func (a *Agent) RecordGraceEntered(providerName string, current, max uint16) {
	a.RecordCustomEvent("ProviderGrace", map[string]interface{}{
		"provider": providerName,
		"current":  current,
		"max":      max,
	})
}

// RecordExhausted records a provider rejecting an acquisition because it
// and its grace allowance are both spent.
func (a *Agent) RecordExhausted(providerName string) {
	a.RecordCustomEvent("ProviderExhausted", map[string]interface{}{
		"provider": providerName,
	})
}

// UpdateConnectionMetrics publishes pool-wide connection gauges.
func (a *Agent) UpdateConnectionMetrics(active, capacity int64) {
	a.RecordCustomMetric("Custom/Connections/Active", float64(active))
	a.RecordCustomMetric("Custom/Connections/Capacity", float64(capacity))
}
