package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sunward-labs/chatpipe/internal/config"
	"github.com/sunward-labs/chatpipe/internal/resilience"
	"github.com/sunward-labs/chatpipe/internal/scheduler"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertEnrichFailureRate AlertType = "enrich_failure_rate"
	AlertQuarantineDepth   AlertType = "quarantine_depth"
	AlertStalledBatchJob   AlertType = "stalled_batch_job"
	AlertTaskError         AlertType = "task_error"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.FromRetryConfig(2, 250, 2000, 0, -1),
	}
}

// TaskListener returns a scheduler listener that raises a critical alert
// when a task escalates to the error state. The webhook post runs on its
// own goroutine because listeners must not block.
func (a *Alerter) TaskListener() scheduler.Listener {
	return func(ev scheduler.Event) {
		if ev.Type != scheduler.EventStatusChange || ev.To != scheduler.StatusError {
			return
		}

		alert := Alert{
			Type:     AlertTaskError,
			Severity: "critical",
			Message:  fmt.Sprintf("Task %s entered error state after repeated failures", ev.Task),
			Details: map[string]any{
				"task": ev.Task,
				"from": string(ev.From),
			},
			Timestamp: ev.At,
		}
		if ev.Err != nil {
			alert.Details["error"] = ev.Err.Error()
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			a.SendAlerts(ctx, []Alert{alert})
		}()
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// A threshold set to zero disables its check.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Small audit windows produce noisy rates; require a few data points.
	if a.cfg.MaxFailRate > 0 && snap.AuditTotal >= 5 && snap.EnrichFailRate > a.cfg.MaxFailRate {
		alerts = append(alerts, Alert{
			Type:     AlertEnrichFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Enrichment failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d attempts in last %dh)",
				snap.EnrichFailRate*100, a.cfg.MaxFailRate*100,
				snap.AuditFailed, snap.AuditTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"fail_rate": snap.EnrichFailRate,
				"threshold": a.cfg.MaxFailRate,
				"failed":    snap.AuditFailed,
				"attempts":  snap.AuditTotal,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxQuarantined > 0 && snap.SessionsQuarantined > a.cfg.MaxQuarantined {
		alerts = append(alerts, Alert{
			Type:     AlertQuarantineDepth,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d sessions exhausted their enrichment retries (threshold %d)",
				snap.SessionsQuarantined, a.cfg.MaxQuarantined,
			),
			Details: map[string]any{
				"quarantined": snap.SessionsQuarantined,
				"threshold":   a.cfg.MaxQuarantined,
			},
			Timestamp: now,
		})
	}

	maxAge := time.Duration(a.cfg.MaxJobAgeHours) * time.Hour
	if maxAge > 0 && snap.OldestSubmittedAge > maxAge {
		alerts = append(alerts, Alert{
			Type:     AlertStalledBatchJob,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Oldest submitted batch job has been waiting %s (threshold %dh)",
				snap.OldestSubmittedAge.Round(time.Minute), a.cfg.MaxJobAgeHours,
			),
			Details: map[string]any{
				"oldest_age_secs": snap.OldestSubmittedAge.Seconds(),
				"jobs_submitted":  snap.JobsSubmitted,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL, retrying transient
// delivery failures once.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	cfg := a.retry
	cfg.OnRetry = resilience.RetryLogger("monitoring", "webhook")
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "monitoring: create webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return eris.Wrap(err, "monitoring: webhook request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(
				eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode),
				resp.StatusCode,
			)
		}
		if resp.StatusCode >= 400 {
			return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
}
