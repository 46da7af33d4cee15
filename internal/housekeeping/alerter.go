package housekeeping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/ledger"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSourceDisabled  AlertType = "source_auto_disabled"
	AlertSourceRecovered AlertType = "source_recovered"
)

// Alert is one webhook payload.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns auto-tune decisions into webhook alerts.
type Alerter struct {
	webhookURL string
	client     *http.Client
	nowFunc    func() time.Time
}

// NewAlerter creates an Alerter posting to webhookURL. An empty URL makes
// SendAlerts a no-op.
func NewAlerter(webhookURL string) *Alerter {
	return &Alerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		nowFunc:    time.Now,
	}
}

// Evaluate returns one alert per toggled source.
func (a *Alerter) Evaluate(changes []ledger.Change) []Alert {
	now := a.nowFunc().UTC()
	alerts := make([]Alert, 0, len(changes))
	for _, c := range changes {
		details := map[string]any{
			"attempts":     c.Stat.Attempts,
			"failures":     c.Stat.Failures,
			"failure_rate": c.Stat.FailureRate,
		}
		if c.Disabled {
			alerts = append(alerts, Alert{
				Type:     AlertSourceDisabled,
				Severity: "high",
				Source:   c.Source,
				Message: fmt.Sprintf("Source %s auto-disabled: failure rate %.1f%% over %d attempts",
					c.Source, c.Stat.FailureRate*100, c.Stat.Attempts),
				Details:   details,
				Timestamp: now,
			})
			continue
		}
		alerts = append(alerts, Alert{
			Type:      AlertSourceRecovered,
			Severity:  "info",
			Source:    c.Source,
			Message:   fmt.Sprintf("Source %s re-enabled: failure rate back to %.1f%%", c.Source, c.Stat.FailureRate*100),
			Details:   details,
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts delivers alerts to the webhook and returns how many succeeded.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.webhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("housekeeping: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("source", alert.Source),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("housekeeping: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("source", alert.Source),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "housekeeping: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "housekeeping: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "housekeeping: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("housekeeping: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
