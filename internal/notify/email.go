// Package notify delivers escalation alerts to the administrator by email.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"netfence/internal/config"
)

// Mailer is the transport seam, satisfied by *mailgun.MailgunImpl and by
// test fakes.
type Mailer interface {
	Send(ctx context.Context, message *mailgun.Message) (string, string, error)
}

// Notifier sends alert emails with a per-subject cooldown so a flapping
// failure doesn't flood the inbox.
type Notifier struct {
	cfg    config.NotifyConfig
	dev    bool
	mailer Mailer

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New builds a Notifier. When notifications are disabled, incompletely
// configured, or dev mode is on, alerts are logged instead of sent.
func New(cfg config.NotifyConfig, dev bool) *Notifier {
	n := &Notifier{cfg: cfg, dev: dev, lastSent: make(map[string]time.Time)}
	if cfg.Enabled && cfg.Domain != "" && cfg.ApiKey != "" {
		n.mailer = mailgun.NewMailgun(cfg.Domain, cfg.ApiKey)
	}
	return n
}

// Alert sends an email unless the same subject was sent within the cooldown
// window. Failures are logged, never propagated; alerting must not take the
// enforcement path down.
func (n *Notifier) Alert(subject, body string) {
	if !n.cfg.Enabled {
		return
	}
	if !n.cooldownElapsed(subject) {
		slog.Debug("Alert suppressed by cooldown", "subject", subject)
		return
	}

	if n.dev || n.mailer == nil {
		slog.Warn("Alert (email not configured or dev mode)", "subject", subject, "body", body)
		return
	}

	msg := mailgun.NewMessage(
		fmt.Sprintf("NetFence <%s>", n.cfg.FromEmail),
		"[NetFence] "+subject,
		body,
		n.cfg.ToEmail,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, _, err := n.mailer.Send(ctx, msg); err != nil {
		slog.Error("Sending alert email failed", "subject", subject, "error", err)
		return
	}
	slog.Info("Alert email sent", "subject", subject, "to", n.cfg.ToEmail)
}

func (n *Notifier) cooldownElapsed(subject string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	last, ok := n.lastSent[subject]
	if ok && time.Since(last) < config.EmailCooldownMinutes*time.Minute {
		return false
	}
	n.lastSent[subject] = time.Now()
	return true
}
