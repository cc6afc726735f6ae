// Package notification delivers alerts for executed decisions, trailing-stop
// triggers and shadow-aggregator disagreements to external channels.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tradesignals/internal/model"
	"tradesignals/internal/trailing"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Symbol  string     `json:"symbol,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the logger (useful for development).
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	n.log.Info(alert.Title,
		zap.String("level", string(alert.Level)),
		zap.String("symbol", alert.Symbol),
		zap.String("message", alert.Message))
	return nil
}

// Channel names a backend for failure accounting.
type Channel struct {
	Name string
	Notifier
}

// Multi fans one alert out to every channel. A failing channel never stops
// delivery to the others.
type Multi struct {
	channels []Channel
	log      *zap.Logger

	// OnFailure is called with the channel name after a failed send.
	OnFailure func(channel string)
}

// NewMulti creates a fan-out notifier.
func NewMulti(log *zap.Logger, channels ...Channel) *Multi {
	if log == nil {
		log = zap.NewNop()
	}
	return &Multi{channels: channels, log: log.Named("notify")}
}

// Len returns the number of channels.
func (m *Multi) Len() int { return len(m.channels) }

// Send delivers to every channel and joins the errors.
func (m *Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, c := range m.channels {
		if err := c.Send(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			if m.OnFailure != nil {
				m.OnFailure(c.Name)
			}
			m.log.Warn("notification failed",
				zap.String("channel", c.Name),
				zap.String("title", alert.Title),
				zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

// DecisionAlert describes an executed decision.
func DecisionAlert(d model.ExecutionDecision) Alert {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s confidence %.2f", d.Direction, d.Symbol, float64(d.Confidence))
	if p := d.Primary; p != nil {
		fmt.Fprintf(&b, "\nentry %.2f stop %.2f target %.2f trail %.2f%%",
			p.Entry, p.StopLoss, p.ProfitTarget, p.TrailingStopPct)
		if p.FallbackLevels {
			b.WriteString(" (fallback levels)")
		}
	}
	if len(d.Voters) > 0 {
		fmt.Fprintf(&b, "\nvoters: %s", strings.Join(d.Voters, ", "))
	}
	if len(d.Dissent) > 0 {
		fmt.Fprintf(&b, "\ndissent: %s", strings.Join(d.Dissent, ", "))
	}
	return Alert{
		Level:   AlertInfo,
		Title:   fmt.Sprintf("Signal %s %s", d.Direction, d.Symbol),
		Message: b.String(),
		Symbol:  d.Symbol,
	}
}

// EventAlert describes a trailing-stop event. Ratchets are informational;
// closes are warnings.
func EventAlert(ev trailing.Event) Alert {
	level := AlertInfo
	if ev.Type == trailing.EventClosed {
		level = AlertWarning
	}
	msg := fmt.Sprintf("%s %s price %.2f stop %.2f P&L %.2f%%",
		ev.Position.Side, ev.Symbol, ev.Price, ev.Stop, ev.Position.UnrealizedPct())
	if ev.Reason != "" {
		msg += "\n" + ev.Reason
	}
	return Alert{
		Level:   level,
		Title:   fmt.Sprintf("Trailing %s %s", ev.Type, ev.Symbol),
		Message: msg,
		Symbol:  ev.Symbol,
	}
}

// ShadowAlert reports a disagreement between the primary and shadow
// aggregators.
func ShadowAlert(primary, shadow model.ExecutionDecision, reason string) Alert {
	return Alert{
		Level: AlertWarning,
		Title: fmt.Sprintf("Shadow mismatch %s", primary.Symbol),
		Message: fmt.Sprintf("%s\nprimary: execute=%t %s %.2f\nshadow: execute=%t %s %.2f",
			reason,
			primary.Execute, primary.Direction, float64(primary.Confidence),
			shadow.Execute, shadow.Direction, float64(shadow.Confidence)),
		Symbol: primary.Symbol,
	}
}
