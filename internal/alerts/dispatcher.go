// Package alerts delivers operator notifications about ingestion and
// pipeline failures. Delivery is fire-and-forget: a failed alert is logged
// and counted, never returned to the pipeline.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity levels, ordered
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}

// ParseSeverity reads a configured severity name
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "INFO":
		return SeverityInfo, nil
	case "WARNING", "WARN":
		return SeverityWarning, nil
	case "CRITICAL":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("unknown alert severity %q", v)
}

// Alert types raised by the pipeline
const (
	TypeProviderFailure = "provider_failure"
	TypePipelineFailure = "pipeline_failure"
	TypeRunFailed       = "run_failed"
	TypeHardStop        = "hard_stop"
)

// Alert is one notification
type Alert struct {
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	RunID     string            `json:"runId,omitempty"`
	TraceID   string            `json:"traceId,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
}

// Text renders the alert as plain text for chat channels
func (a Alert) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", a.Severity, a.Type, a.Message)
	if a.RunID != "" {
		fmt.Fprintf(&b, "\nrun: %s", a.RunID)
	}
	if a.TraceID != "" {
		fmt.Fprintf(&b, "\ntrace: %s", a.TraceID)
	}
	for _, k := range sortedKeys(a.Context) {
		fmt.Fprintf(&b, "\n%s: %s", k, a.Context[k])
	}
	return b.String()
}

// Channel delivers alerts to one destination
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Recorder counts delivery outcomes
type Recorder interface {
	RecordAlert(channel string, ok bool)
}

// Sender is what the pipeline depends on
type Sender interface {
	SendAlert(ctx context.Context, alert Alert)
}

// Dispatcher fans alerts out to every channel in the background
type Dispatcher struct {
	channels    []Channel
	minSeverity Severity
	timeout     time.Duration
	recorder    Recorder
	now         func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Alerts below minSeverity are dropped.
func NewDispatcher(channels []Channel, minSeverity Severity, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{channels: channels, minSeverity: minSeverity, timeout: timeout, now: time.Now}
}

// WithRecorder attaches a delivery outcome recorder
func (d *Dispatcher) WithRecorder(r Recorder) *Dispatcher {
	d.recorder = r
	return d
}

// Channels returns the configured channel names
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, c := range d.channels {
		names[i] = c.Name()
	}
	return names
}

// SendAlert delivers the alert to every channel without blocking the caller.
// Delivery runs detached from ctx cancellation but keeps its values.
func (d *Dispatcher) SendAlert(ctx context.Context, alert Alert) {
	if alert.Severity < d.minSeverity || len(d.channels) == 0 {
		return
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = d.now().UTC()
	}
	base := context.WithoutCancel(ctx)
	for _, ch := range d.channels {
		d.wg.Add(1)
		go func(ch Channel) {
			defer d.wg.Done()
			d.deliver(base, ch, alert)
		}(ch)
	}
}

// Deliver sends synchronously and returns every channel error
func (d *Dispatcher) Deliver(ctx context.Context, alert Alert) []error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = d.now().UTC()
	}
	var errs []error
	for _, ch := range d.channels {
		if err := d.deliver(ctx, ch, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, alert Alert) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := ch.Send(ctx, alert)
	if d.recorder != nil {
		d.recorder.RecordAlert(ch.Name(), err == nil)
	}
	if err != nil {
		log.Error().Err(err).
			Str("channel", ch.Name()).
			Str("alert_type", alert.Type).
			Msg("Alert delivery failed")
		return fmt.Errorf("%s: %w", ch.Name(), err)
	}
	log.Debug().Str("channel", ch.Name()).Str("alert_type", alert.Type).Msg("Alert sent")
	return nil
}

// Wait blocks until background deliveries finish
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LogChannel writes alerts to the log only
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Send(_ context.Context, a Alert) error {
	log.Warn().
		Str("alert_type", a.Type).
		Str("severity", a.Severity.String()).
		Str("run_id", a.RunID).
		Str("trace_id", a.TraceID).
		Msg(a.Message)
	return nil
}
