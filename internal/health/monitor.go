// SPDX-License-Identifier: MPL-2.0

package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
)

const (
	// DefaultInterval is the poll period.
	DefaultInterval = 5 * time.Second
	// DefaultTimeout bounds one probe.
	DefaultTimeout = 2 * time.Second
	// DefaultThreshold is the number of consecutive failures that triggers a recommendation.
	DefaultThreshold = 3
	// DefaultMarker is the status a healthy response reports.
	DefaultMarker = "ok"

	maxBodyBytes = 64 * 1024
)

// ErrUnhealthy is the sentinel wrapped by CheckError.
var ErrUnhealthy = errors.New("health check failed")

type (
	// Target is one process's health endpoint.
	Target struct {
		Process  string
		Endpoint string
		// Marker is the status a 2xx body must report, either as the
		// "status" field of a JSON object or as the whole body. Empty
		// accepts any 2xx.
		Marker string
	}

	// Status is the latest probe outcome of one target.
	Status struct {
		Process             string
		Endpoint            string
		Healthy             bool
		LastCheck           time.Time
		ConsecutiveFailures int
		LastErr             error
	}

	// Recommendation asks the caller to restart one process.
	Recommendation struct {
		Process  string
		Endpoint string
		Failures int
		LastErr  error
		At       time.Time
	}

	// CheckError describes a failed probe.
	CheckError struct {
		Endpoint   string
		StatusCode int
		Reason     string
		Err        error
	}

	// Option configures a Monitor.
	Option func(*Monitor)

	// Monitor tracks health per process.
	Monitor struct {
		client    *http.Client
		interval  time.Duration
		timeout   time.Duration
		threshold int
		logger    *log.Logger

		mu       sync.Mutex
		trackers map[string]*tracker
		recs     chan Recommendation
	}

	tracker struct {
		status      Status
		recommended bool
	}
)

func (e *CheckError) Error() string {
	msg := "health check " + e.Endpoint
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" returned %d", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CheckError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUnhealthy, e.Err}
	}
	return []error{ErrUnhealthy}
}

// WithHTTPClient sets the client used for probes.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// WithInterval sets the poll period.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithThreshold sets how many consecutive failures trigger a recommendation.
func WithThreshold(n int) Option {
	return func(m *Monitor) { m.threshold = n }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a Monitor. Non-positive option values keep the defaults.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		client:    &http.Client{},
		interval:  DefaultInterval,
		timeout:   DefaultTimeout,
		threshold: DefaultThreshold,
		logger:    log.New(io.Discard),
		trackers:  make(map[string]*tracker),
		recs:      make(chan Recommendation, 8),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.threshold <= 0 {
		m.threshold = DefaultThreshold
	}
	return m
}

// Recommendations delivers restart recommendations from Poll.
func (m *Monitor) Recommendations() <-chan Recommendation {
	return m.recs
}

// Check probes target once.
func (m *Monitor) Check(ctx context.Context, target Target) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.Endpoint, nil)
	if err != nil {
		return &CheckError{Endpoint: target.Endpoint, Reason: "invalid endpoint", Err: err}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return &CheckError{Endpoint: target.Endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }() // Read-only body; close error non-critical

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &CheckError{Endpoint: target.Endpoint, StatusCode: resp.StatusCode}
	}
	if target.Marker == "" {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &CheckError{Endpoint: target.Endpoint, StatusCode: resp.StatusCode, Reason: "reading body", Err: err}
	}
	if got, ok := reportedStatus(body); !ok || !strings.EqualFold(got, target.Marker) {
		return &CheckError{Endpoint: target.Endpoint, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("status %q, want %q", got, target.Marker)}
	}
	return nil
}

// reportedStatus extracts the status a health body reports: the "status"
// field of a JSON object, a JSON string, or the trimmed plain-text body.
func reportedStatus(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", false
	}
	if !json.Valid(trimmed) {
		return string(trimmed), true
	}
	var doc struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(trimmed, &doc); err == nil {
		if doc.Status == nil {
			return "", false
		}
		return *doc.Status, true
	}
	var str string
	if err := json.Unmarshal(trimmed, &str); err == nil {
		return str, true
	}
	return "", false
}

// Observe records a probe result and returns the recommendation it
// triggers, if any. Only the probe that reaches the threshold triggers one.
func (m *Monitor) Observe(target Target, err error) (Status, *Recommendation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr := m.tracker(target)
	tr.status.LastCheck = time.Now()
	tr.status.LastErr = err
	if err == nil {
		if !tr.status.Healthy && tr.status.ConsecutiveFailures > 0 {
			m.logger.Info("health recovered", "process", target.Process)
		}
		tr.status.Healthy = true
		tr.status.ConsecutiveFailures = 0
		tr.recommended = false
		return tr.status, nil
	}

	tr.status.Healthy = false
	tr.status.ConsecutiveFailures++
	m.logger.Debug("health check failed", "process", target.Process, "failures", tr.status.ConsecutiveFailures, "error", err)
	if tr.status.ConsecutiveFailures < m.threshold || tr.recommended {
		return tr.status, nil
	}
	tr.recommended = true
	rec := &Recommendation{
		Process:  target.Process,
		Endpoint: target.Endpoint,
		Failures: tr.status.ConsecutiveFailures,
		LastErr:  err,
		At:       tr.status.LastCheck,
	}
	m.logger.Warn("health threshold crossed, recommending restart", "process", target.Process, "failures", rec.Failures)
	return tr.status, rec
}

func (m *Monitor) tracker(target Target) *tracker {
	tr, ok := m.trackers[target.Process]
	if !ok {
		tr = &tracker{status: Status{Process: target.Process, Endpoint: target.Endpoint}}
		m.trackers[target.Process] = tr
	}
	return tr
}

// Poll probes target every interval until ctx is done, sending any
// recommendation to Recommendations.
func (m *Monitor) Poll(ctx context.Context, target Target) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		_, rec := m.Observe(target, m.Check(ctx, target))
		if rec != nil {
			select {
			case m.recs <- *rec:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reset clears process's failure count and re-arms its recommendation,
// typically after a restart.
func (m *Monitor) Reset(process string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.trackers[process]; ok {
		tr.status.ConsecutiveFailures = 0
		tr.status.Healthy = false
		tr.recommended = false
	}
}

// Status returns process's latest status.
func (m *Monitor) Status(process string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trackers[process]
	if !ok {
		return Status{}, false
	}
	return tr.status, true
}

// Statuses returns every tracked status, sorted by process.
func (m *Monitor) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.trackers))
	for _, tr := range m.trackers {
		out = append(out, tr.status)
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Process, b.Process) })
	return out
}

// WaitHealthy probes with exponential backoff until target is healthy or
// timeout elapses. It returns the last probe error on timeout.
func (m *Monitor) WaitHealthy(ctx context.Context, target Target, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(timeout),
	)
	err := backoff.Retry(func() error {
		err := m.Check(ctx, target)
		m.Observe(target, err)
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("%s not healthy within %s: %w", target.Process, timeout, err)
	}
	return nil
}
