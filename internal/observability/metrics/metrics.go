package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, reservation lifecycle events, provider health, and pool
// occupancy. It coordinates concurrent writers via a RWMutex while exposing a
// thread-safe gauge for active broadcast tracking.
type Recorder struct {
	mu                  sync.RWMutex
	requestCount        map[requestLabel]uint64
	requestDuration     map[requestLabel]time.Duration
	reservationEvents   map[string]uint64
	providerHealthValue map[string]float64
	providerHealthState map[string]string
	providerAttempts    map[string]uint64
	providerFailures    map[string]uint64
	poolChannels        map[string]int
	activeBroadcasts    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:        make(map[requestLabel]uint64),
		requestDuration:     make(map[requestLabel]time.Duration),
		reservationEvents:   make(map[string]uint64),
		providerHealthValue: make(map[string]float64),
		providerHealthState: make(map[string]string),
		providerAttempts:    make(map[string]uint64),
		providerFailures:    make(map[string]uint64),
		poolChannels:        make(map[string]int),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveReservationEvent records a reservation lifecycle event such as
// "reserved", "released", "expired", "exhausted", or "conflict".
func (r *Recorder) ObserveReservationEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.reservationEvents[normalized]++
	r.mu.Unlock()
}

// BroadcastStarted increments the active broadcast gauge.
func (r *Recorder) BroadcastStarted() {
	r.ObserveReservationEvent("started")
	r.activeBroadcasts.Add(1)
}

// BroadcastStopped decrements the active broadcast gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) BroadcastStopped() {
	r.ObserveReservationEvent("stopped")
	r.decrementGauge(&r.activeBroadcasts)
}

// ActiveBroadcasts exposes the current gauge of concurrently live sessions.
func (r *Recorder) ActiveBroadcasts() int64 {
	return r.activeBroadcasts.Load()
}

// ObserveProviderAttempt records a provider operation attempt keyed by
// operation name (e.g., "issue_key", "revoke_key", "provision_channel").
func (r *Recorder) ObserveProviderAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.providerAttempts[op]++
	r.mu.Unlock()
}

// ObserveProviderFailure records a failed provider operation keyed by
// operation name. The caller should also record the attempt separately.
func (r *Recorder) ObserveProviderFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.providerFailures[op]++
	r.mu.Unlock()
}

// SetProviderHealth normalizes component identifiers, maps status strings to
// numeric health values, and stores both representations for export.
func (r *Recorder) SetProviderHealth(component, status string) {
	normalizedComponent := normalizeName(component)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.providerHealthValue[normalizedComponent] = value
	r.providerHealthState[normalizedComponent] = normalizedStatus
	r.mu.Unlock()
}

// SetPoolChannels records the pool occupancy gauge for one state bucket
// ("free", "reserved", "active", "disabled").
func (r *Recorder) SetPoolChannels(state string, count int) {
	normalized := normalizeName(state)
	r.mu.Lock()
	r.poolChannels[normalized] = count
	r.mu.Unlock()
}

// ProviderCounts returns copies of provider attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) ProviderCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.providerAttempts))
	for k, v := range r.providerAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.providerFailures))
	for k, v := range r.providerFailures {
		failures[k] = v
	}
	return attempts, failures
}

// ReservationCounts returns a copy of reservation event counters.
func (r *Recorder) ReservationCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.reservationEvents))
	for k, v := range r.reservationEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.reservationEvents = make(map[string]uint64)
	r.providerHealthValue = make(map[string]float64)
	r.providerHealthState = make(map[string]string)
	r.providerAttempts = make(map[string]uint64)
	r.providerFailures = make(map[string]uint64)
	r.poolChannels = make(map[string]int)
	r.activeBroadcasts.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	reservationEvents := r.sortedReservationEvents()
	providerComponents := r.sortedProviderComponents()
	providerOperations := r.sortedProviderOperations()
	poolStates := r.sortedPoolStates()

	fmt.Fprintln(w, "# HELP classcast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE classcast_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "classcast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP classcast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE classcast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "classcast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP classcast_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE classcast_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "classcast_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP classcast_reservation_events_total Channel reservation lifecycle events by type")
	fmt.Fprintln(w, "# TYPE classcast_reservation_events_total counter")
	for _, event := range reservationEvents {
		value := r.reservationEvents[event]
		fmt.Fprintf(w, "classcast_reservation_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP classcast_active_broadcasts Current number of sessions marked as live")
	fmt.Fprintln(w, "# TYPE classcast_active_broadcasts gauge")
	fmt.Fprintf(w, "classcast_active_broadcasts %d\n", r.activeBroadcasts.Load())

	fmt.Fprintln(w, "# HELP classcast_pool_channels Channel pool occupancy by state")
	fmt.Fprintln(w, "# TYPE classcast_pool_channels gauge")
	for _, state := range poolStates {
		fmt.Fprintf(w, "classcast_pool_channels{state=\"%s\"} %d\n", state, r.poolChannels[state])
	}

	fmt.Fprintln(w, "# HELP classcast_provider_health Health status reported by the streaming provider (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE classcast_provider_health gauge")
	for _, component := range providerComponents {
		value := r.providerHealthValue[component]
		status := r.providerHealthState[component]
		fmt.Fprintf(w, "classcast_provider_health{component=\"%s\",status=\"%s\"} %f\n", component, status, value)
	}

	fmt.Fprintln(w, "# HELP classcast_provider_attempts_total Total provider operations attempted by action")
	fmt.Fprintln(w, "# TYPE classcast_provider_attempts_total counter")
	for _, op := range providerOperations {
		count := r.providerAttempts[op]
		fmt.Fprintf(w, "classcast_provider_attempts_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP classcast_provider_failures_total Total provider operation failures by action")
	fmt.Fprintln(w, "# TYPE classcast_provider_failures_total counter")
	for _, op := range providerOperations {
		count := r.providerFailures[op]
		fmt.Fprintf(w, "classcast_provider_failures_total{operation=\"%s\"} %d\n", op, count)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedReservationEvents() []string {
	events := make([]string, 0, len(r.reservationEvents))
	for event := range r.reservationEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedProviderComponents() []string {
	components := make([]string, 0, len(r.providerHealthValue))
	for component := range r.providerHealthValue {
		components = append(components, component)
	}
	sort.Strings(components)
	return components
}

func (r *Recorder) sortedProviderOperations() []string {
	seen := make(map[string]struct{}, len(r.providerAttempts)+len(r.providerFailures))
	for op := range r.providerAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.providerFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (r *Recorder) sortedPoolStates() []string {
	states := make([]string, 0, len(r.poolChannels))
	for state := range r.poolChannels {
		states = append(states, state)
	}
	sort.Strings(states)
	return states
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveReservationEvent records a reservation event on the default recorder.
func ObserveReservationEvent(event string) {
	defaultRecorder.ObserveReservationEvent(event)
}

// BroadcastStarted increments counters on the default recorder.
func BroadcastStarted() {
	defaultRecorder.BroadcastStarted()
}

// BroadcastStopped decrements active broadcasts on the default recorder.
func BroadcastStopped() {
	defaultRecorder.BroadcastStopped()
}

// SetProviderHealth updates provider health on the default recorder.
func SetProviderHealth(component, status string) {
	defaultRecorder.SetProviderHealth(component, status)
}

// ObserveProviderAttempt records a provider attempt on the default recorder.
func ObserveProviderAttempt(operation string) {
	defaultRecorder.ObserveProviderAttempt(operation)
}

// ObserveProviderFailure records a provider failure on the default recorder.
func ObserveProviderFailure(operation string) {
	defaultRecorder.ObserveProviderFailure(operation)
}

// SetPoolChannels updates a pool occupancy gauge on the default recorder.
func SetPoolChannels(state string, count int) {
	defaultRecorder.SetPoolChannels(state, count)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
