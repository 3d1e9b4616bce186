package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "id segment",
			method:   "post",
			path:     "/sessions/123",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash and alpha id",
			method:   "POST",
			path:     "/sessions/abc123def/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "multi ids",
			method:   "PATCH",
			path:     "channels/abc/456/extra",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestBroadcastGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	stops := 150

	wg.Add(starts + stops)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.BroadcastStarted()
		}()
	}
	for i := 0; i < stops; i++ {
		go func() {
			defer wg.Done()
			recorder.BroadcastStopped()
		}()
	}

	wg.Wait()

	if active := recorder.ActiveBroadcasts(); active != 0 {
		t.Fatalf("active broadcasts should not go negative; got %d", active)
	}

	events := recorder.ReservationCounts()
	if count := events["started"]; count != uint64(starts) {
		t.Fatalf("unexpected started events: got %d want %d", count, starts)
	}
	if count := events["stopped"]; count != uint64(stops) {
		t.Fatalf("unexpected stopped events: got %d want %d", count, stops)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/sessions/abc123", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/sessions/456/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/sessions", 201, time.Second)

	recorder.ObserveReservationEvent("reserved")
	recorder.ObserveReservationEvent("reserved")
	recorder.ObserveReservationEvent("expired")
	recorder.BroadcastStarted()

	recorder.SetProviderHealth(" Provider ", "Healthy")
	recorder.SetPoolChannels("free", 3)
	recorder.SetPoolChannels("reserved", 1)

	recorder.ObserveProviderAttempt("issue_key")
	recorder.ObserveProviderAttempt("issue_key")
	recorder.ObserveProviderFailure("issue_key")

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP classcast_http_requests_total Total number of HTTP requests processed by the API
# TYPE classcast_http_requests_total counter
classcast_http_requests_total{method="GET",path="/sessions/:id",status="200"} 2
classcast_http_requests_total{method="POST",path="/sessions",status="201"} 1
# HELP classcast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE classcast_http_request_duration_seconds_sum counter
classcast_http_request_duration_seconds_sum{method="GET",path="/sessions/:id",status="200"} 0.200000
classcast_http_request_duration_seconds_sum{method="POST",path="/sessions",status="201"} 1.000000
# HELP classcast_http_request_duration_seconds_count Total number of observations for request durations
# TYPE classcast_http_request_duration_seconds_count counter
classcast_http_request_duration_seconds_count{method="GET",path="/sessions/:id",status="200"} 2
classcast_http_request_duration_seconds_count{method="POST",path="/sessions",status="201"} 1
# HELP classcast_reservation_events_total Channel reservation lifecycle events by type
# TYPE classcast_reservation_events_total counter
classcast_reservation_events_total{event="expired"} 1
classcast_reservation_events_total{event="reserved"} 2
classcast_reservation_events_total{event="started"} 1
# HELP classcast_active_broadcasts Current number of sessions marked as live
# TYPE classcast_active_broadcasts gauge
classcast_active_broadcasts 1
# HELP classcast_pool_channels Channel pool occupancy by state
# TYPE classcast_pool_channels gauge
classcast_pool_channels{state="free"} 3
classcast_pool_channels{state="reserved"} 1
# HELP classcast_provider_health Health status reported by the streaming provider (1=ok,0=disabled,-1=degraded)
# TYPE classcast_provider_health gauge
classcast_provider_health{component="provider",status="healthy"} 1.000000
# HELP classcast_provider_attempts_total Total provider operations attempted by action
# TYPE classcast_provider_attempts_total counter
classcast_provider_attempts_total{operation="issue_key"} 2
# HELP classcast_provider_failures_total Total provider operation failures by action
# TYPE classcast_provider_failures_total counter
classcast_provider_failures_total{operation="issue_key"} 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
