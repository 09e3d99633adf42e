package health

import (
	"testing"
	"time"
)

func TestBasicMapping(t *testing.T) {
	tests := []struct {
		in   Status
		want Status
	}{
		{StatusHealthy, StatusHealthy},
		{StatusConnected, StatusHealthy},
		{StatusWarning, StatusWarning},
		{StatusDegraded, StatusWarning},
		{StatusUnhealthy, StatusUnhealthy},
		{StatusDisconnected, StatusUnhealthy},
		{Status("garbage"), StatusUnhealthy},
	}
	for _, tt := range tests {
		if got := tt.in.Basic(); got != tt.want {
			t.Errorf("%s.Basic() = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestReporterAggregatesWorst(t *testing.T) {
	r := NewReporter()
	r.Register("hot", func() Component { return Component{Status: StatusHealthy} })
	r.Register("warm", func() Component { return Component{Status: StatusDegraded, Detail: "circuit open"} })

	report := r.Report()
	if report.BasicStatus != StatusWarning {
		t.Fatalf("aggregate = %s, want warning", report.BasicStatus)
	}
	if report.Components["warm"].Detail != "circuit open" {
		t.Fatalf("component detail lost")
	}

	r.Register("store", func() Component { return Component{Status: StatusDisconnected} })
	if got := r.Report().BasicStatus; got != StatusUnhealthy {
		t.Fatalf("aggregate = %s, want unhealthy", got)
	}
}

func TestReporterEmptyIsHealthy(t *testing.T) {
	if got := NewReporter().Report().BasicStatus; got != StatusHealthy {
		t.Fatalf("empty reporter = %s, want healthy", got)
	}
}

func TestReporterCachesWithinTTL(t *testing.T) {
	r := NewReporter()
	runs := 0
	r.Register("store", func() Component {
		runs++
		return Component{Status: StatusHealthy}
	})
	r.SetCacheTTL(time.Minute)

	r.Report()
	r.Report()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1 within the cache TTL", runs)
	}

	// Registering a new component drops the cached report.
	r.Register("warm", func() Component { return Component{Status: StatusHealthy} })
	r.Report()
	if runs != 2 {
		t.Fatalf("runs = %d, want 2 after re-registration", runs)
	}
}

func TestReporterZeroTTLAlwaysProbes(t *testing.T) {
	r := NewReporter()
	runs := 0
	r.Register("store", func() Component {
		runs++
		return Component{Status: StatusHealthy}
	})

	r.Report()
	r.Report()
	if runs != 2 {
		t.Fatalf("runs = %d, want 2 without a cache TTL", runs)
	}
}
