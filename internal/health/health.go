// Package health aggregates transport, persistence, and recovery state into
// Healthy/Degraded/Unhealthy reports and serves them over the ops endpoint.
package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relaykit/internal/recovery"
	"relaykit/internal/store"
	"relaykit/internal/transport"
)

// Status is an aggregate health level.
type Status string

const (
	StatusHealthy   Status = "Healthy"
	StatusDegraded  Status = "Degraded"
	StatusUnhealthy Status = "Unhealthy"
)

// Report is the outcome of one checker run.
type Report struct {
	Status  Status            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// Checker produces a named health report. Checks are expected to complete
// fast (well under 100ms) on healthy inputs; anything slow belongs in a
// background probe.
type Checker interface {
	CheckName() string
	Check(ctx context.Context) Report
}

// TransportChecker reports Healthy while the transport accepts messages and
// its own introspection, when present, agrees.
type TransportChecker struct {
	Transport transport.Transport
}

func (c TransportChecker) CheckName() string { return "transport" }

func (c TransportChecker) Check(_ context.Context) Report {
	details := map[string]string{"transport_name": c.Transport.Name()}

	hi, ok := c.Transport.(transport.HealthIntrospector)
	if !ok {
		details["note"] = "health-check not supported"
		return Report{Status: StatusHealthy, Details: details}
	}

	healthy := hi.IsHealthy()
	details["transport_status"] = hi.HealthStatus()
	if last := hi.LastHealthCheck(); !last.IsZero() {
		details["last_check"] = last.UTC().Format(time.RFC3339)
		details["seconds_since_last_check"] = strconv.FormatInt(int64(time.Since(last).Seconds()), 10)
	}

	if !healthy {
		return Report{Status: StatusUnhealthy, Details: details}
	}
	return Report{Status: StatusHealthy, Details: details}
}

// PersistenceChecker aggregates the health of named stores. Any unhealthy
// member makes the whole report Unhealthy.
type PersistenceChecker struct {
	Stores map[string]store.HealthReporter
}

func (c PersistenceChecker) CheckName() string { return "persistence" }

func (c PersistenceChecker) Check(ctx context.Context) Report {
	var unhealthy []string
	for name, s := range c.Stores {
		if err := s.HealthCheck(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("%s: %v", name, err))
		}
	}

	details := map[string]string{
		"total":     strconv.Itoa(len(c.Stores)),
		"unhealthy": strconv.Itoa(len(unhealthy)),
	}
	if len(unhealthy) > 0 {
		details["unhealthy_members"] = strings.Join(unhealthy, "; ")
		return Report{Status: StatusUnhealthy, Details: details}
	}
	return Report{Status: StatusHealthy, Details: details}
}

// RecoveryChecker maps unhealthy supervised components to Degraded: the
// supervisor is actively working on them, so the service is impaired but
// not down.
type RecoveryChecker struct {
	Supervisor *recovery.Supervisor
}

func (c RecoveryChecker) CheckName() string { return "recovery" }

func (c RecoveryChecker) Check(_ context.Context) (report Report) {
	defer func() {
		if r := recover(); r != nil {
			report = Report{
				Status:  StatusUnhealthy,
				Details: map[string]string{"error": fmt.Sprint(r)},
			}
		}
	}()

	var unhealthy []string
	for _, comp := range c.Supervisor.Components() {
		if !comp.IsHealthy() {
			unhealthy = append(unhealthy, comp.ComponentName())
		}
	}

	details := map[string]string{
		"components": strconv.Itoa(len(c.Supervisor.Components())),
		"recovering": strconv.FormatBool(c.Supervisor.IsRecovering()),
	}
	if len(unhealthy) > 0 {
		details["unhealthy_members"] = strings.Join(unhealthy, ", ")
		return Report{Status: StatusDegraded, Details: details}
	}
	return Report{Status: StatusHealthy, Details: details}
}

// Aggregate runs every checker and folds the results: any Unhealthy wins,
// then any Degraded, else Healthy.
func Aggregate(ctx context.Context, checkers ...Checker) (Status, map[string]Report) {
	reports := make(map[string]Report, len(checkers))
	overall := StatusHealthy
	for _, c := range checkers {
		r := c.Check(ctx)
		reports[c.CheckName()] = r
		switch r.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall, reports
}
