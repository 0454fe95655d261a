package provisioning

import (
	"context"
	"time"

	"schoolhub/logger"
	"schoolhub/metrics"

	"go.uber.org/zap"
)

// Onboarding step names.
const (
	StepGenerateIdentifiers = "generate_identifiers"
	StepCreateTenant        = "create_tenant"
	StepConfigureRemote     = "configure_remote"
	StepCreateSubscription  = "create_subscription"
	StepGrantTemplates      = "grant_templates"
	StepCreateAdminIdentity = "create_admin_identity"
	StepSendWelcome         = "send_welcome"
)

type Policy string

const (
	MustSucceed Policy = "must_succeed"
	BestEffort  Policy = "best_effort"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// StepResult is the outcome of one named step.
type StepResult struct {
	Name       string `json:"name"`
	Policy     Policy `json:"policy"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// steps collects StepResults in execution order.
type steps struct {
	results []StepResult
	metrics *metrics.Metrics
}

func newSteps(m *metrics.Metrics) *steps {
	return &steps{results: []StepResult{}, metrics: m}
}

// run executes fn and records its outcome. The error is returned for the
// caller to act on; best-effort failures are also logged here.
func (s *steps) run(ctx context.Context, name string, policy Policy, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)

	res := StepResult{Name: name, Policy: policy, Status: StatusSucceeded, DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		log := logger.FromContext(ctx)
		if policy == BestEffort {
			log.Warn("Best-effort onboarding step failed", zap.String("step", name), zap.Error(err))
		} else {
			log.Error("Onboarding step failed", zap.String("step", name), zap.Error(err))
		}
	}
	s.results = append(s.results, res)
	s.metrics.ProvisioningSteps.WithLabelValues(name, string(res.Status)).Inc()
	return err
}

func (s *steps) skip(name string, policy Policy, reason string) {
	s.results = append(s.results, StepResult{Name: name, Policy: policy, Status: StatusSkipped, Error: reason})
	s.metrics.ProvisioningSteps.WithLabelValues(name, string(StatusSkipped)).Inc()
}

func (s *steps) succeeded(name string) bool {
	for _, r := range s.results {
		if r.Name == name {
			return r.Status == StatusSucceeded
		}
	}
	return false
}

func (s *steps) complete() bool {
	for _, r := range s.results {
		if r.Status == StatusFailed {
			return false
		}
	}
	return true
}
