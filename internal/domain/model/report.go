package model

import "time"

// DispatchTrigger identifies what started a dispatch run.
type DispatchTrigger string

const (
	DispatchTriggerPrimary  DispatchTrigger = "primary"
	DispatchTriggerBackup   DispatchTrigger = "backup"
	DispatchTriggerRecovery DispatchTrigger = "recovery"
	DispatchTriggerManual   DispatchTrigger = "manual"
)

// Valid returns true if the trigger is known.
func (t DispatchTrigger) Valid() bool {
	switch t {
	case DispatchTriggerPrimary, DispatchTriggerBackup, DispatchTriggerRecovery, DispatchTriggerManual:
		return true
	default:
		return false
	}
}

// DispatchOutcome is the per-post result of a dispatch run.
type DispatchOutcome string

const (
	// DispatchOutcomePosted means the post was published.
	DispatchOutcomePosted DispatchOutcome = "posted"
	// DispatchOutcomeRetrying means publish failed and the post returned to pending.
	DispatchOutcomeRetrying DispatchOutcome = "retrying"
	// DispatchOutcomeFailed means publish failed and the post is now terminally failed.
	DispatchOutcomeFailed DispatchOutcome = "failed"
	// DispatchOutcomeExhausted means the post was finalized without a publish attempt.
	DispatchOutcomeExhausted DispatchOutcome = "exhausted"
	// DispatchOutcomeAbandoned means the run ended before the claimed post was attempted.
	DispatchOutcomeAbandoned DispatchOutcome = "abandoned"
	// DispatchOutcomeUnrecorded means the post was published but its posted
	// state could not be stored. The lease sweep finalizes it once charged.
	DispatchOutcomeUnrecorded DispatchOutcome = "unrecorded"
)

// DispatchItem records what happened to one post during a run.
type DispatchItem struct {
	PostID         string          `json:"post_id"`
	Outcome        DispatchOutcome `json:"outcome"`
	Error          string          `json:"error,omitempty"`
	ExternalPostID string          `json:"external_post_id,omitempty"`
	Charged        bool            `json:"charged,omitempty"`
}

// DispatchReport summarises a dispatch run.
type DispatchReport struct {
	Trigger      DispatchTrigger `json:"trigger"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Window       string          `json:"window"`
	Claimed      int             `json:"claimed"`
	Attempted    int             `json:"attempted"`
	Posted       int             `json:"posted"`
	Retrying     int             `json:"retrying"`
	Failed       int             `json:"failed"`
	Exhausted    int             `json:"exhausted"`
	Abandoned    int             `json:"abandoned"`
	Unrecorded   int             `json:"unrecorded"`
	ChargeErrors int             `json:"charge_errors"`
	Items        []DispatchItem  `json:"items"`
}

// Record appends item and updates the aggregate counts.
func (r *DispatchReport) Record(item DispatchItem) {
	r.Items = append(r.Items, item)
	switch item.Outcome {
	case DispatchOutcomePosted:
		r.Attempted++
		r.Posted++
	case DispatchOutcomeRetrying:
		r.Attempted++
		r.Retrying++
	case DispatchOutcomeFailed:
		r.Attempted++
		r.Failed++
	case DispatchOutcomeExhausted:
		r.Exhausted++
	case DispatchOutcomeAbandoned:
		r.Abandoned++
	case DispatchOutcomeUnrecorded:
		r.Attempted++
		r.Unrecorded++
	}
}

// HealthStatus classifies the delivery pipeline.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusWarning   HealthStatus = "warning"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// AlertType is the kind of a health alert.
type AlertType string

const (
	AlertTypeWarning  AlertType = "warning"
	AlertTypeCritical AlertType = "critical"
)

// AlertSeverity is the urgency of a health alert.
type AlertSeverity string

const (
	AlertSeverityLow    AlertSeverity = "low"
	AlertSeverityMedium AlertSeverity = "medium"
	AlertSeverityHigh   AlertSeverity = "high"
)

// HealthAlert is one condition raised by the health monitor.
type HealthAlert struct {
	Type     AlertType     `json:"type"`
	Message  string        `json:"message"`
	Severity AlertSeverity `json:"severity"`
	// Key identifies the condition for de-duplication (e.g. "stuck_posts").
	Key string `json:"key"`
}

// HealthCounts are the store counts behind a health classification.
type HealthCounts struct {
	Pending       int `json:"pending_posts"`
	Overdue       int `json:"overdue_posts"`
	Stuck         int `json:"stuck_posts"`
	InFlight      int `json:"in_flight_posts"`
	FailedLast24h int `json:"failed_last_24h"`
	PostedLast24h int `json:"posted_last_24h"`
}

// HealthReport is a read-only snapshot of the pipeline.
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	CheckedAt time.Time     `json:"checked_at"`
	Counts    HealthCounts  `json:"counts"`
	Alerts    []HealthAlert `json:"alerts"`
}

// CriticalAlerts returns the alerts of critical type.
func (r *HealthReport) CriticalAlerts() []HealthAlert {
	var out []HealthAlert
	for _, a := range r.Alerts {
		if a.Type == AlertTypeCritical {
			out = append(out, a)
		}
	}
	return out
}

// RecoveryStepStatus is the outcome of one recovery step.
type RecoveryStepStatus string

const (
	// RecoveryStepSuccess means the step ran and found nothing wrong.
	RecoveryStepSuccess RecoveryStepStatus = "success"
	// RecoveryStepFailed means the step ran but reported a problem.
	RecoveryStepFailed RecoveryStepStatus = "failed"
	// RecoveryStepError means the step returned an error.
	RecoveryStepError RecoveryStepStatus = "error"
	// RecoveryStepSkipped means the step's precondition was not met.
	RecoveryStepSkipped RecoveryStepStatus = "skipped"
)

// RecoveryStep records one step of a recovery run.
type RecoveryStep struct {
	Name     string             `json:"name"`
	Status   RecoveryStepStatus `json:"status"`
	Error    string             `json:"error,omitempty"`
	Detail   string             `json:"detail,omitempty"`
	Duration string             `json:"duration"`
}

// RecoveryReport summarises a recovery run.
type RecoveryReport struct {
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	Steps          []RecoveryStep  `json:"steps"`
	Health         *HealthReport   `json:"health,omitempty"`
	Dispatch       *DispatchReport `json:"dispatch,omitempty"`
	OverallSuccess bool            `json:"overall_success"`
}

// Step returns the named step, or nil.
func (r *RecoveryReport) Step(name string) *RecoveryStep {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// Finalize computes OverallSuccess from the recorded steps.
func (r *RecoveryReport) Finalize(at time.Time) {
	r.FinishedAt = at
	r.OverallSuccess = true
	for _, s := range r.Steps {
		if s.Status == RecoveryStepFailed || s.Status == RecoveryStepError {
			r.OverallSuccess = false
			return
		}
	}
}
