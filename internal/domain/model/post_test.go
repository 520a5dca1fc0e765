package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatform_UnmarshalText(t *testing.T) {
	var p Platform
	require.NoError(t, p.UnmarshalText([]byte(" LinkedIn ")))
	assert.Equal(t, PlatformLinkedIn, p)

	assert.Error(t, p.UnmarshalText([]byte("myspace")))
}

func TestPostStatus_Terminal(t *testing.T) {
	assert.False(t, PostStatusPending.Terminal())
	assert.False(t, PostStatusInFlight.Terminal())
	assert.True(t, PostStatusPosted.Terminal())
	assert.True(t, PostStatusFailed.Terminal())
	assert.False(t, PostStatus("processing").Valid())
}

func TestParseOwnerID(t *testing.T) {
	id, err := ParseOwnerID(" 6F1C2B8E-8A1D-4F4B-9C53-1D2E3F4A5B6C ")
	require.NoError(t, err)
	assert.Equal(t, OwnerID("6f1c2b8e-8a1d-4f4b-9c53-1d2e3f4a5b6c"), id)

	_, err = ParseOwnerID("someone@example.com")
	assert.ErrorIs(t, err, ErrInvalidOwnerID)
}

func TestScheduledPost_RetriesExhausted(t *testing.T) {
	p := &ScheduledPost{RetryCount: 2, MaxRetries: 3}
	assert.False(t, p.RetriesExhausted())
	p.RetryCount = 3
	assert.True(t, p.RetriesExhausted())
}

func validCreateRequest() *CreatePostRequest {
	return &CreatePostRequest{
		OwnerID:      "6f1c2b8e-8a1d-4f4b-9c53-1d2e3f4a5b6c",
		Content:      "Shipping the new release today",
		Platform:     PlatformLinkedIn,
		Type:         PostTypeText,
		ScheduledFor: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCreatePostRequest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *CreatePostRequest)
		wantField string
	}{
		{name: "valid text post", mutate: func(*CreatePostRequest) {}},
		{
			name:      "missing owner",
			mutate:    func(r *CreatePostRequest) { r.OwnerID = "" },
			wantField: "owner_id",
		},
		{
			name:      "owner not a uuid",
			mutate:    func(r *CreatePostRequest) { r.OwnerID = "user@example.com" },
			wantField: "owner_id",
		},
		{
			name:      "unknown platform",
			mutate:    func(r *CreatePostRequest) { r.Platform = "myspace" },
			wantField: "platform",
		},
		{
			name:      "missing schedule",
			mutate:    func(r *CreatePostRequest) { r.ScheduledFor = time.Time{} },
			wantField: "scheduled_for",
		},
		{
			name:      "retry cap too high",
			mutate:    func(r *CreatePostRequest) { r.MaxRetries = 50 },
			wantField: "max_retries",
		},
		{
			name: "carousel needs two images",
			mutate: func(r *CreatePostRequest) {
				r.Type = PostTypeCarousel
				r.Images = []string{"urn:li:digitalmediaAsset:1"}
			},
			wantField: "images",
		},
		{
			name: "image post with image",
			mutate: func(r *CreatePostRequest) {
				r.Type = PostTypeImage
				r.Images = []string{"urn:li:digitalmediaAsset:1"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreateRequest()
			tt.mutate(req)
			err := req.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.wantField)
		})
	}
}

func TestDispatchReport_Record(t *testing.T) {
	var r DispatchReport
	r.Record(DispatchItem{PostID: "a", Outcome: DispatchOutcomePosted, Charged: true})
	r.Record(DispatchItem{PostID: "b", Outcome: DispatchOutcomeRetrying, Error: "boom"})
	r.Record(DispatchItem{PostID: "c", Outcome: DispatchOutcomeFailed, Error: "rejected"})
	r.Record(DispatchItem{PostID: "d", Outcome: DispatchOutcomeExhausted})

	assert.Equal(t, 3, r.Attempted)
	assert.Equal(t, 1, r.Posted)
	assert.Equal(t, 1, r.Retrying)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Exhausted)
	assert.Len(t, r.Items, 4)
}

func TestRecoveryReport_Finalize(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	r := &RecoveryReport{Steps: []RecoveryStep{
		{Name: "health_check", Status: RecoveryStepSuccess},
		{Name: "backup_dispatch", Status: RecoveryStepSkipped},
	}}
	r.Finalize(now)
	assert.True(t, r.OverallSuccess)
	assert.Equal(t, now, r.FinishedAt)

	r.Steps = append(r.Steps, RecoveryStep{Name: "monitoring", Status: RecoveryStepFailed})
	r.Finalize(now)
	assert.False(t, r.OverallSuccess)
	require.NotNil(t, r.Step("monitoring"))
	assert.Nil(t, r.Step("missing"))
}

func TestHealthReport_CriticalAlerts(t *testing.T) {
	r := &HealthReport{Alerts: []HealthAlert{
		{Type: AlertTypeWarning, Severity: AlertSeverityMedium},
		{Type: AlertTypeCritical, Severity: AlertSeverityHigh, Key: "stuck_posts"},
	}}
	critical := r.CriticalAlerts()
	require.Len(t, critical, 1)
	assert.Equal(t, "stuck_posts", critical[0].Key)
}
