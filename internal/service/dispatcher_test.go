package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/postcron/config"
	"github.com/target/postcron/internal/core"
	"github.com/target/postcron/internal/domain/model"
	"github.com/target/postcron/internal/mocks"
	"github.com/target/postcron/internal/testutil"
)

type permanentErr struct{ msg string }

func (e permanentErr) Error() string   { return e.msg }
func (e permanentErr) Permanent() bool { return true }

// stubPublisher records publish calls and answers from a per-post table.
type stubPublisher struct {
	mu     sync.Mutex
	calls  map[string]int
	order  []string
	errFor map[string]error
	hook   func(post *model.ScheduledPost)
	// noID answers success without an external id.
	noID bool
}

func newStubPublisher() *stubPublisher {
	return &stubPublisher{calls: map[string]int{}, errFor: map[string]error{}}
}

func (p *stubPublisher) Publish(_ context.Context, post *model.ScheduledPost) (*model.PublishResult, error) {
	p.mu.Lock()
	p.calls[post.ID]++
	p.order = append(p.order, post.ID)
	err := p.errFor[post.ID]
	hook, noID := p.hook, p.noID
	p.mu.Unlock()
	if hook != nil {
		hook(post)
	}
	if err != nil {
		return nil, err
	}
	if noID {
		return &model.PublishResult{}, nil
	}
	return &model.PublishResult{ExternalPostID: "ext-" + post.ID}, nil
}

func (p *stubPublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

type captureFailures struct {
	mu    sync.Mutex
	posts []string
}

func (c *captureFailures) NotifyPostFailure(_ context.Context, post *model.ScheduledPost, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, post.ID)
	return nil
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		Window:            5 * time.Minute,
		Lease:             2 * time.Minute,
		BatchSize:         50,
		PublishTimeout:    5 * time.Second,
		RunTimeout:        time.Minute,
		RetryBaseDelay:    30 * time.Second,
		DefaultMaxRetries: 3,
		ChargeAmount:      1,
	}
}

type dispatchFixture struct {
	now       time.Time
	clock     *core.FixedClock
	repo      *testutil.MemoryPostRepo
	ledger    *testutil.MemoryLedger
	publisher *stubPublisher
	failures  *captureFailures
	svc       *DispatcherService
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	now := testutil.TestTime()
	clock := core.NewFixedClock(now)
	repo := testutil.NewMemoryPostRepo(clock.Now)
	ledger := testutil.NewMemoryLedger(repo)
	pub := newStubPublisher()
	failures := &captureFailures{}

	svc, err := NewDispatcherService(DispatcherServiceOptions{
		Repo:      repo,
		Publisher: pub,
		Ledger:    ledger,
		Config:    testDispatchConfig(),
		Failures:  failures,
		Clock:     clock,
	})
	require.NoError(t, err)

	return &dispatchFixture{now: now, clock: clock, repo: repo, ledger: ledger, publisher: pub, failures: failures, svc: svc}
}

func TestNewDispatcherService_Validation(t *testing.T) {
	_, err := NewDispatcherService(DispatcherServiceOptions{Publisher: newStubPublisher(), Config: testDispatchConfig()})
	require.Error(t, err)

	_, err = NewDispatcherService(DispatcherServiceOptions{Repo: testutil.NewMemoryPostRepo(nil), Config: testDispatchConfig()})
	require.Error(t, err)

	cfg := testDispatchConfig()
	cfg.Lease = 0
	_, err = NewDispatcherService(DispatcherServiceOptions{Repo: testutil.NewMemoryPostRepo(nil), Publisher: newStubPublisher(), Config: cfg})
	require.Error(t, err)
}

func TestDispatcher_PublishesDuePostEndToEnd(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-2 * time.Minute), Content: "hello"})

	report, err := f.svc.Run(context.Background(), f.now)
	require.NoError(t, err)

	assert.Equal(t, 1, f.publisher.calls[id])
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Posted)
	require.Len(t, report.Items, 1)
	assert.Equal(t, model.DispatchOutcomePosted, report.Items[0].Outcome)
	assert.True(t, report.Items[0].Charged)
	assert.Equal(t, model.DispatchTriggerPrimary, report.Trigger)

	stored := f.repo.Get(id)
	assert.Equal(t, model.PostStatusPosted, stored.Status)
	require.NotNil(t, stored.ExternalPostID)
	assert.Equal(t, "ext-"+id, *stored.ExternalPostID)
	assert.Equal(t, 1, f.ledger.Charges())
	assert.True(t, f.ledger.Charged(id))
}

func TestDispatcher_AttemptsEachDuePostOnceInsideWindow(t *testing.T) {
	f := newDispatchFixture(t)
	inside := []string{
		f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now}),
		f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-1 * time.Minute)}),
		f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-5 * time.Minute)}),
	}
	tooOld := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-6 * time.Minute)})
	future := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(time.Minute)})
	done := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-time.Minute), Status: model.PostStatusPosted})

	report, err := f.svc.Run(context.Background(), f.now)
	require.NoError(t, err)

	for _, id := range inside {
		assert.Equal(t, 1, f.publisher.calls[id], "post %s", id)
	}
	for _, id := range []string{tooOld, future, done} {
		assert.Zero(t, f.publisher.calls[id], "post %s", id)
	}
	assert.Equal(t, 3, report.Posted)

	// Oldest first.
	assert.Equal(t, []string{inside[2], inside[1], inside[0]}, f.publisher.order)
}

func TestDispatcher_FailureIsolation(t *testing.T) {
	f := newDispatchFixture(t)
	a := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-3 * time.Minute)})
	b := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-2 * time.Minute)})
	f.publisher.errFor[a] = errors.New("linkedin 503")

	report, err := f.svc.Run(context.Background(), f.now)
	require.NoError(t, err)

	assert.Equal(t, 1, f.publisher.calls[a])
	assert.Equal(t, 1, f.publisher.calls[b])
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Posted)
	assert.Equal(t, 1, report.Retrying)

	postA := f.repo.Get(a)
	assert.Equal(t, model.PostStatusPending, postA.Status)
	assert.Equal(t, 1, postA.RetryCount)
	require.NotNil(t, postA.NextAttemptAt)
	assert.Equal(t, f.now.Add(30*time.Second), *postA.NextAttemptAt)
	require.NotNil(t, postA.ErrorMessage)
	assert.Equal(t, "linkedin 503", *postA.ErrorMessage)

	assert.Equal(t, model.PostStatusPosted, f.repo.Get(b).Status)
	assert.False(t, f.ledger.Charged(a))
	assert.True(t, f.ledger.Charged(b))
}

func TestDispatcher_NoRetryWithinSameRun(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-time.Minute)})
	f.publisher.errFor[id] = errors.New("timeout")

	_, err := f.svc.Run(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, f.publisher.total())

	// Still inside the backoff.
	_, err = f.svc.Run(context.Background(), f.now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, f.publisher.total())

	_, err = f.svc.Run(context.Background(), f.now.Add(31*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, f.publisher.calls[id])
}

func TestDispatcher_RetryCapFinalizes(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-time.Minute), MaxRetries: 2})
	f.publisher.errFor[id] = errors.New("boom")

	_, err := f.svc.Run(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, model.PostStatusPending, f.repo.Get(id).Status)

	f.clock.Advance(time.Minute)
	report, err := f.svc.Run(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	stored := f.repo.Get(id)
	assert.Equal(t, model.PostStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Equal(t, []string{id}, f.failures.posts)

	f.clock.Advance(time.Minute)
	_, err = f.svc.Run(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, f.publisher.calls[id], "failed posts are never attempted again")
}

func TestDispatcher_PermanentErrorFinalizesImmediately(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-time.Minute)})
	f.publisher.errFor[id] = permanentErr{msg: "unsupported platform"}

	report, err := f.svc.Run(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, model.PostStatusFailed, f.repo.Get(id).Status)
	assert.Equal(t, 1, f.repo.Get(id).RetryCount)
}

func TestDispatcher_ExhaustedPostNotAttempted(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.repo.Seed(model.ScheduledPost{
		ScheduledFor: f.now.Add(-20 * time.Minute),
		RetryCount:   3,
		MaxRetries:   3,
	})

	report, err := f.svc.Run(context.Background(), f.now)
	require.NoError(t, err)

	assert.Zero(t, f.publisher.total())
	assert.Equal(t, 1, report.Exhausted)
	assert.Zero(t, report.Attempted)
	assert.Equal(t, model.PostStatusFailed, f.repo.Get(id).Status)
}

func TestDispatcher_SecondRunClaimsNothing(t *testing.T) {
	f := newDispatchFixture(t)
	var ids []string
	for i := range 3 {
		ids = append(ids, f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-time.Duration(i) * time.Minute)}))
	}

	// A second run starts while the first is still publishing.
	var second *model.DispatchReport
	var once sync.Once
	f.publisher.hook = func(*model.ScheduledPost) {
		once.Do(func() {
			var err error
			second, err = f.svc.Run(context.Background(), f.now)
			require.NoError(t, err)
		})
	}

	first, err := f.svc.Run(context.Background(), f.now)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, 3, first.Claimed)
	assert.Zero(t, second.Claimed)
	for _, id := range ids {
		assert.Equal(t, 1, f.publisher.calls[id])
	}
	assert.Equal(t, 3, f.ledger.Charges())
}

func TestDispatcher_SweepUsesWiderWindow(t *testing.T) {
	f := newDispatchFixture(t)
	late := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-40 * time.Minute)})

	report, err := f.svc.Run(context.Background(), f.now)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	report, err = f.svc.Sweep(context.Background(), SweepParams{
		Now:     f.now,
		Window:  time.Hour,
		Trigger: model.DispatchTriggerBackup,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DispatchTriggerBackup, report.Trigger)
	assert.Equal(t, "1h0m0s", report.Window)
	assert.Equal(t, 1, report.Posted)
	assert.Equal(t, model.PostStatusPosted, f.repo.Get(late).Status)
}

func TestDispatcher_ChargeFailureRecorded(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-time.Minute)})
	f.ledger.Err = errors.New("ledger unavailable")

	report, err := f.svc.Run(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Posted)
	assert.Equal(t, 1, report.ChargeErrors)
	assert.False(t, report.Items[0].Charged)

	stored := f.repo.Get(id)
	assert.Equal(t, model.PostStatusPosted, stored.Status)
	assert.Nil(t, stored.ChargedAt, "left for reconciliation")
}

func TestDispatcher_StoreFailureIsFatal(t *testing.T) {
	f := newDispatchFixture(t)
	f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-time.Minute)})
	f.repo.Err = errors.New("connection refused")

	report, err := f.svc.Run(context.Background(), f.now)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Zero(t, f.publisher.total())
}

func TestDispatcher_CancelledContextAbandonsRemainingPosts(t *testing.T) {
	f := newDispatchFixture(t)
	first := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-2 * time.Minute)})
	second := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-time.Minute)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.publisher.hook = func(*model.ScheduledPost) { cancel() }

	report, err := f.svc.Run(ctx, f.now)
	require.NoError(t, err)

	assert.Equal(t, 1, f.publisher.calls[first])
	assert.Zero(t, f.publisher.calls[second])
	assert.Equal(t, 1, report.Posted)
	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, model.PostStatusPosted, f.repo.Get(first).Status)
	assert.Equal(t, model.PostStatusInFlight, f.repo.Get(second).Status)
}

func TestDispatcher_WithMocks(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	repo := mocks.NewMockPostRepository(ctrl)
	pub := mocks.NewMockPublisher(ctrl)
	ledger := mocks.NewMockCreditLedger(ctrl)
	now := testutil.TestTime()

	svc, err := NewDispatcherService(DispatcherServiceOptions{
		Repo:      repo,
		Publisher: pub,
		Ledger:    ledger,
		Config:    testDispatchConfig(),
		Clock:     core.NewFixedClock(now),
	})
	require.NoError(t, err)

	claimed := &model.ScheduledPost{
		ID:         "p-1",
		OwnerID:    testutil.TestOwnerID,
		Platform:   model.PlatformLinkedIn,
		ClaimToken: "3f1c1b8e-1111-4c1e-9d6b-000000000001",
		MaxRetries: 3,
	}

	gomock.InOrder(
		repo.EXPECT().FailExhausted(gomock.Any(), now).Return(nil, nil),
		repo.EXPECT().ClaimDue(gomock.Any(), core.ClaimDueParams{
			Now:    now,
			Window: 5 * time.Minute,
			Lease:  2 * time.Minute,
			Limit:  50,
		}).Return([]*model.ScheduledPost{claimed}, nil),
		pub.EXPECT().Publish(gomock.Any(), claimed).Return(&model.PublishResult{ExternalPostID: "urn:li:share:1"}, nil),
		repo.EXPECT().MarkPosted(gomock.Any(), core.MarkPostedParams{
			ID:             "p-1",
			ClaimToken:     claimed.ClaimToken,
			ExternalPostID: "urn:li:share:1",
			At:             now,
		}).Return(true, nil),
		ledger.EXPECT().Charge(gomock.Any(), core.ChargeParams{
			OwnerID: testutil.TestOwnerID,
			PostID:  "p-1",
			Amount:  1,
		}).Return(true, nil),
	)

	report, err := svc.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Posted)
	assert.Equal(t, "urn:li:share:1", report.Items[0].ExternalPostID)
}

func TestDispatcher_PublishWithoutExternalIDIsNotRepublished(t *testing.T) {
	f := newDispatchFixture(t)
	f.publisher.noID = true
	id := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-time.Minute)})

	for i := range 4 {
		_, err := f.svc.Run(context.Background(), f.now.Add(time.Duration(i)*3*time.Minute))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.publisher.calls[id])
	stored := f.repo.Get(id)
	assert.Equal(t, model.PostStatusPosted, stored.Status)
	require.NotNil(t, stored.ExternalPostID)
	assert.Equal(t, model.UnconfirmedExternalPostID, *stored.ExternalPostID)
	assert.Zero(t, stored.RetryCount)
}

func TestDispatcher_UnrecordedPublishIsFinalizedByLeaseSweep(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-time.Minute)})
	f.repo.MarkPostedErr = errors.New("connection reset")

	report, err := f.svc.Run(context.Background(), f.now)
	require.NoError(t, err)
	assert.Zero(t, report.Posted)
	assert.Equal(t, 1, report.Unrecorded)
	assert.Equal(t, 1, report.Attempted)
	require.Len(t, report.Items, 1)
	assert.Equal(t, model.DispatchOutcomeUnrecorded, report.Items[0].Outcome)
	assert.True(t, report.Items[0].Charged)
	assert.Equal(t, model.PostStatusInFlight, f.repo.Get(id).Status)

	f.repo.MarkPostedErr = nil
	report, err = f.svc.Run(context.Background(), f.now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	assert.Equal(t, 1, f.publisher.calls[id])
	stored := f.repo.Get(id)
	assert.Equal(t, model.PostStatusPosted, stored.Status)
	assert.Zero(t, stored.RetryCount)
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want int
	}{
		{name: "short", in: "boom", n: 10, want: 4},
		{name: "ascii", in: strings.Repeat("a", 20), n: 10, want: 10},
		{name: "cjk mid rune", in: strings.Repeat("日", 400), n: 1000, want: 999},
		{name: "persian", in: strings.Repeat("خطا ", 300), n: 1000, want: 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.n)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestDispatcher_MultibyteErrorIsRecorded(t *testing.T) {
	f := newDispatchFixture(t)
	id := f.repo.Seed(model.ScheduledPost{ScheduledFor: f.now.Add(-time.Minute)})
	f.publisher.errFor[id] = errors.New(strings.Repeat("日", 400))

	_, err := f.svc.Run(context.Background(), f.now)
	require.NoError(t, err)

	stored := f.repo.Get(id)
	require.NotNil(t, stored.ErrorMessage)
	assert.True(t, utf8.ValidString(*stored.ErrorMessage))
	assert.LessOrEqual(t, len(*stored.ErrorMessage), maxErrorMessage)
}
