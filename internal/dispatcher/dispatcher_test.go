package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/abdulachik/schedpost/internal/db"
	"github.com/abdulachik/schedpost/internal/db/dbtest"
	"github.com/abdulachik/schedpost/internal/poster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// fakePublisher records submissions and fails for content listed in failures.
type fakePublisher struct {
	mu        sync.Mutex
	submitted []string
	failures  map[string]error
	block     chan struct{}
	seq       int
}

func (f *fakePublisher) Platform() string { return "fake" }

func (f *fakePublisher) Submit(ctx context.Context, content string, mediaRefs []string) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", &poster.PublishError{Reason: ctx.Err().Error()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, content)
	if err, ok := f.failures[content]; ok {
		return "", err
	}
	f.seq++
	return fmt.Sprintf("ext-%d", f.seq), nil
}

func (f *fakePublisher) UploadMedia(context.Context, []byte, string) (string, error) {
	return "media", nil
}

func (f *fakePublisher) ValidateCredentials(context.Context) (*poster.Account, error) {
	return &poster.Account{ID: "1"}, nil
}

func (f *fakePublisher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func schedule(t *testing.T, store *db.Store, id, content string, at time.Time) {
	t.Helper()
	_, err := store.CreateScheduledPost(context.Background(), db.CreateScheduledPostParams{
		ID:           id,
		UserID:       "user-1",
		Content:      content,
		MediaIDs:     []string{"m1"},
		ScheduledFor: at,
	})
	require.NoError(t, err)
}

func newDispatcher(store Store, pub poster.Publisher, workers int) *Dispatcher {
	return New(Config{
		Store:      store,
		Publisher:  pub,
		Workers:    workers,
		ClaimLease: time.Minute,
	})
}

func TestDispatcher_Run_OnlyDuePosts(t *testing.T) {
	store := dbtest.NewStore(t)
	pub := &fakePublisher{}
	d := newDispatcher(store, pub, 2)
	ctx := context.Background()

	schedule(t, store, "a", "Hello", now.Add(-time.Minute))
	schedule(t, store, "b", "World", now.Add(time.Hour))

	results, err := d.Run(ctx, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Outcome{ID: "a", Status: StatusPosted, Detail: "ext-1"}, results[0])
	assert.Equal(t, []string{"Hello"}, pub.calls())

	a, err := store.GetScheduledPost(ctx, "a")
	require.NoError(t, err)
	assert.True(t, a.Delivered)
	assert.Equal(t, "ext-1", a.ExternalID.String)
	assert.False(t, a.ClaimedUntil.Valid)

	b, err := store.GetScheduledPost(ctx, "b")
	require.NoError(t, err)
	assert.False(t, b.Delivered)

	rec, err := store.GetDeliveredRecordByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", rec.Content)
	assert.Equal(t, []string{"m1"}, rec.MediaIDs)
	assert.Equal(t, "a", rec.ScheduledPostID.String)

	// A second run finds nothing to do.
	results, err = d.Run(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Len(t, pub.calls(), 1)
}

func TestDispatcher_Run_FailureStaysPending(t *testing.T) {
	store := dbtest.NewStore(t)
	pub := &fakePublisher{failures: map[string]error{
		"Hello": &poster.PublishError{Reason: "rate limited", StatusCode: 429},
	}}
	d := newDispatcher(store, pub, 1)
	ctx := context.Background()

	schedule(t, store, "a", "Hello", now.Add(-time.Minute))

	results, err := d.Run(ctx, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Outcome{ID: "a", Status: StatusError, Detail: "rate limited"}, results[0])

	a, err := store.GetScheduledPost(ctx, "a")
	require.NoError(t, err)
	assert.False(t, a.Delivered)
	assert.Equal(t, "rate limited", a.LastError.String)
	assert.Equal(t, int64(1), a.Attempts)

	due, err := store.FindDuePosts(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "a", due[0].ID)

	// The claim was released, so the next run retries it.
	pub.mu.Lock()
	pub.failures = nil
	pub.mu.Unlock()

	results, err = d.Run(ctx, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusPosted, results[0].Status)

	a, err = store.GetScheduledPost(ctx, "a")
	require.NoError(t, err)
	assert.True(t, a.Delivered)
	assert.False(t, a.LastError.Valid)
}

func TestDispatcher_Run_MixedBatch(t *testing.T) {
	store := dbtest.NewStore(t)
	pub := &fakePublisher{failures: map[string]error{
		"bad": errors.New("connection reset"),
	}}
	d := newDispatcher(store, pub, 4)
	ctx := context.Background()

	schedule(t, store, "good", "good", now.Add(-2*time.Minute))
	schedule(t, store, "bad", "bad", now.Add(-time.Minute))

	results, err := d.Run(ctx, now)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Results follow due order.
	assert.Equal(t, "good", results[0].ID)
	assert.Equal(t, StatusPosted, results[0].Status)
	assert.Equal(t, Outcome{ID: "bad", Status: StatusError, Detail: "connection reset"}, results[1])

	n, err := store.CountDeliveredRecords(ctx, results[0].Detail)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDispatcher_Run_EveryDuePostAttemptedOnce(t *testing.T) {
	store := dbtest.NewStore(t)
	pub := &fakePublisher{}
	d := newDispatcher(store, pub, 3)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		schedule(t, store, fmt.Sprintf("p%d", i), fmt.Sprintf("post %d", i), now.Add(-time.Duration(i+1)*time.Minute))
	}

	results, err := d.Run(ctx, now)
	require.NoError(t, err)
	assert.Len(t, results, 10)
	assert.ElementsMatch(t, []string{
		"post 0", "post 1", "post 2", "post 3", "post 4",
		"post 5", "post 6", "post 7", "post 8", "post 9",
	}, pub.calls())

	stats, err := store.CountStats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(10), stats.Delivered)
	assert.Equal(t, int64(10), stats.Receipts)
}

func TestDispatcher_Run_OverlappingRuns(t *testing.T) {
	store := dbtest.NewStore(t)
	pub := &fakePublisher{block: make(chan struct{})}
	d := newDispatcher(store, pub, 1)
	ctx := context.Background()

	schedule(t, store, "a", "Hello", now.Add(-time.Minute))

	first := make(chan []Outcome, 1)
	go func() {
		results, err := d.Run(ctx, now)
		assert.NoError(t, err)
		first <- results
	}()

	// Wait for the first run to claim the post.
	require.Eventually(t, func() bool {
		p, err := store.GetScheduledPost(ctx, "a")
		return err == nil && p.InFlight(now)
	}, 5*time.Second, 10*time.Millisecond)

	second, err := d.Run(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, second)

	close(pub.block)
	results := <-first
	require.Len(t, results, 1)
	assert.Equal(t, StatusPosted, results[0].Status)
	assert.Equal(t, []string{"Hello"}, pub.calls())
}

func TestDispatcher_Run_ExpiredClaimIsRetried(t *testing.T) {
	store := dbtest.NewStore(t)
	pub := &fakePublisher{}
	d := newDispatcher(store, pub, 1)
	ctx := context.Background()

	schedule(t, store, "a", "Hello", now.Add(-time.Minute))

	// A crashed run left a short claim behind.
	ok, err := store.ClaimPost(ctx, "a", now, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	results, err := d.Run(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, results)

	time.Sleep(100 * time.Millisecond)

	results, err = d.Run(ctx, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusPosted, results[0].Status)
}

// slowPublisher signals the start of each submit and then takes a fixed time
// per content.
type slowPublisher struct {
	fakePublisher
	delays  map[string]time.Duration
	started chan string
}

func (s *slowPublisher) Submit(ctx context.Context, content string, mediaRefs []string) (string, error) {
	s.started <- content
	time.Sleep(s.delays[content])
	return s.fakePublisher.Submit(ctx, content, mediaRefs)
}

func TestDispatcher_Run_LateClaimHoldsFullLease(t *testing.T) {
	store := dbtest.NewStore(t)
	pub := &slowPublisher{
		delays: map[string]time.Duration{
			"first":  700 * time.Millisecond,
			"second": 700 * time.Millisecond,
		},
		started: make(chan string, 4),
	}
	d := New(Config{Store: store, Publisher: pub, Workers: 1, ClaimLease: 500 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	schedule(t, store, "a", "first", start.Add(-2*time.Minute))
	schedule(t, store, "b", "second", start.Add(-time.Minute))

	done := make(chan []Outcome, 1)
	go func() {
		results, err := d.Run(ctx, start)
		assert.NoError(t, err)
		done <- results
	}()

	require.Equal(t, "first", <-pub.started)
	require.Equal(t, "second", <-pub.started)

	// "second" was claimed later than the lease length into the first run,
	// so its claim must still be live for an overlapping run.
	overlap, err := d.Run(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, overlap)

	results := <-done
	require.Len(t, results, 2)
	assert.Equal(t, StatusPosted, results[1].Status)
	assert.Equal(t, []string{"first", "second"}, pub.calls())

	n, err := store.CountDeliveredRecords(ctx, results[1].Detail)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// failingStore fails selected operations.
type failingStore struct {
	Store
	findErr          error
	deliveredErr     error
	recordErr        error
	alreadyDelivered bool
}

func (s *failingStore) FindDuePosts(ctx context.Context, now time.Time) ([]*db.ScheduledPost, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Store.FindDuePosts(ctx, now)
}

func (s *failingStore) MarkDelivered(ctx context.Context, id, externalID string) (bool, error) {
	if s.deliveredErr != nil {
		return false, s.deliveredErr
	}
	if s.alreadyDelivered {
		return false, nil
	}
	return s.Store.MarkDelivered(ctx, id, externalID)
}

func (s *failingStore) CreateDeliveredRecord(ctx context.Context, arg db.CreateDeliveredRecordParams) (*db.DeliveredRecord, error) {
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	return s.Store.CreateDeliveredRecord(ctx, arg)
}

func TestDispatcher_Run_StoreQueryError(t *testing.T) {
	pub := &fakePublisher{}
	store := &failingStore{Store: dbtest.NewStore(t), findErr: errors.New("disk I/O error")}
	d := newDispatcher(store, pub, 1)

	results, err := d.Run(context.Background(), now)
	assert.Nil(t, results)
	assert.ErrorIs(t, err, ErrStoreQuery)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Empty(t, pub.calls())
}

func TestDispatcher_Run_ReceiptFailureStillPosted(t *testing.T) {
	base := dbtest.NewStore(t)
	store := &failingStore{Store: base, recordErr: errors.New("constraint failed")}
	pub := &fakePublisher{}
	d := newDispatcher(store, pub, 1)
	ctx := context.Background()

	schedule(t, base, "a", "Hello", now.Add(-time.Minute))

	results, err := d.Run(ctx, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusPosted, results[0].Status)

	a, err := base.GetScheduledPost(ctx, "a")
	require.NoError(t, err)
	assert.True(t, a.Delivered)

	// Never re-submitted.
	results, err = d.Run(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Len(t, pub.calls(), 1)
}

func TestDispatcher_Run_MarkDeliveredFailureStillPosted(t *testing.T) {
	base := dbtest.NewStore(t)
	store := &failingStore{Store: base, deliveredErr: errors.New("database is locked")}
	pub := &fakePublisher{}
	d := newDispatcher(store, pub, 1)
	ctx := context.Background()

	schedule(t, base, "a", "Hello", now.Add(-time.Minute))

	results, err := d.Run(ctx, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Outcome{ID: "a", Status: StatusPosted, Detail: "ext-1"}, results[0])

	// The post keeps its claim until the lease expires.
	a, err := base.GetScheduledPost(ctx, "a")
	require.NoError(t, err)
	assert.False(t, a.Delivered)
	assert.True(t, a.InFlight(now))
}

func TestDispatcher_Run_AlreadyDeliveredWritesNoReceipt(t *testing.T) {
	base := dbtest.NewStore(t)
	store := &failingStore{Store: base, alreadyDelivered: true}
	pub := &fakePublisher{}
	d := newDispatcher(store, pub, 1)
	ctx := context.Background()

	schedule(t, base, "a", "Hello", now.Add(-time.Minute))

	results, err := d.Run(ctx, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Outcome{ID: "a", Status: StatusPosted, Detail: "ext-1"}, results[0])

	n, err := base.CountDeliveredRecords(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDispatcher_Run_CancelledContext(t *testing.T) {
	store := dbtest.NewStore(t)
	pub := &fakePublisher{}
	d := newDispatcher(store, pub, 1)

	schedule(t, store, "a", "Hello", now.Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Query fails on a cancelled context.
	_, err := d.Run(ctx, now)
	assert.ErrorIs(t, err, ErrStoreQuery)
	assert.Empty(t, pub.calls())
}

func TestDispatcher_Deliver_WritesSurviveCancel(t *testing.T) {
	store := dbtest.NewStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	pub := &cancellingPublisher{cancel: cancel}
	d := newDispatcher(store, pub, 1)

	schedule(t, store, "a", "Hello", now.Add(-time.Minute))
	post, err := store.GetScheduledPost(context.Background(), "a")
	require.NoError(t, err)

	out := d.Deliver(ctx, post)
	assert.Equal(t, StatusPosted, out.Status)

	a, err := store.GetScheduledPost(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, a.Delivered)

	n, err := store.CountDeliveredRecords(context.Background(), "ext-cancel")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDispatcher_Deliver_InterruptedWaitCountsNoAttempt(t *testing.T) {
	store := dbtest.NewStore(t)
	pub := &fakePublisher{}
	d := New(Config{Store: store, Publisher: pub, Rate: 0.001, ClaimLease: time.Minute})

	// Use up the only token so the next wait would take far too long.
	require.True(t, d.limiter.Allow())

	schedule(t, store, "a", "Hello", now.Add(-time.Minute))
	ok, err := store.ClaimPost(context.Background(), "a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	post, err := store.GetScheduledPost(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := d.Deliver(ctx, post)
	assert.Equal(t, StatusError, out.Status)
	assert.Contains(t, out.Detail, "dispatch interrupted")
	assert.Empty(t, pub.calls())

	a, err := store.GetScheduledPost(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Attempts)
	assert.False(t, a.LastError.Valid)
	assert.False(t, a.ClaimedUntil.Valid)
}

func TestDispatcher_Run_InterruptedWaitSkipsPost(t *testing.T) {
	store := dbtest.NewStore(t)
	pub := &fakePublisher{}
	d := New(Config{Store: store, Publisher: pub, Rate: 0.001, ClaimLease: time.Minute})
	require.True(t, d.limiter.Allow())

	schedule(t, store, "a", "Hello", now.Add(-time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := d.Run(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, results)

	a, err := store.GetScheduledPost(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Attempts)
	assert.False(t, a.ClaimedUntil.Valid)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(&poster.PublishError{Reason: "rate limited", StatusCode: 429}))
	assert.False(t, retryable(&poster.PublishError{Reason: "unauthorized", StatusCode: 401}))
	assert.False(t, retryable(fmt.Errorf("wrap: %w", &poster.UploadError{Reason: "bad", StatusCode: 400})))
	assert.True(t, retryable(errors.New("connection reset")))
}

// cancellingPublisher cancels the caller's context once the post is out.
type cancellingPublisher struct {
	fakePublisher
	cancel context.CancelFunc
}

func (c *cancellingPublisher) Submit(context.Context, string, []string) (string, error) {
	c.cancel()
	return "ext-cancel", nil
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "rate limited", failureReason(&poster.PublishError{Reason: "rate limited"}))
	assert.Equal(t, "too big", failureReason(fmt.Errorf("wrap: %w", &poster.UploadError{Reason: "too big"})))
	assert.Equal(t, "boom", failureReason(errors.New("boom")))
}

func TestNew_Defaults(t *testing.T) {
	d := New(Config{})
	assert.Equal(t, 1, d.workers)
	assert.Equal(t, 5*time.Minute, d.claimLease)
	assert.Nil(t, d.limiter)

	d = New(Config{Rate: 2})
	require.NotNil(t, d.limiter)
}
