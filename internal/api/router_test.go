package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abdulachik/schedpost/internal/compose"
	"github.com/abdulachik/schedpost/internal/db"
	"github.com/abdulachik/schedpost/internal/db/dbtest"
	"github.com/abdulachik/schedpost/internal/dispatcher"
	"github.com/abdulachik/schedpost/internal/poster"
	"github.com/abdulachik/schedpost/internal/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "s3cret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTrigger struct {
	mu      sync.Mutex
	calls   int
	results []dispatcher.Outcome
	err     error
}

func (f *fakeTrigger) RunOnce(context.Context) ([]dispatcher.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.results, f.err
}

type fakePublisher struct {
	mu        sync.Mutex
	seq       int
	uploads   []string
	submitErr error
}

func (f *fakePublisher) Platform() string { return "fake" }

func (f *fakePublisher) Submit(context.Context, string, []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.seq++
	return fmt.Sprintf("ext-%d", f.seq), nil
}

func (f *fakePublisher) UploadMedia(_ context.Context, _ []byte, mimeType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, mimeType)
	return fmt.Sprintf("media-%d", len(f.uploads)), nil
}

func (f *fakePublisher) ValidateCredentials(context.Context) (*poster.Account, error) {
	return &poster.Account{ID: "1"}, nil
}

type testEnv struct {
	router  *gin.Engine
	store   *db.Store
	trigger *fakeTrigger
	pub     *fakePublisher
	health  *scheduler.Health
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := dbtest.NewStore(t)
	pub := &fakePublisher{}
	d := dispatcher.New(dispatcher.Config{Store: store, Publisher: pub, ClaimLease: time.Minute})
	env := &testEnv{
		store:   store,
		trigger: &fakeTrigger{results: []dispatcher.Outcome{}},
		pub:     pub,
		health:  scheduler.NewHealth(),
	}
	env.router = NewRouter(Config{
		Trigger:     env.trigger,
		Composer:    compose.New(compose.Config{Store: store, Publisher: pub, Dispatcher: d}),
		Health:      env.health,
		CronSecret:  secret,
		RecentLimit: 2,
	})
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func userRequest(method, path, user string, body *bytes.Buffer, contentType string) *http.Request {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestDispatchTrigger(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong secret", "Bearer nope"},
		{"wrong scheme", "Basic " + secret},
		{"secret prefix", "Bearer " + secret[:3]},
	}
	for _, tt := range tests {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodPost, "/api/cron/dispatch", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			w := env.do(req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, 0, env.trigger.calls)
		})
	}

	t.Run("returns outcomes", func(t *testing.T) {
		env := newTestEnv(t)
		env.trigger.results = []dispatcher.Outcome{
			{ID: "a", Status: dispatcher.StatusPosted, Detail: "ext-1"},
			{ID: "b", Status: dispatcher.StatusError, Detail: "rate limited"},
		}

		for _, method := range []string{http.MethodGet, http.MethodPost} {
			req := httptest.NewRequest(method, "/api/cron/dispatch", nil)
			req.Header.Set("Authorization", "Bearer "+secret)

			w := env.do(req)
			require.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"results":[
				{"id":"a","status":"posted","detail":"ext-1"},
				{"id":"b","status":"error","detail":"rate limited"}
			]}`, w.Body.String())
		}
		assert.Equal(t, 2, env.trigger.calls)
	})

	t.Run("run in progress", func(t *testing.T) {
		env := newTestEnv(t)
		env.trigger.err = scheduler.ErrRunInProgress

		req := httptest.NewRequest(http.MethodPost, "/api/cron/dispatch", nil)
		req.Header.Set("Authorization", "Bearer "+secret)
		assert.Equal(t, http.StatusConflict, env.do(req).Code)
	})

	t.Run("store query failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.trigger.err = fmt.Errorf("%w: disk I/O error", dispatcher.ErrStoreQuery)

		req := httptest.NewRequest(http.MethodPost, "/api/cron/dispatch", nil)
		req.Header.Set("Authorization", "Bearer "+secret)
		w := env.do(req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "disk I/O error")
	})
}

func TestDispatchTrigger_EmptySecretRejectsAll(t *testing.T) {
	trigger := &fakeTrigger{}
	r := NewRouter(Config{Trigger: trigger})

	req := httptest.NewRequest(http.MethodPost, "/api/cron/dispatch", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, trigger.calls)
}

func TestPosts_RequireUser(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(userRequest(http.MethodGet, "/api/posts/scheduled", "", nil, ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPosts_CreateScheduled(t *testing.T) {
	env := newTestEnv(t)
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	w := env.do(userRequest(http.MethodPost, "/api/posts", "user-1",
		jsonBody(t, map[string]string{"content": "Later", "scheduled_for": at.Format(time.RFC3339)}),
		"application/json"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	res := decode[struct {
		Scheduled struct {
			ID           string    `json:"id"`
			ScheduledFor time.Time `json:"scheduled_for"`
		} `json:"scheduled"`
	}](t, w)
	assert.NotEmpty(t, res.Scheduled.ID)
	assert.True(t, res.Scheduled.ScheduledFor.Equal(at))

	w = env.do(userRequest(http.MethodGet, "/api/posts/scheduled", "user-1", nil, ""))
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Posts []postView `json:"posts"`
	}](t, w)
	require.Len(t, list.Posts, 1)
	assert.Equal(t, res.Scheduled.ID, list.Posts[0].ID)
	assert.Equal(t, "Later", list.Posts[0].Content)
	assert.False(t, list.Posts[0].InFlight)

	// Other users do not see it.
	w = env.do(userRequest(http.MethodGet, "/api/posts/scheduled", "user-2", nil, ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"posts":[]}`, w.Body.String())
}

func TestPosts_CreateMultipartImmediate(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("content", "Now with pics"))
	for _, mime := range []string{"image/png", "image/jpeg"} {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="media"; filename="pic"`)
		h.Set("Content-Type", mime)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte("data"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	w := env.do(userRequest(http.MethodPost, "/api/posts", "user-1", &body, mw.FormDataContentType()))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	res := decode[struct {
		Delivered struct {
			ExternalID string   `json:"external_id"`
			MediaIDs   []string `json:"media_ids"`
		} `json:"delivered"`
	}](t, w)
	assert.Equal(t, "ext-1", res.Delivered.ExternalID)
	assert.Equal(t, []string{"media-1", "media-2"}, res.Delivered.MediaIDs)
	assert.Equal(t, []string{"image/png", "image/jpeg"}, env.pub.uploads)

	w = env.do(userRequest(http.MethodGet, "/api/posts/recent", "user-1", nil, ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"external_id":"ext-1"`)
}

func TestPosts_CreateValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(userRequest(http.MethodPost, "/api/posts", "user-1",
		jsonBody(t, map[string]string{"content": strings.Repeat("a", 281)}), "application/json"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"Content"`)

	w = env.do(userRequest(http.MethodPost, "/api/posts", "user-1",
		jsonBody(t, map[string]string{"content": "x", "scheduled_for": "tomorrow"}), "application/json"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	stats, err := env.store.CountStats(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, db.Stats{}, stats)
}

func TestPosts_CreatePublishError(t *testing.T) {
	env := newTestEnv(t)
	env.pub.submitErr = &poster.PublishError{Reason: "rate limited", StatusCode: 429}

	w := env.do(userRequest(http.MethodPost, "/api/posts", "user-1",
		jsonBody(t, map[string]string{"content": "Now"}), "application/json"))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "rate limited")
}

func schedulePost(t *testing.T, env *testEnv, user string, at time.Time) string {
	t.Helper()
	w := env.do(userRequest(http.MethodPost, "/api/posts", user,
		jsonBody(t, map[string]string{"content": "Scheduled", "scheduled_for": at.UTC().Format(time.RFC3339)}),
		"application/json"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[struct {
		Scheduled struct {
			ID string `json:"id"`
		} `json:"scheduled"`
	}](t, w)
	return res.Scheduled.ID
}

func TestPosts_Cancel(t *testing.T) {
	env := newTestEnv(t)
	id := schedulePost(t, env, "owner", time.Now().Add(time.Hour))

	w := env.do(userRequest(http.MethodDelete, "/api/posts/scheduled/"+id, "intruder", nil, ""))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(userRequest(http.MethodDelete, "/api/posts/scheduled/"+id, "owner", nil, ""))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(userRequest(http.MethodDelete, "/api/posts/scheduled/"+id, "owner", nil, ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPosts_CancelInFlight(t *testing.T) {
	env := newTestEnv(t)
	id := schedulePost(t, env, "owner", time.Now().Add(-time.Minute))

	now := time.Now()
	ok, err := env.store.ClaimPost(context.Background(), id, now, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	w := env.do(userRequest(http.MethodDelete, "/api/posts/scheduled/"+id, "owner", nil, ""))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(userRequest(http.MethodGet, "/api/posts/scheduled", "owner", nil, ""))
	assert.Contains(t, w.Body.String(), `"in_flight":true`)
}

func TestPosts_SendNow(t *testing.T) {
	env := newTestEnv(t)
	id := schedulePost(t, env, "owner", time.Now().Add(time.Hour))

	w := env.do(userRequest(http.MethodPost, "/api/posts/scheduled/"+id+"/send", "owner", nil, ""))
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[dispatcher.Outcome](t, w)
	assert.Equal(t, dispatcher.Outcome{ID: id, Status: dispatcher.StatusPosted, Detail: "ext-1"}, out)

	w = env.do(userRequest(http.MethodPost, "/api/posts/scheduled/"+id+"/send", "owner", nil, ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPosts_ListRecentLimit(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		w := env.do(userRequest(http.MethodPost, "/api/posts", "owner",
			jsonBody(t, map[string]string{"content": fmt.Sprintf("post %d", i)}), "application/json"))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	type listResponse struct {
		Posts []db.DeliveredRecord `json:"posts"`
	}

	w := env.do(userRequest(http.MethodGet, "/api/posts/recent", "owner", nil, ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[listResponse](t, w).Posts, 2)

	w = env.do(userRequest(http.MethodGet, "/api/posts/recent?limit=10", "owner", nil, ""))
	require.Equal(t, http.StatusOK, w.Code)
	posts := decode[listResponse](t, w).Posts
	require.Len(t, posts, 3)
	assert.Equal(t, "post 2", posts[0].Content)

	w = env.do(userRequest(http.MethodGet, "/api/posts/recent?limit=0", "owner", nil, ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	env.health.SetHealthy("publisher", "authenticated as me")

	w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":true`)

	env.health.SetUnhealthy("dispatch", errors.New("query due posts: disk I/O error"))
	w = env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "disk I/O error")
}

func TestHealthz_Component(t *testing.T) {
	env := newTestEnv(t)
	env.health.SetHealthy("publisher", "authenticated as me")
	env.health.SetUnhealthy("dispatch", errors.New("query due posts: disk I/O error"))

	w := env.do(httptest.NewRequest(http.MethodGet, "/healthz/publisher", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "authenticated as me")

	w = env.do(httptest.NewRequest(http.MethodGet, "/healthz/dispatch", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "disk I/O error")

	w = env.do(httptest.NewRequest(http.MethodGet, "/healthz/trigger", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// landingPublisher stands in for a submit that reaches the platform while
// the trigger caller disconnects.
type landingPublisher struct {
	fakePublisher
	disconnect context.CancelFunc
}

func (p *landingPublisher) Submit(ctx context.Context, content string, refs []string) (string, error) {
	p.disconnect()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.fakePublisher.Submit(ctx, content, refs)
}

func TestDispatchTrigger_CallerDisconnectKeepsDelivery(t *testing.T) {
	store := dbtest.NewStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &landingPublisher{disconnect: cancel}
	d := dispatcher.New(dispatcher.Config{Store: store, Publisher: pub, ClaimLease: time.Minute})
	s := scheduler.New(scheduler.Config{Runner: d, Publisher: pub})
	r := NewRouter(Config{Trigger: s, CronSecret: secret})

	_, err := store.CreateScheduledPost(context.Background(), db.CreateScheduledPostParams{
		ID:           "due",
		UserID:       "owner",
		Content:      "Hello",
		ScheduledFor: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/cron/dispatch", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+secret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"results":[{"id":"due","status":"posted","detail":"ext-1"}]}`, w.Body.String())

	post, err := store.GetScheduledPost(context.Background(), "due")
	require.NoError(t, err)
	assert.True(t, post.Delivered)
	assert.Equal(t, int64(0), post.Attempts)
	assert.False(t, post.LastError.Valid)
}
