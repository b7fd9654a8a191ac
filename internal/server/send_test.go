package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatgate/internal/dispatch"
	"chatgate/internal/relay"
	"chatgate/internal/session"
	logx "chatgate/pkg/logx"
)

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []dispatch.Dispatch
	err       error
}

func (f *fakeScheduler) Schedule(d dispatch.Dispatch) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.scheduled = append(f.scheduled, d)
	return fmt.Sprintf("d-%d", len(f.scheduled)), nil
}

func (f *fakeScheduler) ParseScheduleTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule time %q", raw)
	}
	return t.UTC(), nil
}

func (f *fakeScheduler) PendingTimers() int { return 0 }

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}

func (f *fakeScheduler) last() dispatch.Dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduled[len(f.scheduled)-1]
}

type fakeSessions struct {
	mu      sync.Mutex
	ensured []string
	err     error
}

func (f *fakeSessions) EnsureStarted(_ context.Context, id string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return session.Session{}, f.err
	}
	f.ensured = append(f.ensured, id)
	return session.Session{ID: id, State: session.Pending}, nil
}

func (f *fakeSessions) ListIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ensured...)
}

type fakeRelay struct {
	mu      sync.Mutex
	subs    map[string]relay.Conn
	touched []string
	dropped []string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{subs: map[string]relay.Conn{}}
}

func (f *fakeRelay) Subscribe(_ context.Context, sessionID string, conn relay.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sessionID] = conn
}

func (f *fakeRelay) Touch(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, sessionID)
}

func (f *fakeRelay) Drop(sessionID string, _ relay.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, sessionID)
	delete(f.subs, sessionID)
}

func (f *fakeRelay) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeRelay) conn(sessionID string) relay.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[sessionID]
}

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	sched    *fakeScheduler
	sessions *fakeSessions
	relay    *fakeRelay
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		sched:    &fakeScheduler{},
		sessions: &fakeSessions{},
		relay:    newFakeRelay(),
	}
	env.srv = New(Config{UploadsDir: t.TempDir()}, env.sched, env.sessions, env.relay, nil, logx.Nop())
	env.ts = httptest.NewServer(env.srv.http.Handler)
	t.Cleanup(env.ts.Close)
	return env
}

type filePart struct {
	name    string
	content string
}

func multipartBody(t *testing.T, fields map[string]string, file *filePart) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", file.name)
		require.NoError(t, err)
		_, err = io.WriteString(fw, file.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postSend(t *testing.T, env *testEnv, fields map[string]string, file *filePart) *http.Response {
	t.Helper()
	body, ctype := multipartBody(t, fields, file)
	resp, err := http.Post(env.ts.URL+"/api/send-message", ctype, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func validFields() map[string]string {
	return map[string]string{
		"message":    "hello",
		"recipients": `["628111","628222"]`,
		"username":   "alice",
	}
}

func TestSendMessageSchedulesDispatch(t *testing.T) {
	env := newTestEnv(t)
	resp := postSend(t, env, validFields(), nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, env.sched.count())

	d := env.sched.last()
	require.Equal(t, "alice", d.SessionID)
	require.Equal(t, "hello", d.Message)
	require.Equal(t, []string{"628111", "628222"}, d.Recipients)
	require.Empty(t, d.Attachment)
	require.Equal(t, []string{"alice"}, env.sessions.ListIDs())
}

func TestSendMessageDeduplicatesRecipients(t *testing.T) {
	env := newTestEnv(t)
	fields := validFields()
	fields["recipients"] = `["628111","628111","628222"]`
	resp := postSend(t, env, fields, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"628111", "628222"}, env.sched.last().Recipients)
}

func TestSendMessageMalformedRecipients(t *testing.T) {
	env := newTestEnv(t)
	fields := validFields()
	fields["recipients"] = `not-json`
	resp := postSend(t, env, fields, nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, 0, env.sched.count(), "malformed request must not schedule")
}

func TestSendMessageEmptyRecipients(t *testing.T) {
	env := newTestEnv(t)
	fields := validFields()
	fields["recipients"] = `[]`
	resp := postSend(t, env, fields, nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, 0, env.sched.count())
}

func TestSendMessageMissingUsername(t *testing.T) {
	env := newTestEnv(t)
	fields := validFields()
	delete(fields, "username")
	resp := postSend(t, env, fields, nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, 0, env.sched.count())
}

func TestSendMessageInvalidSchedule(t *testing.T) {
	env := newTestEnv(t)
	fields := validFields()
	fields["schedule"] = "whenever"
	resp := postSend(t, env, fields, nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, 0, env.sched.count())
}

func TestSendMessageWithSchedule(t *testing.T) {
	env := newTestEnv(t)
	fields := validFields()
	fields["schedule"] = "2026-06-01T10:00:00Z"
	resp := postSend(t, env, fields, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC), env.sched.last().FiresAt)
}

func TestSendMessageStagesAttachment(t *testing.T) {
	env := newTestEnv(t)
	resp := postSend(t, env, validFields(), &filePart{name: "photo.jpg", content: "jpeg-bytes"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := env.sched.last()
	require.NotEmpty(t, d.Attachment)
	require.Equal(t, ".jpg", filepath.Ext(d.Attachment))

	content, err := os.ReadFile(d.Attachment)
	require.NoError(t, err)
	require.Equal(t, "jpeg-bytes", string(content))
}

func TestSendMessageEnsureSessionFailure(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.err = errors.New("sidecar down")
	resp := postSend(t, env, validFields(), &filePart{name: "photo.jpg", content: "x"})

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, 0, env.sched.count())

	// The staged attachment must not leak.
	entries, err := os.ReadDir(env.srv.cfg.UploadsDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSendMessageMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/api/send-message")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
