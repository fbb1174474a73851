package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thermalsharp/internal/pipeline"
	"thermalsharp/internal/sharpen"
	"thermalsharp/internal/storage"
)

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	submitErr error
	known     map[string]bool
	results   chan pipeline.Result
	progress  chan pipeline.Progress
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		known:    map[string]bool{},
		results:  make(chan pipeline.Result, 4),
		progress: make(chan pipeline.Progress, 4),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakePipeline) Cancel(id string) bool { return f.known[id] }

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) { return f.results, func() {} }

func (f *fakePipeline) SubscribeProgress() (<-chan pipeline.Progress, func()) {
	return f.progress, func() {}
}

func newTestServer(t *testing.T) (*Server, *fakePipeline, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	pipe := newFakePipeline()
	return NewServer(":0", store, pipe, nil), pipe, store
}

func seedRun(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	require.NoError(t, store.RecordRunQueued(storage.RunRecord{ID: id, Status: storage.StatusQueued, ScenePath: "a.scene.json"}))
	require.NoError(t, store.RecordRunStart(id))
	for i, status := range []string{sharpen.StatusOK, sharpen.StatusOK, sharpen.StatusInsufficient} {
		require.NoError(t, store.RecordWindow(storage.WindowRecord{RunID: id, Index: i, Row1: 2, Col1: 2, Status: status, Samples: 4}))
	}
	require.NoError(t, store.RecordRunResult(id, storage.StatusCompleted, map[string]any{"holes": 4}, ""))
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestSubmitRun(t *testing.T) {
	s, pipe, _ := newTestServer(t)
	body := `{"scene": "/data/T33TUL.scene.json", "options": {"moving_window_size": 12}}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, pipe.jobs, 1)
	job := pipe.jobs[0]
	assert.Equal(t, resp["id"], job.ID)
	assert.Equal(t, pipeline.JobSharpen, job.Type)
	assert.Equal(t, "/data/T33TUL.scene.json", job.InputPath)
	assert.Equal(t, 12.0, job.Options["moving_window_size"])
}

func TestSubmitRunRejectsBadRequests(t *testing.T) {
	s, pipe, _ := newTestServer(t)
	for _, body := range []string{`{`, `{"output": "x.tif"}`} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	pipe.submitErr = pipeline.ErrQueueFull
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"scene": "a.scene.json"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunQueries(t *testing.T) {
	s, _, store := newTestServer(t)
	seedRun(t, store, "run-1")
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []storage.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, storage.StatusCompleted, runs[0].Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var detail runDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "run-1", detail.ID)
	assert.Equal(t, 4.0, detail.Meta["holes"])
	assert.Equal(t, map[string]int{sharpen.StatusOK: 2, sharpen.StatusInsufficient: 1}, detail.Windows)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1/windows", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var windows []storage.WindowRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &windows))
	require.Len(t, windows, 3)
	assert.Equal(t, sharpen.StatusInsufficient, windows[2].Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRun(t *testing.T) {
	s, pipe, _ := newTestServer(t)
	pipe.known["busy"] = true

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/runs/busy", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/runs/idle", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultStream(t *testing.T) {
	s, pipe, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	pipe.results <- pipeline.Result{
		Job:   pipeline.Job{ID: "r1", Type: pipeline.JobSharpen, InputPath: "a.scene.json"},
		Error: sharpen.ErrCanceled,
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)

	var ev resultEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, "r1", ev.ID)
	assert.Equal(t, sharpen.ErrCanceled.Error(), ev.Error)
}

func TestWebSocketProgress(t *testing.T) {
	s, pipe, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startBackground(ctx)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.clientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	pipe.progress <- pipeline.Progress{
		JobID: "run-7",
		Outcome: sharpen.WindowOutcome{
			Index:    3,
			Core:     sharpen.Bounds{Row0: 0, Col0: 6, Row1: 6, Col1: 12},
			Status:   sharpen.StatusOK,
			Samples:  36,
			Duration: 15 * time.Millisecond,
		},
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev progressEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, progressEvent{
		RunID: "run-7", Window: 3, Col0: 6, Row1: 6, Col1: 12,
		Status: sharpen.StatusOK, Samples: 36, DurationMS: 15,
	}, ev)
}
