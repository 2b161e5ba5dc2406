package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"YoloDataAug/dataset"
	iface "YoloDataAug/interface"
	"YoloDataAug/jobs"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct {
	release chan struct{}
}

func (s stubExecutor) Execute(req jobs.Request) (jobs.Outcome, error) {
	if s.release != nil {
		<-s.release
	}
	if req.Source == "broken" {
		return jobs.Outcome{}, errors.New("malformed label")
	}
	return jobs.Outcome{Result: map[string]string{"source": req.Source}}, nil
}

func newTestRouter(t *testing.T, exec jobs.Executor) (*gin.Engine, *jobs.Runner) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	runner := jobs.NewRunner(exec, nil, 4, nil)
	t.Cleanup(runner.Close)
	return newRouter(runner, dataset.DefaultCategories()), runner
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

type statusReply struct {
	Data jobs.Status `json:"data"`
}

func TestPing(t *testing.T) {
	r, _ := newTestRouter(t, stubExecutor{})
	rec := do(r, http.MethodGet, "/api/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())
}

func TestSummary(t *testing.T) {
	r, _ := newTestRouter(t, stubExecutor{})
	root := t.TempDir()
	require.NoError(t, dataset.Initialize(root))
	require.NoError(t, os.WriteFile(filepath.Join(dataset.ImageDir(root, iface.SplitTrain), "well0_0001.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataset.LabelDir(root, iface.SplitTrain), "well0_0001.txt"), []byte("0 0.5 0.5 0.1 0.1\n"), 0o644))

	rec := do(r, http.MethodGet, "/api/summary?root="+root, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reply struct {
		Data  dataset.Summary `json:"data"`
		Lines []string        `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, 1, reply.Data.Counts["well0"].TrainImages)
	assert.Equal(t, 1, reply.Data.Counts["well0"].TrainLabels)
	assert.Equal(t, "well0: Images (Train | Val) = 1 | 0, Labels (Train | Val) = 1 | 0", reply.Lines[0])

	rec = do(r, http.MethodGet, "/api/summary", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEndpoints(t *testing.T) {
	r, _ := newTestRouter(t, stubExecutor{})

	t.Run("Wait", func(t *testing.T) {
		rec := do(r, http.MethodPost, "/api/augment", map[string]any{"source": "in", "dest": "out", "wait": true})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var reply statusReply
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
		assert.Equal(t, jobs.StateDone, reply.Data.State)
		assert.Equal(t, jobs.KindAugment, reply.Data.Request.Kind)
	})

	t.Run("Failed run", func(t *testing.T) {
		rec := do(r, http.MethodPost, "/api/partition", map[string]any{"source": "broken", "dest": "out", "wait": true})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		var reply statusReply
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
		assert.Equal(t, jobs.StateFailed, reply.Data.State)
		assert.Equal(t, "malformed label", reply.Data.Error)
		assert.Equal(t, dataset.DefaultValFraction, reply.Data.Request.ValFraction)
	})

	t.Run("Async then poll", func(t *testing.T) {
		rec := do(r, http.MethodPost, "/api/rename", map[string]any{"source": "in"})
		require.Equal(t, http.StatusAccepted, rec.Code)
		var accepted struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
		require.NotEmpty(t, accepted.ID)

		require.Eventually(t, func() bool {
			rec := do(r, http.MethodGet, "/api/jobs/"+accepted.ID, nil)
			var reply statusReply
			return rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &reply) == nil && reply.Data.State == jobs.StateDone
		}, 2*time.Second, 10*time.Millisecond)

		rec = do(r, http.MethodGet, "/api/jobs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var list struct {
			Data []jobs.Status `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		assert.Len(t, list.Data, 3)
	})

	t.Run("Bad requests", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/augment", map[string]any{"source": "in"}).Code)
		assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/partition", map[string]any{"source": "in", "dest": "o", "valFraction": 2}).Code)

		req := httptest.NewRequest(http.MethodPost, "/api/augment", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/jobs/nope", nil).Code)
	})
}

func TestRunEndpoints_Closed(t *testing.T) {
	r, runner := newTestRouter(t, stubExecutor{})
	runner.Close()
	rec := do(r, http.MethodPost, "/api/augment", map[string]any{"source": "in", "dest": "out"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	r, _ := newTestRouter(t, stubExecutor{})
	do(r, http.MethodGet, "/api/ping", nil)
	rec := do(r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `control_requests_total{surface="http"}`)
}

func TestWatchJob(t *testing.T) {
	release := make(chan struct{})
	r, runner := newTestRouter(t, stubExecutor{release: release})
	srv := httptest.NewServer(r)
	defer srv.Close()

	id, _, err := runner.Submit(jobs.Request{Kind: jobs.KindAugment, Source: "in", Dest: "out"})
	require.NoError(t, err)

	url := fmt.Sprintf("ws%s/ws/jobs/%s", strings.TrimPrefix(srv.URL, "http"), id)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first jobs.Status
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, id, first.ID)
	assert.False(t, first.Terminal())

	close(release)
	var last jobs.Status
	for !last.Terminal() {
		require.NoError(t, conn.ReadJSON(&last))
	}
	assert.Equal(t, jobs.StateDone, last.State)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)

	rec := do(r, http.MethodGet, "/ws/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
