package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	adhoc "YoloDataAug/Adhoc"
	"YoloDataAug/dataset"
	iface "YoloDataAug/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcExecutor func(Request) (Outcome, error)

func (f funcExecutor) Execute(req Request) (Outcome, error) { return f(req) }

func wait(t *testing.T, done <-chan Status) Status {
	t.Helper()
	select {
	case st := <-done:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
		return Status{}
	}
}

func TestRunner_Serializes(t *testing.T) {
	var running, maxRunning int32
	exec := funcExecutor(func(req Request) (Outcome, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return Outcome{Result: req.Source}, nil
	})
	r := NewRunner(exec, nil, 4, nil)
	defer r.Close()

	var dones []<-chan Status
	for i := 0; i < 5; i++ {
		_, done, err := r.Submit(Request{Kind: KindAugment, Source: fmt.Sprintf("src%d", i), Dest: "dst"})
		require.NoError(t, err)
		dones = append(dones, done)
	}
	for i, d := range dones {
		st := wait(t, d)
		assert.Equal(t, StateDone, st.State)
		assert.Equal(t, fmt.Sprintf("src%d", i), st.Result)
		assert.False(t, st.Started.IsZero())
		assert.True(t, st.Terminal())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))

	list := r.List()
	require.Len(t, list, 5)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].Created.Before(list[i-1].Created))
	}
}

func TestRunner_FailuresAndPanics(t *testing.T) {
	exec := funcExecutor(func(req Request) (Outcome, error) {
		switch req.Source {
		case "boom":
			panic("stage exploded")
		case "bad":
			return Outcome{}, errors.New("malformed label")
		}
		return Outcome{}, nil
	})
	r := NewRunner(exec, nil, 2, nil)
	r.RestartDelay = time.Millisecond
	defer r.Close()

	id, done, err := r.Submit(Request{Kind: KindAugment, Source: "bad", Dest: "d"})
	require.NoError(t, err)
	st := wait(t, done)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "malformed label", st.Error)
	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateFailed, got.State)

	_, done, err = r.Submit(Request{Kind: KindAugment, Source: "boom", Dest: "d"})
	require.NoError(t, err)
	st = wait(t, done)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "stage exploded")

	// the restarted worker keeps serving
	st, err = r.Run(context.Background(), Request{Kind: KindAugment, Source: "fine", Dest: "d"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, st.State)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRunner_Submit(t *testing.T) {
	r := NewRunner(funcExecutor(func(Request) (Outcome, error) { return Outcome{}, nil }), nil, 1, nil)

	bad := []Request{
		{Kind: "sharpen", Source: "s"},
		{Kind: KindAugment, Source: "s"},
		{Kind: KindPartition, Dest: "d"},
		{Kind: KindPartition, Source: "s", Dest: "d", ValFraction: 1.5},
	}
	for _, req := range bad {
		_, _, err := r.Submit(req)
		assert.Error(t, err, "%+v", req)
	}

	_, done, err := r.Submit(Request{Kind: KindRename, Source: "s"})
	require.NoError(t, err)
	st := wait(t, done)
	assert.Equal(t, iface.SplitTrain, st.Request.Split)

	r.Close()
	r.Close()
	_, _, err = r.Submit(Request{Kind: KindRename, Source: "s"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunner_Run_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	r := NewRunner(funcExecutor(func(Request) (Outcome, error) {
		<-release
		return Outcome{}, nil
	}), nil, 1, nil)
	defer r.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st, err := r.Run(ctx, Request{Kind: KindRename, Source: "s"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, st.Terminal())
}

func TestRunner_Reports(t *testing.T) {
	var mu sync.Mutex
	var reports []adhoc.RunReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var rep adhoc.RunReport
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&rep))
		mu.Lock()
		reports = append(reports, rep)
		mu.Unlock()
	}))
	defer srv.Close()

	r := NewRunner(funcExecutor(func(Request) (Outcome, error) {
		return Outcome{}, errors.New("nope")
	}), adhoc.NewNotifier(srv.URL, time.Second, nil), 1, nil)
	defer r.Close()

	st, err := r.Run(context.Background(), Request{Kind: KindPartition, Source: "s", Dest: "d"})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.Equal(t, st.ID, reports[0].JobID)
	assert.Equal(t, "partition", reports[0].Kind)
	assert.False(t, reports[0].Success)
	assert.Equal(t, "nope", reports[0].Error)
}

func TestDatasetExecutor_Partition(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, dataset.Initialize(src))
	for i := 1; i <= 20; i++ {
		stem := fmt.Sprintf("well2_%04d", i)
		require.NoError(t, os.WriteFile(filepath.Join(dataset.ImageDir(src, iface.SplitTrain), stem+".jpg"), []byte("img"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dataset.LabelDir(src, iface.SplitTrain), stem+".txt"), []byte("2 0.5 0.5 0.1 0.1\n"), 0o644))
	}
	dst := filepath.Join(t.TempDir(), "split")

	exec := &DatasetExecutor{StrictLabels: true, Rand: rand.New(rand.NewSource(1))}
	r := NewRunner(exec, nil, 1, nil)
	defer r.Close()

	st, err := r.Run(context.Background(), Request{Kind: KindPartition, Source: src, Dest: dst, ValFraction: 0.1})
	require.NoError(t, err)
	require.Equal(t, StateDone, st.State, st.Error)
	res, ok := st.Result.(*dataset.PartitionResult)
	require.True(t, ok)
	assert.Len(t, res.Val["well2"], 2)
	assert.Len(t, res.Train["well2"], 18)

	require.Len(t, st.Summaries, 2)
	assert.Equal(t, dst, st.Summaries[1].Root)
	assert.Equal(t, 2, st.Summaries[1].Counts["well2"].ValImages)
	assert.Equal(t, 18, st.Summaries[1].Counts["well2"].TrainLabels)

	st, err = r.Run(context.Background(), Request{Kind: KindAugment, Source: filepath.Join(src, "missing"), Dest: dst})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "source directory not found")
}
