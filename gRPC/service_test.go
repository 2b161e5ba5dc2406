package proto

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"YoloDataAug/dataset"
	iface "YoloDataAug/interface"
	"YoloDataAug/jobs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type stubExecutor struct{}

func (stubExecutor) Execute(req jobs.Request) (jobs.Outcome, error) {
	if req.Source == "broken" {
		return jobs.Outcome{}, errors.New("source directory not found: broken")
	}
	return jobs.Outcome{Result: map[string]int{"derived": 14}}, nil
}

func startServer(t *testing.T) (*Server, DatasetServiceClient) {
	t.Helper()
	runner := jobs.NewRunner(stubExecutor{}, nil, 2, nil)
	t.Cleanup(runner.Close)
	srv := NewServer(runner, dataset.DefaultCategories())

	gs, addr, err := StartGRPCServer(0, srv)
	require.NoError(t, err)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient(addr.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, NewDatasetServiceClient(conn)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestDatasetService(t *testing.T) {
	srv, client := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("Summarize", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, dataset.Initialize(root))
		require.NoError(t, os.WriteFile(filepath.Join(dataset.ImageDir(root, iface.SplitVal), "well4_0001.jpg"), []byte("x"), 0o644))

		resp, err := client.Summarize(ctx, mustStruct(t, map[string]any{"root": root}))
		require.NoError(t, err)
		counts := resp.GetFields()["summary"].GetStructValue().GetFields()["counts"].GetStructValue()
		well4 := counts.GetFields()["well4"].GetStructValue().GetFields()
		assert.Equal(t, float64(1), well4["valImages"].GetNumberValue())
		lines := resp.GetFields()["lines"].GetListValue().GetValues()
		require.Len(t, lines, 6)
		assert.Equal(t, "well4: Images (Train | Val) = 0 | 1, Labels (Train | Val) = 0 | 0", lines[4].GetStringValue())
	})

	t.Run("Summarize requires root", func(t *testing.T) {
		_, err := client.Summarize(ctx, mustStruct(t, map[string]any{}))
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("Augment", func(t *testing.T) {
		resp, err := client.Augment(ctx, mustStruct(t, map[string]any{"source": "in", "dest": "out"}))
		require.NoError(t, err)
		f := resp.GetFields()
		assert.Equal(t, "done", f["state"].GetStringValue())
		assert.NotEmpty(t, f["id"].GetStringValue())
		assert.Equal(t, float64(14), f["result"].GetStructValue().GetFields()["derived"].GetNumberValue())
	})

	t.Run("Failed run is a reply", func(t *testing.T) {
		resp, err := client.Partition(ctx, mustStruct(t, map[string]any{"source": "broken", "dest": "out", "valFraction": 0.2}))
		require.NoError(t, err)
		f := resp.GetFields()
		assert.Equal(t, "failed", f["state"].GetStringValue())
		assert.Contains(t, f["error"].GetStringValue(), "not found")
		req := f["request"].GetStructValue().GetFields()
		assert.Equal(t, 0.2, req["valFraction"].GetNumberValue())
	})

	t.Run("Invalid request", func(t *testing.T) {
		_, err := client.Partition(ctx, mustStruct(t, map[string]any{"source": "in"}))
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("Shutdown", func(t *testing.T) {
		_, err := client.Shutdown(ctx, &emptypb.Empty{})
		require.NoError(t, err)
		select {
		case <-srv.CloseChannel:
		case <-time.After(time.Second):
			t.Fatal("close channel not closed")
		}
		// a second call is harmless
		_, err = client.Shutdown(ctx, &emptypb.Empty{})
		assert.NoError(t, err)
	})
}

func TestDatasetService_RunnerClosed(t *testing.T) {
	runner := jobs.NewRunner(stubExecutor{}, nil, 1, nil)
	runner.Close()
	srv := NewServer(runner, nil)
	_, err := srv.Augment(context.Background(), mustStruct(t, map[string]any{"source": "a", "dest": "b"}))
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
