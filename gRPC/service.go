package proto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"YoloDataAug/dataset"
	"YoloDataAug/jobs"
	"YoloDataAug/logger"
	"YoloDataAug/monitor"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "yoloaug.DatasetService"

// DatasetServiceServer is the control surface for dataset runs. Requests and
// replies are free-form structs keyed like the HTTP API's JSON bodies.
type DatasetServiceServer interface {
	Summarize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Partition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Augment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

type Server struct {
	Runner     *jobs.Runner
	Categories *dataset.Categories

	closeOnce    sync.Once
	CloseChannel chan struct{}
}

func NewServer(runner *jobs.Runner, cats *dataset.Categories) *Server {
	return &Server{
		Runner:       runner,
		Categories:   cats,
		CloseChannel: make(chan struct{}),
	}
}

func (s *Server) Summarize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	root := stringField(req, "root")
	if root == "" {
		return nil, status.Error(codes.InvalidArgument, "root is required")
	}
	sum, err := dataset.Summarize(root, s.Categories)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "summarize %s: %v", root, err)
	}
	out := map[string]any{"summary": sum, "lines": sum.Lines()}
	return toStruct(out)
}

func (s *Server) Partition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.run(ctx, jobs.Request{
		Kind:        jobs.KindPartition,
		Source:      stringField(req, "source"),
		Dest:        stringField(req, "dest"),
		ValFraction: numberField(req, "valFraction"),
	})
}

func (s *Server) Augment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.run(ctx, jobs.Request{
		Kind:   jobs.KindAugment,
		Source: stringField(req, "source"),
		Dest:   stringField(req, "dest"),
	})
}

// run blocks until the job is finished. A failed job is reported in the
// reply, not as an RPC error.
func (s *Server) run(ctx context.Context, req jobs.Request) (*structpb.Struct, error) {
	st, err := s.Runner.Run(ctx, req)
	switch {
	case errors.Is(err, jobs.ErrClosed):
		return nil, status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, status.FromContextError(err).Err()
	case err != nil:
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return toStruct(st)
}

// Shutdown closes CloseChannel; the caller of StartGRPCServer owns the stop.
func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	logger.Log().Warn("shutdown requested over gRPC")
	s.closeOnce.Do(func() { close(s.CloseChannel) })
	return &emptypb.Empty{}, nil
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

func numberField(s *structpb.Struct, key string) float64 {
	if s == nil {
		return 0
	}
	return s.GetFields()[key].GetNumberValue()
}

// toStruct goes through JSON so that tagged Go types keep their field names.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func countRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	monitor.RequestsTotal.WithLabelValues("grpc").Inc()
	start := time.Now()
	resp, err := handler(ctx, req)
	logger.Log().Info("grpc request", zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start)), zap.Error(err))
	return resp, err
}

func RegisterDatasetServiceServer(s grpc.ServiceRegistrar, srv DatasetServiceServer) {
	s.RegisterService(&DatasetService_ServiceDesc, srv)
}

// StartGRPCServer listens on port (0 picks a free one) and serves in the
// background.
func StartGRPCServer(port int, srv DatasetServiceServer) (*grpc.Server, net.Addr, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(countRequests))
	RegisterDatasetServiceServer(s, srv)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := s.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, lis.Addr(), nil
}
