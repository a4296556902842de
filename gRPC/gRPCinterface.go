package proto

import (
	"HumanCountServer/logger"
	"HumanCountServer/monitor"
	"HumanCountServer/service"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName      = "peoplecount.v1.PeopleCounter"
	FilenameMetadata = "x-filename"

	PredictMethod   = "/" + ServiceName + "/Predict"
	ViewImageMethod = "/" + ServiceName + "/ViewImage"
	ShutdownMethod  = "/" + ServiceName + "/Shutdown"
)

// PeopleCounterServer is the gRPC face of the prediction pipeline.
type PeopleCounterServer interface {
	Predict(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	ViewImage(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func RegisterPeopleCounterServer(s grpc.ServiceRegistrar, srv PeopleCounterServer) {
	s.RegisterService(&PeopleCounter_ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(PeopleCounterServer, context.Context, *Req) (Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PeopleCounterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(PeopleCounterServer), ctx, req.(*Req))
		})
	}
}

var PeopleCounter_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PeopleCounterServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Predict",
			Handler: unaryHandler(PredictMethod, func(s PeopleCounterServer, ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
				return s.Predict(ctx, in)
			}),
		},
		{
			MethodName: "ViewImage",
			Handler: unaryHandler(ViewImageMethod, func(s PeopleCounterServer, ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
				return s.ViewImage(ctx, in)
			}),
		},
		{
			MethodName: "Shutdown",
			Handler: unaryHandler(ShutdownMethod, func(s PeopleCounterServer, ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error) {
				return s.Shutdown(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "peoplecount/v1/people_counter.proto",
}

// PeopleCounterClient calls a PeopleCounter server.
type PeopleCounterClient struct {
	cc grpc.ClientConnInterface
}

func NewPeopleCounterClient(cc grpc.ClientConnInterface) *PeopleCounterClient {
	return &PeopleCounterClient{cc: cc}
}

// Predict uploads image under filename, which decides the temp extension.
func (c *PeopleCounterClient) Predict(ctx context.Context, filename string, image []byte, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if filename != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, FilenameMetadata, filename)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, PredictMethod, wrapperspb.Bytes(image), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PeopleCounterClient) ViewImage(ctx context.Context, name string, opts ...grpc.CallOption) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, ViewImageMethod, wrapperspb.String(name), out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

func (c *PeopleCounterClient) Shutdown(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, ShutdownMethod, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

// Server implements PeopleCounterServer on top of the HTTP pipeline's
// predictor and artifact store.
type Server struct {
	predictor *service.Predictor
	artifacts *service.ArtifactStore
	mon       *monitor.Monitor

	closeOnce    sync.Once
	CloseChannel chan struct{}
}

func NewServer(predictor *service.Predictor, artifacts *service.ArtifactStore, mon *monitor.Monitor) *Server {
	return &Server{
		predictor:    predictor,
		artifacts:    artifacts,
		mon:          mon,
		CloseChannel: make(chan struct{}),
	}
}

func filenameFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(FilenameMetadata); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (s *Server) Predict(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	pred, err := s.predictor.Predict(ctx, service.Upload{
		Filename: filenameFrom(ctx),
		Body:     bytes.NewReader(req.GetValue()),
	})
	if err != nil {
		if errors.Is(err, service.ErrBusy) {
			return nil, status.Error(codes.ResourceExhausted, "server busy")
		}
		logger.Log().Error("gRPC prediction failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "prediction failed")
	}
	out, err := toStruct(pred.Response())
	if err != nil {
		logger.Log().Error("failed to encode prediction", zap.Error(err))
		return nil, status.Error(codes.Internal, "prediction failed")
	}
	return out, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func (s *Server) ViewImage(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	claim, err := s.artifacts.Claim(req.GetValue())
	if err != nil {
		if !errors.Is(err, service.ErrArtifactNotFound) {
			logger.Log().Error("failed to claim artifact", zap.Error(err))
		}
		s.mon.RetrievalDone(monitor.OutcomeNotFound)
		return nil, status.Error(codes.NotFound, "Image not found")
	}
	defer claim.Release()
	data, err := os.ReadFile(claim.Path)
	if err != nil {
		s.mon.RetrievalDone(monitor.OutcomeError)
		return nil, status.Error(codes.NotFound, "Image not found")
	}
	s.mon.RetrievalDone(monitor.OutcomeOK)
	return wrapperspb.Bytes(data), nil
}

func (s *Server) Shutdown(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	s.closeOnce.Do(func() {
		logger.Log().Warn("shutdown requested over gRPC")
		close(s.CloseChannel)
	})
	return &emptypb.Empty{}, nil
}

// StartGRPCServer binds port and registers srv. The caller runs Serve on the
// returned listener.
func StartGRPCServer(port int, srv *Server) (*grpc.Server, net.Listener, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := grpc.NewServer()
	RegisterPeopleCounterServer(s, srv)
	logger.Log().Info("gRPC server listening", zap.String("addr", addr))
	return s, lis, nil
}
