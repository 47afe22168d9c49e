package classifier

import (
	"context"
	"fmt"
	"log"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service a model server exposes.
const ServiceName = "clipwatch.classifier.v1.Classifier"

const (
	classifyMethod = "/" + ServiceName + "/Classify"
	loadMethod     = "/" + ServiceName + "/Load"
)

// ClassifierServer is implemented by model servers.
type ClassifierServer interface {
	Classify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Load(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var classifierServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ClassifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
		{MethodName: "Load", Handler: loadHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clipwatch/classifier/v1/classifier.proto",
}

func classifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClassifierServer).Classify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: classifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClassifierServer).Classify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func loadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClassifierServer).Load(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: loadMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClassifierServer).Load(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterClassifierServer registers srv and a SERVING health status on s.
func RegisterClassifierServer(s *grpc.Server, srv ClassifierServer) {
	s.RegisterService(&classifierServiceDesc, srv)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
}

// ModelServer exposes a local Model over gRPC.
type ModelServer struct {
	model  Model
	logger *log.Logger
}

// NewModelServer wraps model.
func NewModelServer(model Model, logger *log.Logger) *ModelServer {
	if logger == nil {
		logger = log.Default()
	}
	return &ModelServer{model: model, logger: logger}
}

// Classify decodes the frames, runs the model and returns its predictions.
func (s *ModelServer) Classify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	list := req.GetFields()["frames"].GetListValue()
	if list == nil || len(list.GetValues()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "frames are required")
	}

	encoded := make([]string, len(list.GetValues()))
	for i, v := range list.GetValues() {
		encoded[i] = v.GetStringValue()
	}
	clip, err := DecodeClip(encoded)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode frames: %v", err)
	}

	pred, err := s.model.Predict(ctx, clip)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "predict: %v", err)
	}

	values := make([]any, len(pred))
	for i, p := range pred {
		values[i] = p
	}
	return structpb.NewStruct(map[string]any{"predictions": values})
}

// Load reloads the model for the requested clip size.
func (s *ModelServer) Load(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	clipSize := int(req.GetFields()["clip_size"].GetNumberValue())
	if clipSize <= 0 {
		return nil, status.Error(codes.InvalidArgument, "clip_size must be > 0")
	}
	if err := s.model.Load(ctx, clipSize); err != nil {
		return nil, status.Errorf(codes.Internal, "load: %v", err)
	}
	s.logger.Printf("[Classifier] Model server loaded clip size %d", clipSize)
	return structpb.NewStruct(map[string]any{"clip_size": clipSize, "status": fmt.Sprintf("loaded %d", clipSize)})
}

var _ ClassifierServer = (*ModelServer)(nil)
