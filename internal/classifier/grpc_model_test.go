package classifier

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"clipwatch/internal/pipeline"
)

func startBufServer(t *testing.T, srv ClassifierServer) *GRPCModel {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterClassifierServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	model, err := NewGRPCModel(GRPCModelConfig{
		Endpoint: "passthrough:///bufnet",
		Timeout:  5 * time.Second,
		Logger:   quietLogger,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = model.Close() })
	return model
}

func TestGRPCModelRoundTrip(t *testing.T) {
	local := NewMotionModel()
	remote := startBufServer(t, NewModelServer(local, quietLogger))
	ctx := context.Background()

	require.NoError(t, remote.Load(ctx, 4))
	assert.Equal(t, 4, local.ClipSize())

	clip := pipeline.Clip{
		solidFrame(320, 240, 0),
		solidFrame(320, 240, 255),
		solidFrame(320, 240, 0),
		solidFrame(320, 240, 255),
	}
	pred, err := remote.Predict(ctx, clip)
	require.NoError(t, err)
	require.Len(t, pred, 2)
	assert.InDelta(t, 1.0, pred[1], 1e-9)

	still := solidFrame(320, 240, 90)
	pred, err = remote.Predict(ctx, pipeline.Clip{still, still})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, pred[0], 1e-9)

	assert.True(t, remote.IsHealthy(ctx))
	assert.Equal(t, "passthrough:///bufnet", remote.Endpoint())
}

func TestGRPCModelDrivesClassifier(t *testing.T) {
	remote := startBufServer(t, NewModelServer(NewMotionModel(), quietLogger))

	c, err := New(context.Background(), remote, DefaultLabels,
		pipeline.ModelConfig{ClipSize: 2, Memory: 2, Threshold: 50}, quietLogger)
	require.NoError(t, err)

	l, err := c.Classify(context.Background(), pipeline.Clip{solidFrame(64, 64, 0), solidFrame(64, 64, 255)})
	require.NoError(t, err)
	assert.Equal(t, "Violence", l.ClassName)
}

type failingServer struct{}

func (failingServer) Classify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unavailable, "gpu busy")
}

func (failingServer) Load(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{})
}

func TestGRPCModelErrors(t *testing.T) {
	remote := startBufServer(t, failingServer{})

	_, err := remote.Predict(context.Background(), pipeline.Clip{solidFrame(8, 8, 0)})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestModelServerValidatesRequests(t *testing.T) {
	srv := NewModelServer(NewMotionModel(), quietLogger)

	_, err := srv.Classify(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	req, _ := structpb.NewStruct(map[string]any{"clip_size": 0})
	_, err = srv.Load(context.Background(), req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPredictionsFrom(t *testing.T) {
	ok, _ := structpb.NewStruct(map[string]any{"predictions": []any{0.25, 0.75}})
	p, err := predictionsFrom(ok)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.75}, p)

	missing, _ := structpb.NewStruct(map[string]any{})
	_, err = predictionsFrom(missing)
	assert.Error(t, err)

	bad, _ := structpb.NewStruct(map[string]any{"predictions": []any{"high"}})
	_, err = predictionsFrom(bad)
	assert.Error(t, err)
}
