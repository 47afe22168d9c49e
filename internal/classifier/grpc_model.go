package classifier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"clipwatch/internal/pipeline"
)

// GRPCModelConfig configures a remote model connection.
type GRPCModelConfig struct {
	Endpoint string
	// Timeout bounds a single Classify call. Load gets ten times as long.
	Timeout     time.Duration
	DialOptions []grpc.DialOption
	Logger      *log.Logger
}

// GRPCModel forwards clips to a model server over gRPC. Frames travel as
// base64 JPEG crops inside a google.protobuf.Struct so no generated stubs are
// needed on either side.
type GRPCModel struct {
	endpoint string
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	timeout  time.Duration
	logger   *log.Logger

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// NewGRPCModel creates the client connection. The connection is established
// lazily on the first call.
func NewGRPCModel(cfg GRPCModelConfig) (*GRPCModel, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("model endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	// Keepalive detects a dead model server quickly.
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(64 << 20)),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	cfg.Logger.Printf("[Classifier] Using remote model at %s", cfg.Endpoint)
	return &GRPCModel{
		endpoint: cfg.Endpoint,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}, nil
}

// Predict sends the preprocessed clip and returns the class scores.
func (m *GRPCModel) Predict(ctx context.Context, clip pipeline.Clip) ([]float64, error) {
	frames, err := EncodeClip(clip)
	if err != nil {
		return nil, err
	}

	values := make([]any, len(frames))
	for i, f := range frames {
		values[i] = f
	}
	req, err := structpb.NewStruct(map[string]any{
		"frames":    values,
		"clip_size": len(frames),
	})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := m.conn.Invoke(ctx, classifyMethod, req, resp); err != nil {
		return nil, fmt.Errorf("classify rpc: %w", err)
	}
	return predictionsFrom(resp)
}

// Load asks the server to prepare for clipSize.
func (m *GRPCModel) Load(ctx context.Context, clipSize int) error {
	req, err := structpb.NewStruct(map[string]any{"clip_size": clipSize})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*m.timeout)
	defer cancel()

	start := time.Now()
	if err := m.conn.Invoke(ctx, loadMethod, req, new(structpb.Struct)); err != nil {
		return fmt.Errorf("load rpc: %w", err)
	}
	m.logger.Printf("[Classifier] Remote model loaded for clip size %d in %v", clipSize, time.Since(start).Round(time.Millisecond))
	return nil
}

// IsHealthy checks the standard gRPC health service. Results are cached for
// 30 seconds.
func (m *GRPCModel) IsHealthy(ctx context.Context) bool {
	m.healthMu.RLock()
	if time.Since(m.lastHealth) < 30*time.Second && m.healthy {
		m.healthMu.RUnlock()
		return true
	}
	m.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := m.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	healthy := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if err != nil {
		m.logger.Printf("[Classifier] Health check failed: %v", err)
	}

	m.healthMu.Lock()
	m.healthy = healthy
	m.lastHealth = time.Now()
	m.healthMu.Unlock()
	return healthy
}

// Endpoint returns the configured server address.
func (m *GRPCModel) Endpoint() string {
	return m.endpoint
}

// Close closes the connection.
func (m *GRPCModel) Close() error {
	return m.conn.Close()
}

func predictionsFrom(resp *structpb.Struct) ([]float64, error) {
	v, ok := resp.GetFields()["predictions"]
	if !ok {
		return nil, errors.New("response has no predictions")
	}
	list := v.GetListValue()
	if list == nil {
		return nil, errors.New("predictions is not a list")
	}
	out := make([]float64, len(list.GetValues()))
	for i, p := range list.GetValues() {
		if _, ok := p.GetKind().(*structpb.Value_NumberValue); !ok {
			return nil, fmt.Errorf("prediction %d is not a number", i)
		}
		out[i] = p.GetNumberValue()
	}
	return out, nil
}

var _ Model = (*GRPCModel)(nil)
