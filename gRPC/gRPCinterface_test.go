package proto

import (
	iface "HumanCountServer/interface"
	"HumanCountServer/logger"
	"HumanCountServer/model"
	"HumanCountServer/service"
	"HumanCountServer/worker"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type MockBackend struct {
	results []iface.Result
}

func (m *MockBackend) Infer(string) ([]iface.Result, error) { return m.results, nil }
func (m *MockBackend) Names() map[int]string                { return map[int]string{0: "person"} }
func (m *MockBackend) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{Backend: "mock", ModelPath: "mock"}
}
func (m *MockBackend) Destroy() {}

var lastInputExt string

func newTestClient(t *testing.T, backend iface.Backend) (*PeopleCounterClient, *Server) {
	t.Helper()
	pool := worker.New(1)
	pool.Start()
	t.Cleanup(pool.Stop)

	artifacts := service.NewArtifactStore(filepath.Join(t.TempDir(), "temp"))
	p := service.NewPredictor(artifacts, backend, pool, service.Options{Threshold: service.DefaultThreshold})
	p.Render = func(imagePath string, people []model.PersonDetection, outputPath string) error {
		lastInputExt = filepath.Ext(imagePath)
		return os.WriteFile(outputPath, []byte("JPEGDATA"), 0o644)
	}
	srv := NewServer(p, artifacts, nil)

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterPeopleCounterServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewPeopleCounterClient(conn), srv
}

func TestPeopleCounter_PredictAndView(t *testing.T) {
	client, _ := newTestClient(t, &MockBackend{results: []iface.Result{
		{ClassID: 0, Conf: 0.75, Box: iface.Box{X1: 1, Y1: 2, X2: 30, Y2: 40}},
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("Test Predict", func(t *testing.T) {
		resp, err := client.Predict(ctx, "frame.png", []byte("png bytes"))
		require.NoError(t, err)
		fields := resp.AsMap()
		assert.Equal(t, float64(1), fields["num_people"])
		assert.Equal(t, "Person(s) Detected: Caution", fields["msg"])
		assert.Equal(t, ".png", lastInputExt)

		people := fields["people"].([]any)
		require.Len(t, people, 1)
		person := people[0].(map[string]any)
		assert.Equal(t, []any{1.0, 2.0, 30.0, 40.0}, person["bbox"])
		assert.Equal(t, float64(0), person["index"])

		url := fields["image_url"].(string)
		name := url[len(service.ViewImagePath):]

		data, err := client.ViewImage(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, "JPEGDATA", string(data))

		_, err = client.ViewImage(ctx, name)
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("Test ViewImage unknown", func(t *testing.T) {
		_, err := client.ViewImage(ctx, "../../etc/passwd")
		assert.Equal(t, codes.NotFound, status.Code(err))
	})
}

func TestPeopleCounter_ViewImageLogsClaimFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	logger.Set(zap.New(core))
	t.Cleanup(func() { logger.Set(zap.NewNop()) })

	client, srv := newTestClient(t, &MockBackend{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// a directory squatting on the claimed name makes the rename fail
	name, path := srv.artifacts.NewName()
	dir := srv.artifacts.Dir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, service.ClaimedPrefix+name, "x"), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("JPEGDATA"), 0o644))

	_, err := client.ViewImage(ctx, name)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, 1, logs.FilterMessage("failed to claim artifact").Len())

	_, err = client.ViewImage(ctx, "0123456789abcdef0123456789abcdef.jpg")
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, 1, logs.FilterMessage("failed to claim artifact").Len())
}

func TestPeopleCounter_Shutdown(t *testing.T) {
	client, srv := newTestClient(t, &MockBackend{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Shutdown(ctx))
	require.NoError(t, client.Shutdown(ctx))
	select {
	case <-srv.CloseChannel:
	default:
		t.Fatal("CloseChannel not closed")
	}
}
