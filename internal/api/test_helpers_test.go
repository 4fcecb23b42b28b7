package api

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/medivision/control-plane/internal/config"
	"github.com/medivision/control-plane/internal/events"
	"github.com/medivision/control-plane/internal/imaging"
	"github.com/medivision/control-plane/internal/session"
	"github.com/medivision/control-plane/internal/store"
	"github.com/medivision/control-plane/internal/workflows"
)

type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) CreateThread(ctx context.Context, ownerID string) (string, error) {
	args := m.Called(ctx, ownerID)
	return args.String(0), args.Error(1)
}

func (m *MockSessions) GetThread(ctx context.Context, threadID string) (*store.Transcript, error) {
	args := m.Called(ctx, threadID)
	if value := args.Get(0); value != nil {
		return value.(*store.Transcript), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessions) ListThreads(ctx context.Context, ownerID string, limit int) ([]store.ThreadSummary, error) {
	args := m.Called(ctx, ownerID, limit)
	var result []store.ThreadSummary
	if value := args.Get(0); value != nil {
		result = value.([]store.ThreadSummary)
	}
	return result, args.Error(1)
}

func (m *MockSessions) ClearThread(ctx context.Context, threadID string) error {
	args := m.Called(ctx, threadID)
	return args.Error(0)
}

func (m *MockSessions) AppendTurn(ctx context.Context, req session.TurnRequest) (*events.Stream, error) {
	args := m.Called(ctx, req)
	if value := args.Get(0); value != nil {
		return value.(*events.Stream), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessions) ActiveTurns() int {
	args := m.Called()
	return args.Int(0)
}

type MockImages struct {
	mock.Mock
	uploadDir   string
	artifactDir string
}

func (m *MockImages) IngestUpload(ctx context.Context, filename string, body io.Reader, caseID string) (imaging.Reference, error) {
	content, _ := io.ReadAll(body)
	args := m.Called(ctx, filename, string(content), caseID)
	return args.Get(0).(imaging.Reference), args.Error(1)
}

func (m *MockImages) Resolve(ref string) (imaging.Reference, error) {
	args := m.Called(ref)
	return args.Get(0).(imaging.Reference), args.Error(1)
}

func (m *MockImages) UploadDir() string {
	return m.uploadDir
}

func (m *MockImages) ArtifactDir() string {
	return m.artifactDir
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Subscribe(ctx context.Context, threadID string) <-chan events.Event {
	args := m.Called(ctx, threadID)
	if value := args.Get(0); value != nil {
		if ch, ok := value.(chan events.Event); ok {
			return ch
		}
		if ch, ok := value.(<-chan events.Event); ok {
			return ch
		}
	}
	return nil
}

type MockAnalysisService struct {
	mock.Mock
}

func (m *MockAnalysisService) StartAnalysis(ctx context.Context, input workflows.AnalysisInput) (string, error) {
	args := m.Called(ctx, input)
	return args.String(0), args.Error(1)
}

type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type staticCapabilities []string

func (s staticCapabilities) Names() []string {
	return s
}

func (s staticCapabilities) RemoteNames() []string {
	return s
}

type MockCapabilityService struct {
	mock.Mock
}

func (m *MockCapabilityService) Configured() bool {
	return true
}

func (m *MockCapabilityService) Available(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	names, _ := args.Get(0).([]string)
	return names, args.Error(1)
}

func newTestServer(t *testing.T, sessions Sessions, images Images, cfg config.Config, opts ...Option) *httptest.Server {
	t.Helper()
	if images == nil {
		images = &MockImages{uploadDir: t.TempDir(), artifactDir: t.TempDir()}
	}
	server := NewServer(sessions, images, cfg, opts...)
	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(server.limiter.Shutdown)
	return httpServer
}

// completedStream returns a stream that already holds a full turn.
func completedStream(t *testing.T, threadID string, deltas ...string) *events.Stream {
	t.Helper()
	stream := events.NewStream(threadID, "turn-1", len(deltas)+4)
	if err := stream.Running(); err != nil {
		t.Fatal(err)
	}
	for _, delta := range deltas {
		if err := stream.Delta(delta); err != nil {
			t.Fatal(err)
		}
	}
	if err := stream.DisplayImage("/artifacts/render.png"); err != nil {
		t.Fatal(err)
	}
	if err := stream.Completed(""); err != nil {
		t.Fatal(err)
	}
	return stream
}
