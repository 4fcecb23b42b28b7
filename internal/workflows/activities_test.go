package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"

	"github.com/medivision/control-plane/internal/events"
	"github.com/medivision/control-plane/internal/imaging"
	"github.com/medivision/control-plane/internal/session"
	"github.com/medivision/control-plane/internal/store"
	"github.com/medivision/control-plane/internal/store/memory"
	"github.com/medivision/control-plane/internal/turn"
)

type fakeSubmitter struct {
	requests []session.TurnRequest
	notes    []session.Note
	stream   *events.Stream
	err      error
}

func (f *fakeSubmitter) AppendTurn(ctx context.Context, req session.TurnRequest) (*events.Stream, error) {
	f.requests = append(f.requests, req)
	return f.stream, f.err
}

func (f *fakeSubmitter) AppendNote(ctx context.Context, note session.Note) (bool, error) {
	f.notes = append(f.notes, note)
	return f.err == nil, f.err
}

// gatedRunner blocks each turn until release is closed.
type gatedRunner struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedRunner) Run(ctx context.Context, req turn.Request, out turn.Emitter) (turn.Result, error) {
	close(g.started)
	<-g.release
	_ = out.Delta("real answer")
	return turn.Result{Text: "real answer"}, nil
}

type noImages struct{}

func (noImages) Resolve(ref string) (imaging.Reference, error) {
	return imaging.Reference{Ref: ref, OriginPath: "/srv/" + ref, DisplayPath: "/" + ref}, nil
}

func finishedStream(t *testing.T, fail string) *events.Stream {
	t.Helper()
	stream := events.NewStream("thread-1", "turn-1", 8)
	require.NoError(t, stream.Running())
	require.NoError(t, stream.Delta("Findings:\n"))
	require.NoError(t, stream.Delta("- Effusion p=0.62\n"))
	if fail != "" {
		require.NoError(t, stream.Fail(fail))
		return stream
	}
	require.NoError(t, stream.DisplayImage("/artifacts/a.png"))
	require.NoError(t, stream.Completed("The conversation could not be saved."))
	return stream
}

func TestRunAnalysis_CollectsTurn(t *testing.T) {
	submitter := &fakeSubmitter{stream: finishedStream(t, "")}
	activities := NewAnalysisActivities(submitter)

	output, err := activities.RunAnalysis(context.Background(), AnalysisInput{
		ThreadID:  "thread-1",
		OwnerID:   "dr-1",
		TurnID:    "turn-1",
		OriginRef: "uploads/a.dcm",
		CaseID:    "case-9",
		Question:  "Any effusion?",
	})
	require.NoError(t, err)
	require.Equal(t, AnalysisOutput{
		ThreadID:    "thread-1",
		TurnID:      "turn-1",
		Text:        "Findings:\n- Effusion p=0.62",
		DisplayPath: "/artifacts/a.png",
		Warning:     "The conversation could not be saved.",
	}, output)

	require.Len(t, submitter.requests, 1)
	req := submitter.requests[0]
	require.Equal(t, "doctor", req.Role)
	require.Equal(t, "turn-1", req.TurnID)
	require.Equal(t, "uploads/a.dcm", req.OriginRef)
	require.Contains(t, req.Text, "case case-9")
	require.Contains(t, req.Text, "Confidence: NN%")
	require.Contains(t, req.Text, "Referring question: Any effusion?")
}

func TestRunAnalysis_TurnErrorIsNonRetryable(t *testing.T) {
	activities := NewAnalysisActivities(&fakeSubmitter{stream: finishedStream(t, "The assistant is temporarily unavailable. Please try again.")})

	_, err := activities.RunAnalysis(context.Background(), AnalysisInput{ThreadID: "thread-1", OriginRef: "uploads/a.dcm"})
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	require.True(t, appErr.NonRetryable())
	require.Equal(t, "turn_failed", appErr.Type())
}

func TestRunAnalysis_ValidationIsNonRetryable(t *testing.T) {
	submitter := &fakeSubmitter{err: &session.ValidationError{Message: "image reference not found"}}
	activities := NewAnalysisActivities(submitter)

	_, err := activities.RunAnalysis(context.Background(), AnalysisInput{ThreadID: "thread-1", OriginRef: "uploads/gone.dcm"})
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "invalid_analysis", appErr.Type())
}

func TestRunAnalysis_ContextCancelDetaches(t *testing.T) {
	stream := events.NewStream("thread-1", "turn-1", 1)
	activities := NewAnalysisActivities(&fakeSubmitter{stream: stream})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := activities.RunAnalysis(ctx, AnalysisInput{ThreadID: "thread-1", OriginRef: "uploads/a.dcm"})
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, stream.Detached())
}

func TestRecordAnalysisFailure(t *testing.T) {
	st := memory.New()
	sessions := session.NewManager(st, &gatedRunner{}, noImages{})
	activities := NewAnalysisActivities(sessions)

	require.NoError(t, activities.RecordAnalysisFailure(context.Background(), AnalysisFailureInput{
		ThreadID: "thread-7",
		TurnID:   "turn-never-ran",
		OwnerID:  "dr-1",
		Error:    "dial tcp 10.0.0.1:443: connection refused",
	}))

	transcript, err := st.LoadThread(context.Background(), "thread-7")
	require.NoError(t, err)
	require.NotNil(t, transcript)
	require.Equal(t, "dr-1", transcript.Thread.OwnerID)
	require.Len(t, transcript.Messages, 1)
	msg := transcript.Messages[0]
	require.Equal(t, store.RoleAssistant, msg.Role)
	require.Equal(t, analysisFailedMessage, msg.Content)
	require.NotContains(t, msg.Content, "10.0.0.1")
	require.Equal(t, true, msg.Metadata["analysis_failed"])
}

func TestRecordAnalysisFailure_WaitsForDetachedTurn(t *testing.T) {
	st := memory.New()
	runner := &gatedRunner{started: make(chan struct{}), release: make(chan struct{})}
	sessions := session.NewManager(st, runner, noImages{})
	activities := NewAnalysisActivities(sessions)

	ctx, cancel := context.WithCancel(context.Background())
	input := AnalysisInput{ThreadID: "t1", TurnID: "turn-a", OriginRef: "uploads/a.dcm"}
	runErr := make(chan error, 1)
	go func() {
		_, err := activities.RunAnalysis(ctx, input)
		runErr <- err
	}()
	<-runner.started
	cancel()
	require.ErrorIs(t, <-runErr, context.Canceled)

	recorded := make(chan error, 1)
	go func() {
		recorded <- activities.RecordAnalysisFailure(context.Background(), AnalysisFailureInput{
			ThreadID: "t1",
			TurnID:   "turn-a",
			Error:    context.Canceled.Error(),
		})
	}()
	select {
	case <-recorded:
		t.Fatal("failure note recorded while the turn was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(runner.release)
	require.NoError(t, <-recorded)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, sessions.Wait(waitCtx))

	transcript, err := st.LoadThread(context.Background(), "t1")
	require.NoError(t, err)
	roles := []string{}
	for _, msg := range transcript.Messages {
		roles = append(roles, msg.Role+":"+msg.Content)
	}
	require.Len(t, roles, 2)
	require.Equal(t, "assistant:real answer", roles[1])
}

func TestRecordAnalysisFailure_PropagatesLaneErrors(t *testing.T) {
	submitter := &fakeSubmitter{err: errors.New("store down")}
	activities := NewAnalysisActivities(submitter)

	err := activities.RecordAnalysisFailure(context.Background(), AnalysisFailureInput{ThreadID: "t", TurnID: "turn-x"})
	require.EqualError(t, err, "store down")
	require.Len(t, submitter.notes, 1)
	require.Equal(t, "turn-x", submitter.notes[0].UnlessAnswered)
	require.Equal(t, analysisFailedMessage, submitter.notes[0].Content)
}
