package workflows

import (
	"context"
	"errors"
	"strings"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/medivision/control-plane/internal/events"
	"github.com/medivision/control-plane/internal/persona"
	"github.com/medivision/control-plane/internal/session"
)

const analysisFailedMessage = "The background analysis could not be completed. Please retry or ask about the image directly."

// TurnSubmitter queues chat turns and notes on a thread's lane.
type TurnSubmitter interface {
	AppendTurn(ctx context.Context, req session.TurnRequest) (*events.Stream, error)
	AppendNote(ctx context.Context, note session.Note) (bool, error)
}

// AnalysisActivities run background analyses as ordinary chat turns, so
// results land in the thread like any other answer.
type AnalysisActivities struct {
	sessions TurnSubmitter
	logger   *zap.Logger
}

type AnalysisActivitiesOption func(*AnalysisActivities)

func WithLogger(logger *zap.Logger) AnalysisActivitiesOption {
	return func(a *AnalysisActivities) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func NewAnalysisActivities(sessions TurnSubmitter, opts ...AnalysisActivitiesOption) *AnalysisActivities {
	a := &AnalysisActivities{sessions: sessions, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("analysis")
	return a
}

func (a *AnalysisActivities) RunAnalysis(ctx context.Context, input AnalysisInput) (AnalysisOutput, error) {
	stream, err := a.sessions.AppendTurn(ctx, session.TurnRequest{
		ThreadID:  input.ThreadID,
		TurnID:    input.TurnID,
		OwnerID:   input.OwnerID,
		Text:      analysisPrompt(input),
		OriginRef: input.OriginRef,
		CaseID:    input.CaseID,
		Role:      string(persona.Doctor),
	})
	var validation *session.ValidationError
	if errors.As(err, &validation) {
		return AnalysisOutput{}, temporal.NewNonRetryableApplicationError(validation.Message, "invalid_analysis", err)
	}
	if err != nil {
		return AnalysisOutput{}, err
	}

	output := AnalysisOutput{ThreadID: stream.ThreadID(), TurnID: stream.TurnID()}
	var text strings.Builder
	for {
		select {
		case event, ok := <-stream.Events():
			if !ok {
				output.Text = strings.TrimSpace(text.String())
				return output, nil
			}
			switch event.Kind {
			case events.KindContentDelta:
				text.WriteString(event.Text)
			case events.KindDisplayImage:
				output.DisplayPath = event.DisplayPath
			case events.KindStatus:
				if event.Status == events.StatusCompleted {
					output.Warning = event.Warning
				}
			case events.KindError:
				return output, temporal.NewNonRetryableApplicationError(event.Error, "turn_failed", nil)
			}
		case <-ctx.Done():
			stream.Detach()
			return output, ctx.Err()
		}
	}
}

// RecordAnalysisFailure leaves a visible note in the thread so the owner is
// not left waiting on an answer that will never arrive. The note waits behind
// the analysis turn and is dropped if that turn answers after all.
func (a *AnalysisActivities) RecordAnalysisFailure(ctx context.Context, input AnalysisFailureInput) error {
	a.logger.Warn("analysis_failed", zap.String("thread_id", input.ThreadID), zap.String("turn_id", input.TurnID), zap.String("error", input.Error))
	written, err := a.sessions.AppendNote(ctx, session.Note{
		ThreadID:       input.ThreadID,
		OwnerID:        input.OwnerID,
		Content:        analysisFailedMessage,
		Metadata:       map[string]any{"analysis_failed": true},
		UnlessAnswered: input.TurnID,
	})
	if err != nil {
		return err
	}
	if !written {
		a.logger.Info("analysis_answered_late", zap.String("thread_id", input.ThreadID), zap.String("turn_id", input.TurnID))
	}
	return nil
}

func analysisPrompt(input AnalysisInput) string {
	var b strings.Builder
	b.WriteString("Analyze the attached chest study")
	if caseID := strings.TrimSpace(input.CaseID); caseID != "" {
		b.WriteString(" for case ")
		b.WriteString(caseID)
	}
	b.WriteString(". Convert it to a viewable image first if it is DICOM, classify it, and localize any notable finding. ")
	b.WriteString("Base the summary on the capability results and end with a single line 'Confidence: NN%'.")
	if question := strings.TrimSpace(input.Question); question != "" {
		b.WriteString("\n\nReferring question: ")
		b.WriteString(question)
	}
	return b.String()
}
