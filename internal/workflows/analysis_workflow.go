package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	runAnalysisActivity           = "RunAnalysis"
	recordAnalysisFailureActivity = "RecordAnalysisFailure"
)

type AnalysisInput struct {
	ThreadID string
	// TurnID is assigned by the workflow when empty.
	TurnID    string
	OwnerID   string
	OriginRef string
	CaseID    string
	Question  string
}

type AnalysisOutput struct {
	ThreadID    string
	TurnID      string
	Text        string
	DisplayPath string
	Warning     string
}

type AnalysisFailureInput struct {
	ThreadID string
	TurnID   string
	OwnerID  string
	Error    string
}

// AnalyzeImageWorkflow runs one doctor-persona turn against a stored image.
// The turn is not retried: a partially streamed turn is never resumed.
func AnalyzeImageWorkflow(ctx workflow.Context, input AnalysisInput) (AnalysisOutput, error) {
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)
	logger := workflow.GetLogger(ctx)
	if input.TurnID == "" {
		input.TurnID = workflow.GetInfo(ctx).WorkflowExecution.RunID
	}

	var output AnalysisOutput
	err := workflow.ExecuteActivity(ctx, runAnalysisActivity, input).Get(ctx, &output)
	if err == nil {
		logger.Info("analysis completed", "thread_id", input.ThreadID, "turn_id", output.TurnID)
		return output, nil
	}

	logger.Error("analysis activity failed", "thread_id", input.ThreadID, "error", err)
	failureInput := AnalysisFailureInput{
		ThreadID: input.ThreadID,
		TurnID:   input.TurnID,
		OwnerID:  input.OwnerID,
		Error:    err.Error(),
	}
	if failureErr := workflow.ExecuteActivity(ctx, recordAnalysisFailureActivity, failureInput).Get(ctx, nil); failureErr != nil {
		logger.Error("failed to record analysis failure", "error", failureErr)
	}
	return AnalysisOutput{ThreadID: input.ThreadID}, err
}
