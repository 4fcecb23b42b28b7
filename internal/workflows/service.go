package workflows

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/client"
)

const DefaultTaskQueue = "radiology-analyses"

type Service struct {
	client    client.Client
	taskQueue string
}

func NewService(client client.Client, taskQueue string) *Service {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Service{client: client, taskQueue: taskQueue}
}

// StartAnalysis starts the analysis workflow for input.ThreadID and returns
// its workflow id.
func (s *Service) StartAnalysis(ctx context.Context, input AnalysisInput) (string, error) {
	if strings.TrimSpace(input.ThreadID) == "" {
		return "", fmt.Errorf("thread id is required")
	}
	options := client.StartWorkflowOptions{
		ID:        workflowID(input.ThreadID),
		TaskQueue: s.taskQueue,
	}
	run, err := s.client.ExecuteWorkflow(ctx, options, AnalyzeImageWorkflow, input)
	if err != nil {
		return "", err
	}
	return run.GetID(), nil
}

func workflowID(threadID string) string {
	return fmt.Sprintf("analysis:%s", threadID)
}
