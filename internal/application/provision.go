package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// ProvisionService applies the shared resource graph as a durable
// workflow. It runs before any service deploys.
type ProvisionService struct {
	Workflow domain.ProvisionRunner
	Log      *slog.Logger
}

// Provision starts the provisioning workflow with the given feature
// flags and waits for it to complete.
func (s *ProvisionService) Provision(ctx context.Context, flags map[string]bool) (domain.ApplySummary, error) {
	handle, err := s.Workflow.Run(ctx, flags)
	if err != nil {
		return domain.ApplySummary{}, fmt.Errorf("start provisioning workflow: %w", err)
	}
	summary, err := handle.AwaitResult(ctx)
	if err != nil {
		return domain.ApplySummary{}, err
	}
	logger(s.Log).Info("resource graph applied",
		"workflow_id", handle.WorkflowID(),
		"applied", len(summary.Applied),
		"unchanged", len(summary.Unchanged))
	return summary, nil
}

// logger returns a usable logger even when none was injected.
func logger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
