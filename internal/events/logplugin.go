package events

import (
	"context"
	"log/slog"
)

// LogPlugin records every dispatched event. It doubles as a liveness trace
// for the listener and as the reference plugin implementation.
type LogPlugin struct {
	logger *slog.Logger
}

// NewLogPlugin creates a logging plugin.
func NewLogPlugin(logger *slog.Logger) *LogPlugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPlugin{logger: logger}
}

// Name identifies the plugin in logs.
func (p *LogPlugin) Name() string { return "log" }

// Handle logs the event with its channel-specific fields.
func (p *LogPlugin) Handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case EvalStarted:
		p.logger.Info("evaluation started", "trace_id", e.TraceID, "project", e.Project, "jobset", e.Jobset)
	case EvalAdded:
		p.logger.Info("evaluation added", "trace_id", e.TraceID, "eval_id", e.EvalID)
	case EvalCached:
		p.logger.Info("evaluation cached", "trace_id", e.TraceID)
	case EvalFailed:
		p.logger.Warn("evaluation failed", "trace_id", e.TraceID)
	case BuildsAdded:
		p.logger.Info("builds added", "lowest_build_id", e.LowestBuildID)
	case BuildStarted:
		p.logger.Info("build started", "build_id", e.BuildID)
	case BuildFinished:
		p.logger.Info("build finished", "build_id", e.BuildID, "dependents", len(e.DependentIDs))
	case StepFinished:
		p.logger.Info("step finished", "build_id", e.BuildID, "step", e.StepNr, "log", e.LogPath)
	}
	return nil
}
