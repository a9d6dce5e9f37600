package pipeline

import (
	"context"

	"github.com/FocuswithJustin/RecallRecover/internal/logging"
)

// Reporter receives stage progress. Percent runs from 0 to 100.
type Reporter interface {
	Progress(ctx context.Context, stage string, percent int, message string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, stage string, percent int, message string)

// Progress calls f.
func (f ReporterFunc) Progress(ctx context.Context, stage string, percent int, message string) {
	f(ctx, stage, percent, message)
}

// LogReporter writes progress as recovery_stage log records.
type LogReporter struct{}

// Progress logs the stage.
func (LogReporter) Progress(ctx context.Context, stage string, percent int, message string) {
	logging.Stage(ctx, stage, "progress", percent, "message", message)
}

// MultiReporter fans progress out to several reporters.
type MultiReporter []Reporter

// Progress forwards to every reporter in order.
func (m MultiReporter) Progress(ctx context.Context, stage string, percent int, message string) {
	for _, r := range m {
		r.Progress(ctx, stage, percent, message)
	}
}

func (p *Pipeline) progress(ctx context.Context, stage string, percent int, message string) {
	p.reporter.Progress(ctx, stage, percent, message)
}
