package schedule

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Trigger starts a pipeline run. It must not block.
type Trigger interface {
	Start(ctx context.Context)
}

// Refresher re-triggers runs from outside the pipeline on a cron schedule.
type Refresher struct {
	logger *zap.Logger
	c      *cron.Cron
}

// New validates expr (standard 5-field cron, or descriptors like "@every 1m")
// and registers the trigger. Nothing runs until Start.
func New(ctx context.Context, logger *zap.Logger, expr string, t Trigger) (*Refresher, error) {
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		logger.Debug("scheduled refresh", zap.String("schedule", expr))
		t.Start(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", expr, err)
	}
	return &Refresher{logger: logger, c: c}, nil
}

func (r *Refresher) Start() {
	r.c.Start()
	r.logger.Info("refresh schedule started", zap.Int("entries", len(r.c.Entries())))
}

// Stop halts the schedule and waits for a trigger in progress.
func (r *Refresher) Stop() {
	<-r.c.Stop().Done()
}
