package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/jbellard/stockline-backend/pkg/logger"
)

type alertJanitor interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// AlertCleanupJobParams configure the alert retention sweep.
type AlertCleanupJobParams struct {
	Logger    *logger.Logger
	Alerts    alertJanitor
	Retention time.Duration
}

// NewAlertCleanupJob sweeps stale alerts and their notifications. Retention
// zero defers to the alerts service's configured window; queued alerts are
// never swept either way.
func NewAlertCleanupJob(params AlertCleanupJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Alerts == nil {
		return nil, fmt.Errorf("alerts service required")
	}
	return &alertCleanupJob{
		logg:      params.Logger,
		alerts:    params.Alerts,
		retention: params.Retention,
	}, nil
}

type alertCleanupJob struct {
	logg      *logger.Logger
	alerts    alertJanitor
	retention time.Duration
}

func (j *alertCleanupJob) Name() string { return "alert-cleanup" }

func (j *alertCleanupJob) Run(ctx context.Context) error {
	deleted, err := j.alerts.Cleanup(ctx, j.retention)
	if err != nil {
		return fmt.Errorf("alert cleanup: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"retention":    j.retention.String(),
		"rows_deleted": deleted,
	})
	j.logg.Info(logCtx, "alert cleanup complete")
	return nil
}
