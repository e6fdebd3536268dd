package database

import (
	"context"
	"errors"
	"fmt"

	"mtdbench/internal/domain"

	"gorm.io/gorm"
)

// RecordRun inserts one finished run. RunID must be unique.
func RecordRun(ctx context.Context, run domain.SimulationRun) error {
	if run.RunID == "" {
		return fmt.Errorf("simulation runs: run id is required")
	}

	tx, err := conn(ctx)
	if err != nil {
		return err
	}

	run.ID = 0
	if err := tx.Create(&run).Error; err != nil {
		return fmt.Errorf("simulation runs: insert %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun looks a run up by its run id and reports whether it exists.
func GetRun(ctx context.Context, runID string) (domain.SimulationRun, bool, error) {
	tx, err := conn(ctx)
	if err != nil {
		return domain.SimulationRun{}, false, err
	}

	var run domain.SimulationRun
	err = tx.Where("run_id = ?", runID).First(&run).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.SimulationRun{}, false, nil
	case err != nil:
		return domain.SimulationRun{}, false, fmt.Errorf("simulation runs: load %s: %w", runID, err)
	}
	return run, true, nil
}

// RecentRuns returns up to limit runs, newest first.
func RecentRuns(ctx context.Context, limit int) ([]domain.SimulationRun, error) {
	if limit <= 0 {
		limit = 20
	}

	tx, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	runs := make([]domain.SimulationRun, 0, limit)
	if err := tx.Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("simulation runs: list: %w", err)
	}
	return runs, nil
}
