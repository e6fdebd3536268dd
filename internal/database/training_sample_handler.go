package database

import (
	"context"
	"errors"
	"fmt"

	"mtdbench/internal/domain"

	"gorm.io/gorm"
)

const trainingSampleBatchSize = 500

var ErrNotConfigured = errors.New("database: connection was not configured")

func conn(ctx context.Context) (*gorm.DB, error) {
	if DB == nil {
		return nil, ErrNotConfigured
	}
	tx := DB
	if ctx != nil {
		tx = tx.WithContext(ctx)
	}
	return tx, nil
}

// SaveTrainingSamples stores samples under dataset, overriding each sample's
// own Dataset field.
func SaveTrainingSamples(ctx context.Context, dataset string, samples []domain.TrainingSample) error {
	if len(samples) == 0 {
		return nil
	}
	if dataset == "" {
		return fmt.Errorf("training samples: dataset name is required")
	}

	tx, err := conn(ctx)
	if err != nil {
		return err
	}

	rows := make([]domain.TrainingSample, len(samples))
	for i, s := range samples {
		s.ID = 0
		s.Dataset = dataset
		rows[i] = s
	}

	if err := tx.CreateInBatches(&rows, trainingSampleBatchSize).Error; err != nil {
		return fmt.Errorf("training samples: insert rows: %w", err)
	}
	return nil
}

// LoadTrainingSamples returns the samples of a dataset in insertion order.
func LoadTrainingSamples(ctx context.Context, dataset string) ([]domain.TrainingSample, error) {
	tx, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []domain.TrainingSample
	if err := tx.Where("dataset = ?", dataset).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("training samples: load %q: %w", dataset, err)
	}
	return rows, nil
}

// DeleteTrainingDataset removes every sample of dataset and reports how many went.
func DeleteTrainingDataset(ctx context.Context, dataset string) (int64, error) {
	tx, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	res := tx.Where("dataset = ?", dataset).Delete(&domain.TrainingSample{})
	if res.Error != nil {
		return 0, fmt.Errorf("training samples: delete %q: %w", dataset, res.Error)
	}
	return res.RowsAffected, nil
}

// TrainingDatasets lists stored dataset names with their sample counts.
func TrainingDatasets(ctx context.Context) (map[string]int64, error) {
	tx, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var counts []struct {
		Dataset string
		Total   int64
	}
	if err := tx.Model(&domain.TrainingSample{}).
		Select("dataset, COUNT(*) AS total").
		Group("dataset").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("training samples: aggregate datasets: %w", err)
	}

	out := make(map[string]int64, len(counts))
	for _, row := range counts {
		out[row.Dataset] = row.Total
	}
	return out, nil
}
