package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mtdbench/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := SetupDB(WithDialector(sqlite.Open(dsn)))
	if err != nil {
		t.Fatalf("SetupDB returned error: %v", err)
	}

	t.Cleanup(func() {
		if err := Close(); err != nil {
			t.Errorf("Close returned error: %v", err)
		}
	})

	return db
}

func TestSetupDBMigratesSimulationTables(t *testing.T) {
	db := setupTestDB(t)

	for _, model := range []any{&domain.TrainingSample{}, &domain.SimulationRun{}} {
		if !db.Migrator().HasTable(model) {
			t.Fatalf("table for %T was not created", model)
		}
	}
}

func TestSetupDBWithoutDialector(t *testing.T) {
	if _, err := SetupDB(WithDialector(nil)); err == nil {
		t.Fatal("SetupDB succeeded without a dialector")
	}
}

func TestHandlersRequireConnection(t *testing.T) {
	DB = nil
	if _, err := LoadTrainingSamples(context.Background(), "x"); err != ErrNotConfigured {
		t.Fatalf("LoadTrainingSamples error = %v, want ErrNotConfigured", err)
	}
	if err := RecordRun(context.Background(), domain.SimulationRun{RunID: "r"}); err != ErrNotConfigured {
		t.Fatalf("RecordRun error = %v, want ErrNotConfigured", err)
	}
}

func TestTrainingSamplesRoundTrip(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	samples := []domain.TrainingSample{
		{RateAnomaly: 0.1, PatternAnomaly: 0.0, Label: domain.AttackNone},
		{RateAnomaly: 0.9, PatternAnomaly: 0.95, PersistenceFactor: 0.8, Label: domain.AttackUDPFlood},
		{RateAnomaly: 0.6, ConnectionAnomaly: 0.9, PatternAnomaly: 0.85, Label: domain.AttackSYNFlood},
	}
	if err := SaveTrainingSamples(ctx, "baseline", samples); err != nil {
		t.Fatalf("SaveTrainingSamples returned error: %v", err)
	}
	if err := SaveTrainingSamples(ctx, "other", samples[:1]); err != nil {
		t.Fatalf("SaveTrainingSamples returned error: %v", err)
	}

	got, err := LoadTrainingSamples(ctx, "baseline")
	if err != nil {
		t.Fatalf("LoadTrainingSamples returned error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d samples, want 3", len(got))
	}
	if got[1].Label != domain.AttackUDPFlood || got[1].PersistenceFactor != 0.8 {
		t.Fatalf("second sample = %+v, want UDP_FLOOD with persistence 0.8", got[1])
	}
	if got[0].Dataset != "baseline" {
		t.Fatalf("dataset = %q, want baseline", got[0].Dataset)
	}

	datasets, err := TrainingDatasets(ctx)
	if err != nil {
		t.Fatalf("TrainingDatasets returned error: %v", err)
	}
	if datasets["baseline"] != 3 || datasets["other"] != 1 {
		t.Fatalf("datasets = %v, want baseline:3 other:1", datasets)
	}

	removed, err := DeleteTrainingDataset(ctx, "baseline")
	if err != nil {
		t.Fatalf("DeleteTrainingDataset returned error: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed %d samples, want 3", removed)
	}
}

func TestSaveTrainingSamplesRequiresDataset(t *testing.T) {
	setupTestDB(t)
	err := SaveTrainingSamples(context.Background(), "", []domain.TrainingSample{{Label: domain.AttackDoS}})
	if err == nil {
		t.Fatal("SaveTrainingSamples accepted an empty dataset name")
	}
}

func TestRecordRunAndLookup(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b"} {
		run := domain.SimulationRun{
			RunID:           id,
			Seed:            uint64(i + 1),
			VirtualDuration: int64(90 * time.Second),
			TotalShuffles:   uint64(10 * (i + 1)),
			StartedAt:       started,
		}
		if err := RecordRun(ctx, run); err != nil {
			t.Fatalf("RecordRun(%s) returned error: %v", id, err)
		}
	}

	if err := RecordRun(ctx, domain.SimulationRun{RunID: "run-a", StartedAt: started}); err == nil {
		t.Fatal("RecordRun accepted a duplicate run id")
	}

	run, ok, err := GetRun(ctx, "run-b")
	if err != nil || !ok {
		t.Fatalf("GetRun returned %v/%v, want found", ok, err)
	}
	if run.TotalShuffles != 20 || run.Seed != 2 {
		t.Fatalf("run-b = %+v, want 20 shuffles seed 2", run)
	}

	if _, ok, err := GetRun(ctx, "missing"); ok || err != nil {
		t.Fatalf("GetRun(missing) = %v/%v, want not found and no error", ok, err)
	}

	recent, err := RecentRuns(ctx, 1)
	if err != nil {
		t.Fatalf("RecentRuns returned error: %v", err)
	}
	if len(recent) != 1 || recent[0].RunID != "run-b" {
		t.Fatalf("RecentRuns = %+v, want only run-b", recent)
	}
}
