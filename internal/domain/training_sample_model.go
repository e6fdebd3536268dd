package domain

import "time"

// TrainingSample is one labelled row for the nearest-centroid classifier.
type TrainingSample struct {
	ID                uint64     `gorm:"primaryKey;autoIncrement"`
	Dataset           string     `gorm:"size:64;not null;index"`
	RateAnomaly       float64    `gorm:"not null"`
	ConnectionAnomaly float64    `gorm:"not null"`
	PatternAnomaly    float64    `gorm:"not null"`
	PersistenceFactor float64    `gorm:"not null"`
	Label             AttackType `gorm:"not null"`
	CreatedAt         time.Time  `gorm:"autoCreateTime"`
}

func (s TrainingSample) Features() []float64 {
	return []float64{s.RateAnomaly, s.ConnectionAnomaly, s.PatternAnomaly, s.PersistenceFactor}
}

// SimulationRun records the outcome of one engine run.
type SimulationRun struct {
	ID                 uint64    `gorm:"primaryKey;autoIncrement"`
	RunID              string    `gorm:"size:36;not null;uniqueIndex"`
	Seed               uint64    `gorm:"not null"`
	VirtualDuration    int64     `gorm:"not null"`
	Domains            int       `gorm:"not null"`
	TrackedUsers       int       `gorm:"not null"`
	TotalShuffles      uint64    `gorm:"not null"`
	SuccessfulShuffles uint64    `gorm:"not null"`
	AttackPackets      uint64    `gorm:"not null"`
	AttackBytes        uint64    `gorm:"not null"`
	Detections         uint64    `gorm:"not null"`
	DecisionsExecuted  uint64    `gorm:"not null"`
	EventsPublished    uint64    `gorm:"not null"`
	StartedAt          time.Time `gorm:"not null"`
	FinishedAt         time.Time `gorm:"autoCreateTime"`
}
