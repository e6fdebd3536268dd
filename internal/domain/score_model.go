package domain

import (
	"strings"
	"time"
)

type RiskLevel uint8

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskLevelNames = [...]string{
	RiskLow:      "LOW",
	RiskMedium:   "MEDIUM",
	RiskHigh:     "HIGH",
	RiskCritical: "CRITICAL",
}

func (r RiskLevel) String() string {
	if int(r) < len(riskLevelNames) {
		return riskLevelNames[r]
	}
	return "UNKNOWN"
}

func RiskLevels() []RiskLevel {
	return []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}
}

func ParseRiskLevel(raw string) (RiskLevel, bool) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	for i, name := range riskLevelNames {
		if name == raw {
			return RiskLevel(i), true
		}
	}
	return RiskLow, false
}

// Elevated is true for HIGH and CRITICAL.
func (r RiskLevel) Elevated() bool {
	return r >= RiskHigh
}

const MaxRecentObservations = 10

type UserScore struct {
	UserID             uint32                 `json:"user_id"`
	CurrentScore       float64                `json:"current_score"`
	RiskLevel          RiskLevel              `json:"risk_level"`
	RecentObservations []DetectionObservation `json:"recent_observations"`
	LastUpdate         time.Duration          `json:"last_update"`
}

func (s UserScore) Clone() UserScore {
	s.RecentObservations = append([]DetectionObservation(nil), s.RecentObservations...)
	return s
}
