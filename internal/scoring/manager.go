// Package scoring keeps a decaying risk score per user.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"mtdbench/internal/domain"
	"mtdbench/internal/eventbus"
	"mtdbench/internal/scheduler"
)

type Weights struct {
	Alpha  float64 `json:"alpha"`
	Beta   float64 `json:"beta"`
	Gamma  float64 `json:"gamma"`
	Delta  float64 `json:"delta"`
	Lambda float64 `json:"lambda"`
}

type Thresholds struct {
	LowMax    float64 `json:"low_max"`
	MediumMax float64 `json:"medium_max"`
	HighMax   float64 `json:"high_max"`
}

var defaultWeights = Weights{
	Alpha:  0.3,
	Beta:   0.3,
	Gamma:  0.2,
	Delta:  0.2,
	Lambda: 0.1,
}

var defaultThresholds = Thresholds{
	LowMax:    0.3,
	MediumMax: 0.6,
	HighMax:   0.85,
}

func DefaultWeights() Weights { return defaultWeights }

func DefaultThresholds() Thresholds { return defaultThresholds }

var ErrThresholdOrder = errors.New("scoring: thresholds must satisfy 0 <= low < medium < high <= 1")

// ScoreFunc replaces the default scoring law. Its result is clamped to [0,1].
type ScoreFunc func(userID uint32, obs domain.DetectionObservation, current float64) float64

// ClassifyFunc replaces the default banding.
type ClassifyFunc func(userID uint32, score float64) domain.RiskLevel

// Manager is not safe for concurrent use; drive it from the scheduler timeline.
type Manager struct {
	weights    Weights
	thresholds Thresholds
	scores     map[uint32]*domain.UserScore
	clock      scheduler.Clock
	publisher  eventbus.Publisher
	scoreFn    ScoreFunc
	classifyFn ClassifyFunc
}

func NewManager(clock scheduler.Clock) *Manager {
	return &Manager{
		weights:    defaultWeights,
		thresholds: defaultThresholds,
		scores:     make(map[uint32]*domain.UserScore),
		clock:      clock,
	}
}

func (m *Manager) SetPublisher(p eventbus.Publisher) {
	m.publisher = p
}

func (m *Manager) SetWeights(w Weights) {
	m.weights = w
}

func (m *Manager) Weights() Weights {
	return m.weights
}

func (t Thresholds) Validate() error {
	if t.LowMax < 0 || t.LowMax >= t.MediumMax || t.MediumMax >= t.HighMax || t.HighMax > 1 {
		return fmt.Errorf("%w: got %.3f/%.3f/%.3f", ErrThresholdOrder, t.LowMax, t.MediumMax, t.HighMax)
	}
	return nil
}

func (m *Manager) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.thresholds = t
	return nil
}

func (m *Manager) Thresholds() Thresholds {
	return m.thresholds
}

// SetScoreFunc installs a custom scorer; nil restores the default law.
func (m *Manager) SetScoreFunc(fn ScoreFunc) {
	m.scoreFn = fn
}

// SetClassifier installs a custom banding function; nil restores the default.
func (m *Manager) SetClassifier(fn ClassifyFunc) {
	m.classifyFn = fn
}

func (m *Manager) now() time.Duration {
	if m.clock == nil {
		return 0
	}
	return m.clock.Now()
}

func (m *Manager) entry(userID uint32) *domain.UserScore {
	s, ok := m.scores[userID]
	if !ok {
		s = &domain.UserScore{UserID: userID, RiskLevel: domain.RiskLow, LastUpdate: m.now()}
		m.scores[userID] = s
	}
	return s
}

// UpdateScore folds one observation into the user's score, creating the entry
// on first use.
func (m *Manager) UpdateScore(userID uint32, obs domain.DetectionObservation) domain.UserScore {
	s := m.entry(userID)
	now := m.now()

	var next float64
	if m.scoreFn != nil {
		next = m.scoreFn(userID, obs, s.CurrentScore)
	} else {
		elapsed := now - s.LastUpdate
		next = m.decay(s.CurrentScore, elapsed) + m.observationWeight(obs)
	}
	if math.IsNaN(next) {
		log.Warn("score manager: scorer returned NaN, keeping previous score", "user", userID)
		next = s.CurrentScore
	}

	s.CurrentScore = clamp01(next)
	s.RecentObservations = append(s.RecentObservations, obs)
	if len(s.RecentObservations) > domain.MaxRecentObservations {
		s.RecentObservations = s.RecentObservations[len(s.RecentObservations)-domain.MaxRecentObservations:]
	}
	s.LastUpdate = now
	s.RiskLevel = m.classify(userID, s.CurrentScore)

	m.publish(s)
	return s.Clone()
}

func (m *Manager) observationWeight(obs domain.DetectionObservation) float64 {
	w := m.weights
	return w.Alpha*obs.RateAnomaly + w.Beta*obs.PatternAnomaly + w.Gamma*obs.PersistenceFactor
}

func (m *Manager) decay(score float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return score
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	return score * math.Exp(-m.weights.Lambda*ms/1000)
}

func (m *Manager) classify(userID uint32, score float64) domain.RiskLevel {
	if m.classifyFn != nil {
		return m.classifyFn(userID, score)
	}
	return m.ClassifyRisk(score)
}

// ClassifyRisk applies the default inclusive bands.
func (m *Manager) ClassifyRisk(score float64) domain.RiskLevel {
	switch {
	case score <= m.thresholds.LowMax:
		return domain.RiskLow
	case score <= m.thresholds.MediumMax:
		return domain.RiskMedium
	case score <= m.thresholds.HighMax:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}

// ApplyTimeDecay decays every tracked score by elapsed and marks them updated.
func (m *Manager) ApplyTimeDecay(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	now := m.now()
	for _, userID := range m.TrackedUsers() {
		s := m.scores[userID]
		s.CurrentScore = clamp01(m.decay(s.CurrentScore, elapsed))
		s.RiskLevel = m.classify(userID, s.CurrentScore)
		s.LastUpdate = now
		m.publish(s)
	}
}

// ApplyFeedback nudges a tracked score by delta*feedback, feedback clamped to [-1,1].
func (m *Manager) ApplyFeedback(userID uint32, feedback float64) bool {
	s, ok := m.scores[userID]
	if !ok {
		return false
	}
	feedback = math.Max(-1, math.Min(1, feedback))
	s.CurrentScore = clamp01(s.CurrentScore + m.weights.Delta*feedback)
	s.RiskLevel = m.classify(userID, s.CurrentScore)
	s.LastUpdate = m.now()
	m.publish(s)
	return true
}

// SetScore overwrites a user's score directly.
func (m *Manager) SetScore(userID uint32, score float64) domain.UserScore {
	s := m.entry(userID)
	if !math.IsNaN(score) {
		s.CurrentScore = clamp01(score)
	}
	s.RiskLevel = m.classify(userID, s.CurrentScore)
	s.LastUpdate = m.now()
	m.publish(s)
	return s.Clone()
}

func (m *Manager) publish(s *domain.UserScore) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(domain.NewEvent(domain.EventScoreUpdated, m.now()).
		With(domain.MetaUserID, strconv.FormatUint(uint64(s.UserID), 10)).
		With(domain.MetaScore, strconv.FormatFloat(s.CurrentScore, 'f', 4, 64)).
		With(domain.MetaRiskLevel, s.RiskLevel.String()))
}

// GetScore returns 0 for untracked users.
func (m *Manager) GetScore(userID uint32) float64 {
	if s, ok := m.scores[userID]; ok {
		return s.CurrentScore
	}
	return 0
}

// GetRiskLevel returns LOW for untracked users.
func (m *Manager) GetRiskLevel(userID uint32) domain.RiskLevel {
	if s, ok := m.scores[userID]; ok {
		return s.RiskLevel
	}
	return domain.RiskLow
}

func (m *Manager) UserScore(userID uint32) (domain.UserScore, bool) {
	s, ok := m.scores[userID]
	if !ok {
		return domain.UserScore{}, false
	}
	return s.Clone(), true
}

func (m *Manager) Scores() map[uint32]domain.UserScore {
	out := make(map[uint32]domain.UserScore, len(m.scores))
	for id, s := range m.scores {
		out[id] = s.Clone()
	}
	return out
}

func (m *Manager) UsersByRiskLevel(level domain.RiskLevel) []uint32 {
	var users []uint32
	for _, id := range m.TrackedUsers() {
		if m.scores[id].RiskLevel == level {
			users = append(users, id)
		}
	}
	return users
}

func (m *Manager) RiskDistribution() map[domain.RiskLevel]int {
	dist := make(map[domain.RiskLevel]int, 4)
	for _, level := range domain.RiskLevels() {
		dist[level] = 0
	}
	for _, s := range m.scores {
		dist[s.RiskLevel]++
	}
	return dist
}

// AverageScore is the mean score over users; untracked users count as 0.
func (m *Manager) AverageScore(userIDs []uint32) float64 {
	if len(userIDs) == 0 {
		return 0
	}
	var sum float64
	for _, id := range userIDs {
		sum += m.GetScore(id)
	}
	return sum / float64(len(userIDs))
}

func (m *Manager) ResetScore(userID uint32) bool {
	s, ok := m.scores[userID]
	if !ok {
		return false
	}
	s.CurrentScore = 0
	s.RiskLevel = m.classify(userID, 0)
	s.RecentObservations = nil
	s.LastUpdate = m.now()
	m.publish(s)
	return true
}

func (m *Manager) ClearAll() {
	m.scores = make(map[uint32]*domain.UserScore)
}

func (m *Manager) TrackedUsers() []uint32 {
	ids := make([]uint32, 0, len(m.scores))
	for id := range m.scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
