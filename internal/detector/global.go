package detector

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"mtdbench/internal/domain"
)

// FeatureCount is the length of the classifier's feature vector:
// rate, connection, pattern, persistence.
const FeatureCount = 4

const maxPredictionLog = 1000

var defaultCentroids = []struct {
	label    domain.AttackType
	centroid []float64
}{
	{domain.AttackNone, []float64{0, 0, 0, 0}},
	{domain.AttackDoS, []float64{0.8, 0.3, 0.7, 0.5}},
	{domain.AttackSYNFlood, []float64{0.6, 0.9, 0.8, 0.6}},
	{domain.AttackUDPFlood, []float64{0.9, 0.2, 0.8, 0.4}},
	{domain.AttackHTTPFlood, []float64{0.7, 0.5, 0.6, 0.7}},
	{domain.AttackProbe, []float64{0.3, 0.4, 0.5, 0.8}},
	{domain.AttackPortScan, []float64{0.4, 0.6, 0.4, 0.3}},
}

var ErrNoSamples = errors.New("detector: no training samples loaded")

type Prediction struct {
	Features   []float64         `json:"features"`
	Label      domain.AttackType `json:"label"`
	Distance   float64           `json:"distance"`
	Confidence float64           `json:"confidence"`
}

// GlobalDetector is a nearest-centroid classifier. It starts from a built-in
// centroid table that a successful Train replaces with one built from the data.
type GlobalDetector struct {
	labels      []domain.AttackType
	centroids   map[domain.AttackType][]float64
	samples     []domain.TrainingSample
	trained     bool
	predictions []Prediction
}

func NewGlobalDetector() *GlobalDetector {
	d := &GlobalDetector{}
	d.resetCentroids()
	return d
}

func (d *GlobalDetector) resetCentroids() {
	d.labels = d.labels[:0]
	d.centroids = make(map[domain.AttackType][]float64, len(defaultCentroids))
	for _, c := range defaultCentroids {
		d.labels = append(d.labels, c.label)
		d.centroids[c.label] = append([]float64(nil), c.centroid...)
	}
}

func (d *GlobalDetector) AddSample(features []float64, label domain.AttackType) error {
	if len(features) != FeatureCount {
		return fmt.Errorf("detector: sample has %d features, want %d", len(features), FeatureCount)
	}
	d.samples = append(d.samples, domain.TrainingSample{
		RateAnomaly:       features[0],
		ConnectionAnomaly: features[1],
		PatternAnomaly:    features[2],
		PersistenceFactor: features[3],
		Label:             label,
	})
	return nil
}

func (d *GlobalDetector) LoadSamples(samples []domain.TrainingSample) {
	d.samples = append(d.samples, samples...)
}

// LoadCSV reads rows of four feature columns followed by a label column. The
// label may be a name (DOS, SYN_FLOOD, ...) or its numeric value. A header row
// is skipped.
func (d *GlobalDetector) LoadCSV(r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = FeatureCount + 1
	reader.TrimLeadingSpace = true

	loaded := 0
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return loaded, fmt.Errorf("detector: read csv line %d: %w", line, err)
		}

		features := make([]float64, FeatureCount)
		valid := true
		for i := 0; i < FeatureCount; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
			if err != nil {
				valid = false
				break
			}
			features[i] = v
		}
		if !valid {
			if line == 1 {
				continue
			}
			return loaded, fmt.Errorf("detector: invalid feature on csv line %d", line)
		}

		label, ok := parseLabel(record[FeatureCount])
		if !ok {
			return loaded, fmt.Errorf("detector: unknown label %q on csv line %d", record[FeatureCount], line)
		}
		if err := d.AddSample(features, label); err != nil {
			return loaded, err
		}
		loaded++
	}

	log.Info("global detector: dataset loaded", "samples", loaded)
	return loaded, nil
}

func parseLabel(raw string) (domain.AttackType, bool) {
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		if n < 0 || n > int(domain.AttackCustom) {
			return domain.AttackNone, false
		}
		return domain.AttackType(n), true
	}
	return domain.ParseAttackType(raw)
}

// Train averages the loaded samples per label. The built-in centroids are
// discarded, so afterwards only labels present in the samples can be returned.
func (d *GlobalDetector) Train() error {
	if len(d.samples) == 0 {
		return ErrNoSamples
	}

	sums := make(map[domain.AttackType][]float64)
	counts := make(map[domain.AttackType]int)
	for _, s := range d.samples {
		sum, ok := sums[s.Label]
		if !ok {
			sum = make([]float64, FeatureCount)
			sums[s.Label] = sum
		}
		for i, v := range s.Features() {
			sum[i] += v
		}
		counts[s.Label]++
	}

	d.labels = d.labels[:0]
	d.centroids = make(map[domain.AttackType][]float64, len(sums))
	for label := domain.AttackNone; label <= domain.AttackCustom; label++ {
		sum, ok := sums[label]
		if !ok {
			continue
		}
		for i := range sum {
			sum[i] /= float64(counts[label])
		}
		d.labels = append(d.labels, label)
		d.centroids[label] = sum
	}
	d.trained = true

	log.Info("global detector: trained", "samples", len(d.samples), "labels", len(sums))
	return nil
}

func (d *GlobalDetector) IsTrained() bool { return d.trained }

func (d *GlobalDetector) SampleCount() int { return len(d.samples) }

// Samples returns a copy of the loaded training data.
func (d *GlobalDetector) Samples() []domain.TrainingSample {
	return append([]domain.TrainingSample(nil), d.samples...)
}

// Classify returns the label whose centroid is nearest; ties go to the label
// listed first. Vectors of the wrong length classify as NONE.
func (d *GlobalDetector) Classify(features []float64) domain.AttackType {
	label, _ := d.nearest(features)
	return label
}

func (d *GlobalDetector) nearest(features []float64) (domain.AttackType, float64) {
	if len(features) != FeatureCount {
		return domain.AttackNone, math.Inf(1)
	}
	best := domain.AttackNone
	bestDist := math.Inf(1)
	for _, label := range d.labels {
		if dist := euclidean(features, d.centroids[label]); dist < bestDist {
			best, bestDist = label, dist
		}
	}
	return best, bestDist
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// Predict classifies an observation and records it in the prediction log.
func (d *GlobalDetector) Predict(obs domain.DetectionObservation) (domain.AttackType, float64) {
	features := obs.Features()
	label, dist := d.nearest(features)
	confidence := 1 / (1 + dist)

	d.predictions = append(d.predictions, Prediction{
		Features:   features,
		Label:      label,
		Distance:   dist,
		Confidence: confidence,
	})
	if len(d.predictions) > maxPredictionLog {
		d.predictions = d.predictions[len(d.predictions)-maxPredictionLog:]
	}
	return label, confidence
}

func (d *GlobalDetector) BatchPredict(observations []domain.DetectionObservation) []domain.AttackType {
	out := make([]domain.AttackType, len(observations))
	for i, obs := range observations {
		out[i], _ = d.Predict(obs)
	}
	return out
}

func (d *GlobalDetector) PredictionLog() []Prediction {
	return append([]Prediction(nil), d.predictions...)
}

// ClassificationReport counts logged predictions per label.
func (d *GlobalDetector) ClassificationReport() map[domain.AttackType]int {
	report := make(map[domain.AttackType]int)
	for _, p := range d.predictions {
		report[p.Label]++
	}
	return report
}

func (d *GlobalDetector) Centroid(label domain.AttackType) ([]float64, bool) {
	c, ok := d.centroids[label]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), c...), true
}
