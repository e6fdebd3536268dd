package detector

import (
	"errors"
	"strings"
	"testing"

	"mtdbench/internal/domain"
)

func TestDefaultCentroidsClassify(t *testing.T) {
	d := NewGlobalDetector()

	tests := []struct {
		features []float64
		want     domain.AttackType
	}{
		{[]float64{0, 0, 0, 0}, domain.AttackNone},
		{[]float64{0.82, 0.3, 0.7, 0.5}, domain.AttackDoS},
		{[]float64{0.6, 0.95, 0.8, 0.6}, domain.AttackSYNFlood},
		{[]float64{0.3, 0.4, 0.5, 0.85}, domain.AttackProbe},
		{[]float64{1, 2}, domain.AttackNone},
	}
	for _, tc := range tests {
		if got := d.Classify(tc.features); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.features, got, tc.want)
		}
	}
	if d.IsTrained() {
		t.Fatal("detector reports trained before Train")
	}
}

func TestTrainWithoutSamples(t *testing.T) {
	if err := NewGlobalDetector().Train(); !errors.Is(err, ErrNoSamples) {
		t.Fatalf("Train() error = %v, want ErrNoSamples", err)
	}
}

func TestTrainReplacesCentroidTable(t *testing.T) {
	d := NewGlobalDetector()
	_ = d.AddSample([]float64{0.2, 0.2, 0.2, 0.2}, domain.AttackHTTPFlood)
	_ = d.AddSample([]float64{0.4, 0.4, 0.4, 0.4}, domain.AttackHTTPFlood)

	if err := d.Train(); err != nil {
		t.Fatalf("Train() returned error: %v", err)
	}

	centroid, _ := d.Centroid(domain.AttackHTTPFlood)
	for i, v := range centroid {
		if v < 0.2999 || v > 0.3001 {
			t.Fatalf("HTTP_FLOOD centroid[%d] = %f, want 0.3", i, v)
		}
	}
	if _, ok := d.Centroid(domain.AttackDoS); ok {
		t.Fatal("DOS centroid survived training without DOS samples")
	}
	if got := d.Classify([]float64{0.31, 0.29, 0.3, 0.3}); got != domain.AttackHTTPFlood {
		t.Fatalf("Classify near trained centroid = %s, want HTTP_FLOOD", got)
	}
}

func TestTrainedClassifierOnlyReturnsTrainedLabels(t *testing.T) {
	d := NewGlobalDetector()
	_ = d.AddSample([]float64{0.05, 0.05, 0, 0}, domain.AttackNone)
	_ = d.AddSample([]float64{0.8, 0.3, 0.7, 0.5}, domain.AttackDoS)

	if err := d.Train(); err != nil {
		t.Fatalf("Train() returned error: %v", err)
	}

	// Sits on the built-in SYN_FLOOD centroid.
	if got := d.Classify([]float64{0.6, 0.9, 0.8, 0.6}); got != domain.AttackDoS {
		t.Fatalf("Classify after training = %s, want DOS", got)
	}
	for _, label := range []domain.AttackType{domain.AttackSYNFlood, domain.AttackUDPFlood, domain.AttackProbe} {
		if _, ok := d.Centroid(label); ok {
			t.Fatalf("untrained label %s still has a centroid", label)
		}
	}
}

func TestLoadCSVSkipsHeaderAndParsesLabels(t *testing.T) {
	data := strings.Join([]string{
		"rate,conn,pattern,persistence,label",
		"0.9,0.1,0.9,0.5,UDP_FLOOD",
		"0.1,0.1,0.1,0.9,5",
	}, "\n")

	d := NewGlobalDetector()
	n, err := d.LoadCSV(strings.NewReader(data))
	if err != nil {
		t.Fatalf("LoadCSV returned error: %v", err)
	}
	if n != 2 || d.SampleCount() != 2 {
		t.Fatalf("loaded %d samples (count %d), want 2", n, d.SampleCount())
	}

	if _, err := d.LoadCSV(strings.NewReader("0.1,0.1,0.1,0.1,NOT_A_LABEL")); err == nil {
		t.Fatal("LoadCSV accepted an unknown label")
	}
}

func TestPredictLogsAndReports(t *testing.T) {
	d := NewGlobalDetector()
	observations := []domain.DetectionObservation{
		{},
		{RateAnomaly: 0.8, ConnectionAnomaly: 0.3, PatternAnomaly: 0.7, PersistenceFactor: 0.5},
		{RateAnomaly: 0.8, ConnectionAnomaly: 0.3, PatternAnomaly: 0.7, PersistenceFactor: 0.5},
	}

	labels := d.BatchPredict(observations)
	if labels[0] != domain.AttackNone || labels[1] != domain.AttackDoS {
		t.Fatalf("BatchPredict = %v", labels)
	}

	log := d.PredictionLog()
	if len(log) != 3 || log[1].Confidence != 1 {
		t.Fatalf("prediction log = %+v, want 3 entries with exact match confidence 1", log)
	}

	report := d.ClassificationReport()
	if report[domain.AttackDoS] != 2 || report[domain.AttackNone] != 1 {
		t.Fatalf("ClassificationReport() = %v", report)
	}
}
