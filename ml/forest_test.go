package ml

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// syntheticRows builds a dataset with real signal: users with ids below the
// cutoff attend everything, the rest skip everything.
func syntheticRows(users, meetings int, cutoff int64) []RawRow {
	days := []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"}
	times := []string{"08:00:00", "10:00:00", "14:30:00"}
	var rows []RawRow
	for u := 1; u <= users; u++ {
		for m := 1; m <= meetings; m++ {
			rows = append(rows, RawRow{
				UserID:        int64(u),
				ClassID:       int64(1 + m%3),
				CourseID:      int64(1 + m%2),
				SubjectID:     int64(1 + u%4),
				InstructorID:  int64(1 + m%5),
				MeetingID:     int64(m),
				ScheduledDay:  days[m%len(days)],
				ScheduledTime: times[m%len(times)],
				Present:       int64(u) <= cutoff,
			})
		}
	}
	return rows
}

func smallOptions() ForestOptions {
	return ForestOptions{Trees: 15, MaxDepth: 6, MinLeaf: 2, Seed: 42}
}

func TestForestPredictionBounds(t *testing.T) {
	features, labels := BuildTrainingSet(syntheticRows(20, 8, 10))

	forest := &RandomForest{}
	if err := forest.Fit(features, labels, smallOptions()); err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	for i, f := range features {
		label, prob, err := forest.Predict(f)
		if err != nil {
			t.Fatalf("predict row %d: %v", i, err)
		}
		if prob < 0 || prob > 1 {
			t.Errorf("row %d probability %f out of [0,1]", i, prob)
		}
		if label != 0 && label != 1 {
			t.Errorf("row %d label %d not in {0,1}", i, label)
		}
		wantLabel := 0
		if prob >= forest.Threshold {
			wantLabel = 1
		}
		if label != wantLabel {
			t.Errorf("row %d label %d inconsistent with prob %f and threshold %f", i, label, prob, forest.Threshold)
		}
	}
}

// Training twice on identical input with the same seed must yield identical
// predictions, regardless of how the parallel tree fits get scheduled.
func TestForestDeterminism(t *testing.T) {
	features, labels := BuildTrainingSet(syntheticRows(16, 6, 8))

	first := &RandomForest{}
	if err := first.Fit(features, labels, smallOptions()); err != nil {
		t.Fatalf("first fit failed: %v", err)
	}
	second := &RandomForest{}
	if err := second.Fit(features, labels, smallOptions()); err != nil {
		t.Fatalf("second fit failed: %v", err)
	}

	for i, f := range features {
		l1, p1, err := first.Predict(f)
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		l2, p2, err := second.Predict(f)
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if l1 != l2 || math.Abs(p1-p2) > 1e-12 {
			t.Fatalf("row %d diverged: (%d, %f) vs (%d, %f)", i, l1, p1, l2, p2)
		}
	}
}

func TestForestSaveLoadRoundTrip(t *testing.T) {
	features, labels := BuildTrainingSet(syntheticRows(12, 5, 6))

	forest := &RandomForest{}
	if err := forest.Fit(features, labels, smallOptions()); err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "attendance.model")
	if err := forest.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := LoadForest(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.Trees) != len(forest.Trees) {
		t.Fatalf("loaded %d trees, want %d", len(loaded.Trees), len(forest.Trees))
	}

	for i, f := range features {
		l1, p1, _ := forest.Predict(f)
		l2, p2, err := loaded.Predict(f)
		if err != nil {
			t.Fatalf("loaded predict: %v", err)
		}
		if l1 != l2 || math.Abs(p1-p2) > 1e-12 {
			t.Fatalf("row %d: loaded model diverged", i)
		}
	}
}

func TestLoadForestMissing(t *testing.T) {
	_, err := LoadForest(filepath.Join(t.TempDir(), "nope.model"))
	var unavailable *ModelUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ModelUnavailableError, got %v", err)
	}
}

func TestLoadForestCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.model")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadForest(path)
	var unavailable *ModelUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ModelUnavailableError, got %v", err)
	}
}

func TestLoadForestSchemaMismatch(t *testing.T) {
	features, labels := BuildTrainingSet(syntheticRows(12, 5, 6))
	forest := &RandomForest{}
	if err := forest.Fit(features, labels, smallOptions()); err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	forest.Schema.Features = append([]string(nil), forest.Schema.Features...)
	forest.Schema.Features[7] = "renamed_column"

	path := filepath.Join(t.TempDir(), "stale.model")
	if err := forest.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	_, err := LoadForest(path)
	var mismatch *SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected SchemaMismatchError, got %v", err)
	}
}

func TestBalancedClassWeights(t *testing.T) {
	weights := balancedClassWeights([]int{1, 1, 1, 0})
	// 4 rows, 1 negative: w0 = 4/(2*1) = 2, w1 = 4/(2*3).
	if math.Abs(weights[0]-2.0) > 1e-9 {
		t.Errorf("w0 = %f, want 2", weights[0])
	}
	if math.Abs(weights[1]-4.0/6.0) > 1e-9 {
		t.Errorf("w1 = %f, want 2/3", weights[1])
	}
}
