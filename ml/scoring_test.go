package ml

import (
	"errors"
	"testing"
)

// stubModel scores by the first feature so ordering is observable.
type stubModel struct{}

func (stubModel) Predict(features []float64) (int, float64, error) {
	prob := features[0] / 100
	label := 0
	if prob >= 0.5 {
		label = 1
	}
	return label, prob, nil
}

func validRow(userID float64) map[string]float64 {
	return map[string]float64{
		"user_id": userID, "class_id": 1, "course_id": 2, "subject_id": 3,
		"instructor_id": 4, "meeting_weekday": 1, "meeting_hour": 10,
		"user_attendance_rate": 0.75, "user_total_meetings": 4,
	}
}

func TestScoreRowsEmptyInput(t *testing.T) {
	results, err := ScoreRows(stubModel{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("want empty non-nil result, got %#v", results)
	}
}

func TestScoreRowsPreservesOrder(t *testing.T) {
	rows := []map[string]float64{validRow(70), validRow(10), validRow(55)}
	results, err := ScoreRows(stubModel{}, rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	wantUsers := []int64{70, 10, 55}
	wantLabels := []int{1, 0, 1}
	for i := range results {
		if results[i].UserID != wantUsers[i] {
			t.Errorf("result %d user = %d, want %d", i, results[i].UserID, wantUsers[i])
		}
		if results[i].Prediction != wantLabels[i] {
			t.Errorf("result %d label = %d, want %d", i, results[i].Prediction, wantLabels[i])
		}
		if results[i].Probability < 0 || results[i].Probability > 1 {
			t.Errorf("result %d probability %f out of range", i, results[i].Probability)
		}
	}
}

func TestScoreRowsMissingColumn(t *testing.T) {
	rows := []map[string]float64{validRow(1), validRow(2)}
	delete(rows[1], "user_attendance_rate")

	results, err := ScoreRows(stubModel{}, rows)
	if results != nil {
		t.Fatal("expected no partial output")
	}
	var mismatch *SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected SchemaMismatchError, got %v", err)
	}
	if mismatch.Column != "user_attendance_rate" {
		t.Errorf("error names %q, want user_attendance_rate", mismatch.Column)
	}
}

func TestScoreFeatureRows(t *testing.T) {
	rows := []FeatureRow{
		{UserID: 1, AttendanceRate: 0.9},
		{UserID: 2, AttendanceRate: 0.1},
	}
	results, err := ScoreFeatureRows(stubModel{}, rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 || results[0].UserID != 1 || results[1].UserID != 2 {
		t.Fatalf("unexpected results: %#v", results)
	}
}
