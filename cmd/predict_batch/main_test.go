package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"attendcast/ml"
)

// trainTestModel fits a tiny forest on synthetic data and saves it.
func trainTestModel(t *testing.T) string {
	t.Helper()
	var rows []ml.RawRow
	for u := int64(1); u <= 12; u++ {
		for m := int64(1); m <= 4; m++ {
			rows = append(rows, ml.RawRow{
				UserID: u, ClassID: 1, CourseID: 1, SubjectID: 1, InstructorID: 1,
				MeetingID: m, ScheduledDay: "2024-01-01", ScheduledTime: "10:00:00",
				Present: u <= 6,
			})
		}
	}
	features, labels := ml.BuildTrainingSet(rows)
	forest := &ml.RandomForest{}
	if err := forest.Fit(features, labels, ml.ForestOptions{Trees: 10, MaxDepth: 5, MinLeaf: 1, Seed: 42}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	path := filepath.Join(t.TempDir(), "batch.model")
	if err := forest.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	return path
}

func batchRow(userID float64) map[string]float64 {
	return map[string]float64{
		"user_id": userID, "class_id": 1, "course_id": 1, "subject_id": 1,
		"instructor_id": 1, "meeting_weekday": 0, "meeting_hour": 10,
		"user_attendance_rate": 1.0, "user_total_meetings": 4,
	}
}

func TestRunEmptyInput(t *testing.T) {
	for _, input := range []string{"", "   \n", "[]"} {
		var out bytes.Buffer
		if code := run(strings.NewReader(input), &out, "does-not-matter"); code != 0 {
			t.Errorf("input %q: exit %d, want 0", input, code)
		}
		if got := strings.TrimSpace(out.String()); got != "[]" {
			t.Errorf("input %q: output %q, want []", input, got)
		}
	}
}

func TestRunScoresBatch(t *testing.T) {
	modelPath := trainTestModel(t)

	input, _ := json.Marshal([]map[string]float64{batchRow(3), batchRow(7)})
	var out bytes.Buffer
	if code := run(bytes.NewReader(input), &out, modelPath); code != 0 {
		t.Fatalf("exit %d: %s", code, out.String())
	}

	var predictions []ml.Prediction
	if err := json.Unmarshal(out.Bytes(), &predictions); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if len(predictions) != 2 {
		t.Fatalf("got %d predictions, want 2", len(predictions))
	}
	if predictions[0].UserID != 3 || predictions[1].UserID != 7 {
		t.Errorf("output order broken: %+v", predictions)
	}
	for _, p := range predictions {
		if p.Probability < 0 || p.Probability > 1 {
			t.Errorf("probability %f out of range", p.Probability)
		}
	}
}

func TestRunMissingModel(t *testing.T) {
	input, _ := json.Marshal([]map[string]float64{batchRow(1)})
	var out bytes.Buffer
	if code := run(bytes.NewReader(input), &out, filepath.Join(t.TempDir(), "absent.model")); code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	var payload errorPayload
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload %q: %v", out.String(), err)
	}
	if !payload.Error || payload.Message == "" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestRunInvalidJSON(t *testing.T) {
	var out bytes.Buffer
	if code := run(strings.NewReader("{not json"), &out, "irrelevant"); code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	var payload errorPayload
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil || !payload.Error {
		t.Errorf("expected single error object, got %q", out.String())
	}
}

func TestRunMissingColumnFailsWholeBatch(t *testing.T) {
	modelPath := trainTestModel(t)

	rows := []map[string]float64{batchRow(1), batchRow(2)}
	delete(rows[1], "meeting_hour")
	input, _ := json.Marshal(rows)

	var out bytes.Buffer
	if code := run(bytes.NewReader(input), &out, modelPath); code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	var payload errorPayload
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("expected single error object, got %q", out.String())
	}
	if !strings.Contains(payload.Message, "meeting_hour") {
		t.Errorf("message %q does not name the missing column", payload.Message)
	}
}
