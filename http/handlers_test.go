package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"attendcast/db"
	"attendcast/ml"
)

// fakeModel answers a fixed probability so handler plumbing can be tested
// without a trained artifact.
type fakeModel struct{}

func (fakeModel) Predict(features []float64) (int, float64, error) { return 1, 0.8, nil }

func (fakeModel) Model() *ml.RandomForest {
	return &ml.RandomForest{
		Schema:      ml.CurrentSchema(),
		Threshold:   0.5,
		Trees:       make([]ml.DecisionTree, 3),
		Importances: make([]float64, len(ml.FeatureNames())),
		DataPoints:  42,
	}
}

func testAPI(t *testing.T, models ModelProvider) (*API, *http.ServeMux) {
	t.Helper()
	store, err := db.Open("sqlite3", filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	if err := store.InitSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	seed := []string{
		`INSERT INTO courses (id, subject_id) VALUES (1, 10)`,
		`INSERT INTO classes (id, course_id, instructor_id, active) VALUES (1, 1, 100, 'Y')`,
		`INSERT INTO classes (id, course_id, instructor_id, active) VALUES (2, 1, 100, 'Y')`,
		`INSERT INTO enrollments (user_id, class_id) VALUES (1, 1)`,
		`INSERT INTO enrollments (user_id, class_id) VALUES (2, 1)`,
		`INSERT INTO enrollments (user_id, class_id) VALUES (3, 1)`,
		`INSERT INTO meetings (id, class_id, title, scheduled_day, scheduled_time) VALUES (1, 1, 'Revue de sprint', '2024-01-02', '10:00:00')`,
		`INSERT INTO meetings (id, class_id, title, scheduled_day, scheduled_time) VALUES (2, 1, 'Atelier', '2024-01-03', '14:00:00')`,
		`INSERT INTO meetings (id, class_id, title, scheduled_day, scheduled_time) VALUES (3, 1, 'Bilan', '2024-01-04', '09:00:00')`,
		`INSERT INTO meetings (id, class_id, title, scheduled_day, scheduled_time) VALUES (9, 2, 'Sans inscrits', '2024-01-05', '11:00:00')`,
		`INSERT INTO participations (user_id, meeting_id) VALUES (1, 1)`,
		`INSERT INTO participations (user_id, meeting_id) VALUES (1, 2)`,
		`INSERT INTO participations (user_id, meeting_id) VALUES (1, 3)`,
		`INSERT INTO participations (user_id, meeting_id) VALUES (2, 1)`,
	}
	for _, q := range seed {
		if err := store.Exec(ctx, q); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	retrain := RetrainConfig{
		ModelPath: filepath.Join(t.TempDir(), "retrained.model"),
		Options: ml.TrainOptions{
			Forest:    ml.ForestOptions{Trees: 10, MaxDepth: 5, MinLeaf: 1, Seed: 42},
			TestRatio: 0.25,
			MinRows:   5,
		},
	}
	api := NewAPI(store, models, nil, retrain, zap.NewNop())
	mux := http.NewServeMux()
	api.Register(mux)
	return api, mux
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	_, mux := testAPI(t, fakeModel{})
	rec := doRequest(t, mux, http.MethodGet, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestMeetingsSortedAndCached(t *testing.T) {
	_, mux := testAPI(t, fakeModel{})
	rec := doRequest(t, mux, http.MethodGet, "/api/meetings")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var meetings []db.Meeting
	decode(t, rec, &meetings)
	if len(meetings) != 3 {
		t.Fatalf("got %d meetings, want 3 (meetings without enrollments hidden)", len(meetings))
	}
	for i := 1; i < len(meetings); i++ {
		if meetings[i-1].Title > meetings[i].Title {
			t.Errorf("titles not sorted: %q before %q", meetings[i-1].Title, meetings[i].Title)
		}
	}

	// Second read is served from cache and identical.
	again := doRequest(t, mux, http.MethodGet, "/api/meetings")
	if again.Body.String() != rec.Body.String() {
		t.Error("cached listing diverged")
	}
}

func TestMeetingPredictions(t *testing.T) {
	_, mux := testAPI(t, fakeModel{})
	rec := doRequest(t, mux, http.MethodGet, "/api/meetings/1/predictions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Meeting     db.Meeting      `json:"meeting"`
		Predictions []ml.Prediction `json:"predictions"`
	}
	decode(t, rec, &body)
	if body.Meeting.ID != 1 {
		t.Errorf("meeting id = %d", body.Meeting.ID)
	}
	if len(body.Predictions) != 3 {
		t.Fatalf("got %d predictions, want one per enrolled user", len(body.Predictions))
	}
	for _, p := range body.Predictions {
		if p.Probability != 0.8 || p.Prediction != 1 {
			t.Errorf("unexpected prediction %+v", p)
		}
	}
}

func TestMeetingPredictionsNoEnrollment(t *testing.T) {
	_, mux := testAPI(t, fakeModel{})
	rec := doRequest(t, mux, http.MethodGet, "/api/meetings/9/predictions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Predictions []ml.Prediction `json:"predictions"`
		Message     string          `json:"message"`
	}
	decode(t, rec, &body)
	if len(body.Predictions) != 0 || body.Message == "" {
		t.Errorf("want empty predictions with explanation, got %+v", body)
	}
}

func TestMeetingPredictionsNotFound(t *testing.T) {
	_, mux := testAPI(t, fakeModel{})
	rec := doRequest(t, mux, http.MethodGet, "/api/meetings/777/predictions")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestMeetingPredictionsBadID(t *testing.T) {
	_, mux := testAPI(t, fakeModel{})
	rec := doRequest(t, mux, http.MethodGet, "/api/meetings/abc/predictions")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestPredictionRoutesWithoutModel(t *testing.T) {
	_, mux := testAPI(t, nil)
	rec := doRequest(t, mux, http.MethodGet, "/api/meetings/1/predictions")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("predictions status %d, want 503", rec.Code)
	}
	rec = doRequest(t, mux, http.MethodGet, "/api/model/info")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("model info status %d, want 503", rec.Code)
	}
}

func TestUserStats(t *testing.T) {
	_, mux := testAPI(t, fakeModel{})
	rec := doRequest(t, mux, http.MethodGet, "/api/users/2/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var stats db.UserStats
	decode(t, rec, &stats)
	if stats.TotalMeetings != 3 || stats.AttendedMeetings != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/users/999/stats")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user status %d, want 404", rec.Code)
	}
}

func TestAtRiskDefaultsAndParams(t *testing.T) {
	_, mux := testAPI(t, fakeModel{})
	rec := doRequest(t, mux, http.MethodGet, "/api/analytics/at-risk?threshold=0.5&min_meetings=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var users []db.AtRiskUser
	decode(t, rec, &users)
	if len(users) != 2 {
		t.Fatalf("got %d at-risk users, want 2", len(users))
	}
	if users[0].UserID != 3 {
		t.Errorf("worst user = %+v, want user 3 first", users[0])
	}

	// Defaults require 5 meetings; nobody qualifies, body stays a JSON array.
	rec = doRequest(t, mux, http.MethodGet, "/api/analytics/at-risk")
	var none []db.AtRiskUser
	decode(t, rec, &none)
	if none == nil || len(none) != 0 {
		t.Errorf("want empty array, got %s", rec.Body.String())
	}
}

func TestOverviewEndpoint(t *testing.T) {
	_, mux := testAPI(t, fakeModel{})
	rec := doRequest(t, mux, http.MethodGet, "/api/stats/overview")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var o db.Overview
	decode(t, rec, &o)
	if o.TotalUsers != 3 || o.ActiveClasses != 2 || o.TotalMeetings != 4 {
		t.Errorf("overview = %+v", o)
	}
}

func TestModelInfo(t *testing.T) {
	_, mux := testAPI(t, fakeModel{})
	rec := doRequest(t, mux, http.MethodGet, "/api/model/info")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Trees      int     `json:"trees"`
		Threshold  float64 `json:"threshold"`
		DataPoints int     `json:"data_points"`
	}
	decode(t, rec, &body)
	if body.Trees != 3 || body.Threshold != 0.5 || body.DataPoints != 42 {
		t.Errorf("model info = %+v", body)
	}
}

func TestRetrainEndToEnd(t *testing.T) {
	api, mux := testAPI(t, fakeModel{})
	rec := doRequest(t, mux, http.MethodPost, "/api/model/retrain")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Message    string         `json:"message"`
		Evaluation *ml.Evaluation `json:"evaluation"`
	}
	decode(t, rec, &body)
	if body.Evaluation == nil || body.Evaluation.TrainRows == 0 {
		t.Fatalf("missing evaluation in %s", rec.Body.String())
	}

	// The artifact was written and is loadable.
	forest, err := ml.LoadForest(api.retrain.ModelPath)
	if err != nil {
		t.Fatalf("retrained artifact: %v", err)
	}
	if len(forest.Trees) != 10 {
		t.Errorf("artifact has %d trees, want 10", len(forest.Trees))
	}

	// The run was logged.
	runs := doRequest(t, mux, http.MethodGet, "/api/model/runs")
	var logged []db.TrainingRun
	decode(t, runs, &logged)
	if len(logged) != 1 {
		t.Fatalf("got %d training runs, want 1", len(logged))
	}
}
