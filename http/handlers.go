package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"attendcast/db"
	"attendcast/ml"
)

// ModelProvider is what the handlers need from the loaded model: scoring
// plus access to the artifact metadata. Satisfied by ml.ModelWatcher.
type ModelProvider interface {
	Predict(features []float64) (int, float64, error)
	Model() *ml.RandomForest
}

// RetrainConfig drives the in-process retrain endpoint.
type RetrainConfig struct {
	ModelPath string
	Options   ml.TrainOptions
}

// API bundles the dashboard handlers and their collaborators.
type API struct {
	store    *db.Store
	models   ModelProvider
	reloader interface{ Reload() error }
	hub      *EventHub
	logger   *zap.Logger
	retrain  RetrainConfig

	// Meeting and user listings are cheap to stale-serve; the dashboard
	// refreshes them on a 10 minute TTL just like the original UI.
	meetingCache *expirable.LRU[string, []db.Meeting]
	userCache    *expirable.LRU[string, []int64]

	collator *collate.Collator

	retrainMu      sync.Mutex
	retrainRunning bool
}

// cacheTTL matches the original dashboard's 600 second listing cache.
const cacheTTL = 10 * time.Minute

// NewAPI wires the handler set. models may be nil when no artifact exists
// yet; prediction routes then answer 503 until a model is trained.
func NewAPI(store *db.Store, models ModelProvider, hub *EventHub, retrain RetrainConfig, logger *zap.Logger) *API {
	api := &API{
		store:   store,
		models:  models,
		hub:     hub,
		logger:  logger,
		retrain: retrain,
		// Meeting titles in the source data are French; sort them the way
		// a French-speaking user expects.
		collator: collate.New(language.French, collate.IgnoreCase),
	}
	api.meetingCache = expirable.NewLRU[string, []db.Meeting](8, nil, cacheTTL)
	api.userCache = expirable.NewLRU[string, []int64](8, nil, cacheTTL)
	if w, ok := models.(interface{ Reload() error }); ok {
		api.reloader = w
	}
	return api
}

// Register binds all routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/meetings", a.handleMeetings)
	mux.HandleFunc("GET /api/meetings/{id}/predictions", a.handleMeetingPredictions)
	mux.HandleFunc("GET /api/users", a.handleUsers)
	mux.HandleFunc("GET /api/users/{id}/stats", a.handleUserStats)
	mux.HandleFunc("GET /api/users/{id}/meetings", a.handleUserMeetings)
	mux.HandleFunc("GET /api/analytics/at-risk", a.handleAtRisk)
	mux.HandleFunc("GET /api/stats/overview", a.handleOverview)
	mux.HandleFunc("GET /api/model/info", a.handleModelInfo)
	mux.HandleFunc("GET /api/model/runs", a.handleTrainingRuns)
	mux.HandleFunc("POST /api/model/retrain", a.handleRetrain)
	if a.hub != nil {
		mux.HandleFunc("GET /api/ws/events", a.hub.handleWS)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (a *API) handleMeetings(w http.ResponseWriter, r *http.Request) {
	if cached, ok := a.meetingCache.Get("all"); ok {
		respondJSON(w, cached)
		return
	}

	meetings, err := a.store.Meetings(r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}
	sort.SliceStable(meetings, func(i, j int) bool {
		return a.collator.CompareString(meetings[i].Title, meetings[j].Title) < 0
	})

	a.meetingCache.Add("all", meetings)
	respondJSON(w, meetings)
}

// handleMeetingPredictions assembles serving-time features for every user
// enrolled in the meeting's class and scores them with the loaded model.
func (a *API) handleMeetingPredictions(w http.ResponseWriter, r *http.Request) {
	if a.models == nil {
		writeError(w, http.StatusServiceUnavailable, "no trained model available, run a training first")
		return
	}

	meetingID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid meeting id")
		return
	}

	ctx := r.Context()
	meeting, err := a.store.MeetingByID(ctx, meetingID)
	if err != nil {
		a.respondError(w, err)
		return
	}

	enrolled, err := a.store.EnrolledUsers(ctx, meeting.ClassID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	if len(enrolled) == 0 {
		respondJSON(w, map[string]interface{}{
			"meeting":     meeting,
			"predictions": []ml.Prediction{},
			"message":     "no users are enrolled for this meeting",
		})
		return
	}

	userIDs := make([]int64, len(enrolled))
	for i, u := range enrolled {
		userIDs[i] = u.UserID
	}
	histories, err := a.store.UserHistories(ctx, userIDs)
	if err != nil {
		a.respondError(w, err)
		return
	}

	day, tod, err := a.store.MeetingSchedule(ctx, meetingID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	weekday := ml.ParseWeekday(day)
	hour := ml.ParseHour(tod)

	rows := make([]ml.FeatureRow, 0, len(enrolled))
	for _, u := range enrolled {
		h := histories[u.UserID]
		rows = append(rows, ml.FeatureRow{
			UserID:         u.UserID,
			ClassID:        meeting.ClassID,
			CourseID:       u.CourseID,
			SubjectID:      u.SubjectID,
			InstructorID:   u.InstructorID,
			MeetingWeekday: weekday,
			MeetingHour:    hour,
			AttendanceRate: h.Rate(ml.ServingRate),
			TotalMeetings:  h.TotalMeetings,
		})
	}

	predictions, err := ml.ScoreFeatureRows(a.models, rows)
	if err != nil {
		a.respondError(w, err)
		return
	}

	respondJSON(w, map[string]interface{}{
		"meeting":     meeting,
		"predictions": predictions,
	})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if cached, ok := a.userCache.Get("all"); ok {
		respondJSON(w, cached)
		return
	}
	users, err := a.store.Users(r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.userCache.Add("all", users)
	respondJSON(w, users)
}

func (a *API) handleUserStats(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	stats, err := a.store.UserOverallStats(r.Context(), userID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	respondJSON(w, stats)
}

func (a *API) handleUserMeetings(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	perf, err := a.store.UserMeetingPerformance(r.Context(), userID)
	if err != nil {
		a.respondError(w, err)
		return
	}
	if perf == nil {
		perf = []db.MeetingPerformance{}
	}
	respondJSON(w, perf)
}

func (a *API) handleAtRisk(w http.ResponseWriter, r *http.Request) {
	threshold := 0.6
	if v := r.URL.Query().Get("threshold"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil && t > 0 && t <= 1 {
			threshold = t
		}
	}
	minMeetings := 5
	if v := r.URL.Query().Get("min_meetings"); v != "" {
		if m, err := strconv.Atoi(v); err == nil && m > 0 {
			minMeetings = m
		}
	}

	users, err := a.store.AtRiskUsers(r.Context(), threshold, minMeetings)
	if err != nil {
		a.respondError(w, err)
		return
	}
	if users == nil {
		users = []db.AtRiskUser{}
	}
	respondJSON(w, users)
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := a.store.SystemOverview(r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}
	respondJSON(w, overview)
}

func (a *API) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	if a.models == nil {
		writeError(w, http.StatusServiceUnavailable, "no trained model available")
		return
	}
	forest := a.models.Model()
	respondJSON(w, map[string]interface{}{
		"schema":      forest.Schema,
		"trees":       len(forest.Trees),
		"threshold":   forest.Threshold,
		"trained_at":  forest.TrainedAt,
		"data_points": forest.DataPoints,
		"importances": ml.RankImportances(forest),
	})
}

func (a *API) handleTrainingRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.store.TrainingRuns(r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}
	respondJSON(w, runs)
}

// handleRetrain runs the full training procedure in-process and swaps the
// artifact. One retrain at a time; concurrent requests get a 409.
func (a *API) handleRetrain(w http.ResponseWriter, r *http.Request) {
	a.retrainMu.Lock()
	if a.retrainRunning {
		a.retrainMu.Unlock()
		writeError(w, http.StatusConflict, "a training run is already in progress")
		return
	}
	a.retrainRunning = true
	a.retrainMu.Unlock()
	defer func() {
		a.retrainMu.Lock()
		a.retrainRunning = false
		a.retrainMu.Unlock()
	}()

	if a.hub != nil {
		a.hub.Publish("retrain_started", nil)
	}

	ctx := r.Context()
	rows, err := a.store.TrainingRows(ctx)
	if err != nil {
		a.publishRetrainFailed(err)
		a.respondError(w, err)
		return
	}

	forest, eval, err := ml.Train(rows, a.retrain.Options)
	if err != nil {
		a.publishRetrainFailed(err)
		a.respondError(w, err)
		return
	}

	if err := forest.Save(a.retrain.ModelPath); err != nil {
		a.publishRetrainFailed(err)
		a.respondError(w, err)
		return
	}
	if a.reloader != nil {
		if err := a.reloader.Reload(); err != nil {
			a.publishRetrainFailed(err)
			a.respondError(w, err)
			return
		}
	}
	if err := a.store.RecordTrainingRun(ctx, "attendance_forest", eval.Accuracy, forest.DataPoints); err != nil {
		a.logger.Warn("failed to record training run", zap.Error(err))
	}

	a.logger.Info("model retrained",
		zap.Float64("accuracy", eval.Accuracy),
		zap.Int("data_points", forest.DataPoints))
	if a.hub != nil {
		a.hub.Publish("retrain_completed", map[string]interface{}{
			"accuracy":    eval.Accuracy,
			"data_points": forest.DataPoints,
		})
	}

	respondJSON(w, map[string]interface{}{
		"message":    "model retraining completed successfully",
		"evaluation": eval,
	})
}

func (a *API) publishRetrainFailed(err error) {
	a.logger.Error("retrain failed", zap.Error(err))
	if a.hub != nil {
		a.hub.Publish("retrain_failed", map[string]string{"message": err.Error()})
	}
}

// respondError maps the error taxonomy onto HTTP statuses with a single
// JSON error body per request.
func (a *API) respondError(w http.ResponseWriter, err error) {
	var unavailable *db.DataUnavailableError
	var connErr *db.ConnectionError
	var modelErr *ml.ModelUnavailableError
	var schemaErr *ml.SchemaMismatchError
	var thinData *ml.InsufficientDataError

	switch {
	case errors.As(err, &unavailable):
		writeError(w, http.StatusNotFound, unavailable.Error())
	case errors.As(err, &thinData):
		writeError(w, http.StatusConflict, thinData.Error())
	case errors.As(err, &connErr):
		writeError(w, http.StatusBadGateway, connErr.Error())
	case errors.As(err, &modelErr):
		writeError(w, http.StatusServiceUnavailable, modelErr.Error())
	case errors.As(err, &schemaErr):
		writeError(w, http.StatusInternalServerError, schemaErr.Error())
	default:
		a.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are gone by now; nothing useful left to do.
		return
	}
}
