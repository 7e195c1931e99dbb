package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"attendcast/ml"
)

// Meeting is a row of the meeting picker: meetings of active classes that
// actually have enrolled users, deduplicated by title.
type Meeting struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	ClassID int64  `json:"class_id"`
}

// EnrolledUser carries the static enrollment identifiers needed to build a
// serving-time feature row.
type EnrolledUser struct {
	UserID       int64
	CourseID     int64
	SubjectID    int64
	InstructorID int64
}

// UserStats is a user's overall attendance record, aggregated directly.
type UserStats struct {
	TotalMeetings    int     `json:"total_enrolled_meetings"`
	AttendedMeetings int     `json:"attended_meetings"`
	PresenceRate     float64 `json:"personal_presence_rate"`
}

// MeetingPerformance is one row of a user's per-meeting attendance table.
type MeetingPerformance struct {
	MeetingTitle  string  `json:"meeting_title"`
	ScheduledDay  string  `json:"scheduled_day"`
	ScheduledTime string  `json:"scheduled_time"`
	TotalAttended int     `json:"total_attended"`
	TotalEnrolled int     `json:"total_enrolled"`
	ClassRate     float64 `json:"class_attendance_rate"`
}

// AtRiskUser is a user whose overall rate fell below the caller's threshold.
type AtRiskUser struct {
	UserID           int64   `json:"user_id"`
	EnrolledMeetings int     `json:"enrolled_meetings"`
	AttendedMeetings int     `json:"attended_meetings"`
	OverallRate      float64 `json:"overall_rate"`
}

// Overview is the dashboard's system-wide summary.
type Overview struct {
	TotalUsers          int     `json:"total_users"`
	ActiveClasses       int     `json:"active_classes"`
	TotalMeetings       int     `json:"total_meetings"`
	TotalParticipations int     `json:"total_participations"`
	GlobalRate          float64 `json:"global_attendance_rate"`
}

// TrainingRun is one row of the training log.
type TrainingRun struct {
	ModelName  string    `json:"model_name"`
	Accuracy   float64   `json:"accuracy"`
	DataPoints int       `json:"data_points"`
	TrainedAt  time.Time `json:"trained_at"`
}

// TrainingRows pulls the full historical dataset: one row per enrolled
// (user, meeting) pair in active classes, with the presence label from the
// participation table and the schedule columns left nullable.
func (s *Store) TrainingRows(ctx context.Context) ([]ml.RawRow, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
        SELECT e.user_id, c.id, c.course_id, co.subject_id, c.instructor_id,
               m.id, m.scheduled_day, m.scheduled_time,
               CASE WHEN p.id IS NULL THEN 0 ELSE 1 END
        FROM enrollments e
        JOIN classes c ON c.id = e.class_id
        JOIN courses co ON co.id = c.course_id
        JOIN meetings m ON m.class_id = c.id
        LEFT JOIN participations p ON p.meeting_id = m.id AND p.user_id = e.user_id
        WHERE c.active = 'Y'
        ORDER BY e.user_id, m.id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ml.RawRow
	for rows.Next() {
		var r ml.RawRow
		var day, tod sql.NullString
		var present int
		if err := rows.Scan(&r.UserID, &r.ClassID, &r.CourseID, &r.SubjectID, &r.InstructorID,
			&r.MeetingID, &day, &tod, &present); err != nil {
			return nil, err
		}
		r.ScheduledDay = day.String
		r.ScheduledTime = tod.String
		r.Present = present == 1
		result = append(result, r)
	}
	return result, rows.Err()
}

// Meetings lists meetings that have at least one enrolled user, one row per
// distinct title (lowest meeting id wins).
func (s *Store) Meetings(ctx context.Context) ([]Meeting, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
        SELECT MIN(m.id), m.title, MIN(m.class_id)
        FROM meetings m
        JOIN classes c ON c.id = m.class_id
        JOIN enrollments e ON e.class_id = c.id
        WHERE m.title IS NOT NULL AND m.title != ''
        GROUP BY m.title`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meetings []Meeting
	for rows.Next() {
		var m Meeting
		if err := rows.Scan(&m.ID, &m.Title, &m.ClassID); err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// MeetingByID resolves a single meeting.
func (s *Store) MeetingByID(ctx context.Context, id int64) (Meeting, error) {
	var m Meeting
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, s.bind(`
        SELECT id, title, class_id FROM meetings WHERE id = ?`), id).
		Scan(&m.ID, &title, &m.ClassID)
	if err == sql.ErrNoRows {
		return m, &DataUnavailableError{What: "meeting not found"}
	}
	if err != nil {
		return m, err
	}
	m.Title = title.String
	return m, nil
}

// EnrolledUsers returns the users enrolled in a class together with the
// class's course, subject and instructor identifiers.
func (s *Store) EnrolledUsers(ctx context.Context, classID int64) ([]EnrolledUser, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
        SELECT e.user_id, c.course_id, co.subject_id, c.instructor_id
        FROM enrollments e
        JOIN classes c ON c.id = e.class_id
        JOIN courses co ON co.id = c.course_id
        WHERE c.id = ?
        ORDER BY e.user_id`), classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []EnrolledUser
	for rows.Next() {
		var u EnrolledUser
		if err := rows.Scan(&u.UserID, &u.CourseID, &u.SubjectID, &u.InstructorID); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserHistories aggregates total/attended meeting counts for a set of
// users across everything they are enrolled in.
func (s *Store) UserHistories(ctx context.Context, userIDs []int64) (map[int64]ml.UserHistory, error) {
	result := make(map[int64]ml.UserHistory, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, s.bind(`
        SELECT e.user_id, COUNT(m.id), COUNT(p.id)
        FROM enrollments e
        JOIN meetings m ON m.class_id = e.class_id
        LEFT JOIN participations p ON p.meeting_id = m.id AND p.user_id = e.user_id
        WHERE e.user_id IN (`+placeholders+`)
        GROUP BY e.user_id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var userID int64
		var h ml.UserHistory
		if err := rows.Scan(&userID, &h.TotalMeetings, &h.AttendedMeetings); err != nil {
			return nil, err
		}
		result[userID] = h
	}
	return result, rows.Err()
}

// MeetingSchedule looks up the scheduled day and start time of a meeting.
// A meeting with no schedule yields empty strings, not an error; the
// feature pipeline defaults those to weekday 0 / hour 0.
func (s *Store) MeetingSchedule(ctx context.Context, meetingID int64) (day, tod string, err error) {
	var d, t sql.NullString
	err = s.db.QueryRowContext(ctx, s.bind(`
        SELECT scheduled_day, scheduled_time FROM meetings WHERE id = ?`), meetingID).
		Scan(&d, &t)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return d.String, t.String, nil
}

// Users lists every enrolled user id.
func (s *Store) Users(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
        SELECT DISTINCT user_id FROM enrollments ORDER BY user_id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// UserOverallStats aggregates a single user's record across all meetings.
func (s *Store) UserOverallStats(ctx context.Context, userID int64) (UserStats, error) {
	var stats UserStats
	err := s.db.QueryRowContext(ctx, s.bind(`
        SELECT COUNT(m.id), COUNT(p.id)
        FROM enrollments e
        JOIN meetings m ON m.class_id = e.class_id
        LEFT JOIN participations p ON p.meeting_id = m.id AND p.user_id = e.user_id
        WHERE e.user_id = ?`), userID).
		Scan(&stats.TotalMeetings, &stats.AttendedMeetings)
	if err != nil {
		return stats, err
	}
	if stats.TotalMeetings == 0 {
		return stats, &DataUnavailableError{What: "user has no enrolled meetings"}
	}
	stats.PresenceRate = float64(stats.AttendedMeetings) / float64(stats.TotalMeetings)
	return stats, nil
}

// UserMeetingPerformance returns, for every meeting the user is enrolled
// in, the class-wide attendance for that meeting. Newest meetings first.
func (s *Store) UserMeetingPerformance(ctx context.Context, userID int64) ([]MeetingPerformance, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
        SELECT m.title, m.scheduled_day, m.scheduled_time,
               (SELECT COUNT(DISTINCT user_id) FROM participations WHERE meeting_id = m.id),
               (SELECT COUNT(*) FROM enrollments WHERE class_id = m.class_id)
        FROM enrollments e
        JOIN meetings m ON m.class_id = e.class_id
        WHERE e.user_id = ?
        ORDER BY m.id DESC`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perf []MeetingPerformance
	for rows.Next() {
		var p MeetingPerformance
		var title, day, tod sql.NullString
		if err := rows.Scan(&title, &day, &tod, &p.TotalAttended, &p.TotalEnrolled); err != nil {
			return nil, err
		}
		p.MeetingTitle = title.String
		p.ScheduledDay = orNA(day.String)
		p.ScheduledTime = orNA(shortTime(tod.String))
		if p.TotalEnrolled > 0 {
			p.ClassRate = float64(p.TotalAttended) / float64(p.TotalEnrolled)
		}
		perf = append(perf, p)
	}
	return perf, rows.Err()
}

// AtRiskUsers lists users below the attendance threshold with at least
// minMeetings enrolled, worst first.
func (s *Store) AtRiskUsers(ctx context.Context, threshold float64, minMeetings int) ([]AtRiskUser, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
        SELECT e.user_id, COUNT(m.id) AS enrolled, COUNT(p.id) AS attended
        FROM enrollments e
        JOIN meetings m ON m.class_id = e.class_id
        LEFT JOIN participations p ON p.meeting_id = m.id AND p.user_id = e.user_id
        GROUP BY e.user_id
        HAVING COUNT(m.id) >= ? AND CAST(COUNT(p.id) AS REAL) / COUNT(m.id) < ?
        ORDER BY CAST(COUNT(p.id) AS REAL) / COUNT(m.id) ASC`), minMeetings, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []AtRiskUser
	for rows.Next() {
		var u AtRiskUser
		if err := rows.Scan(&u.UserID, &u.EnrolledMeetings, &u.AttendedMeetings); err != nil {
			return nil, err
		}
		u.OverallRate = float64(u.AttendedMeetings) / float64(u.EnrolledMeetings)
		users = append(users, u)
	}
	return users, rows.Err()
}

// SystemOverview collects the dashboard headline numbers.
func (s *Store) SystemOverview(ctx context.Context) (Overview, error) {
	var o Overview
	queries := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(DISTINCT user_id) FROM enrollments`, &o.TotalUsers},
		{`SELECT COUNT(*) FROM classes WHERE active = 'Y'`, &o.ActiveClasses},
		{`SELECT COUNT(*) FROM meetings`, &o.TotalMeetings},
		{`SELECT COUNT(*) FROM participations`, &o.TotalParticipations},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return o, err
		}
	}

	var potential int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*)
        FROM enrollments e
        JOIN meetings m ON m.class_id = e.class_id`).Scan(&potential)
	if err != nil {
		return o, err
	}
	if potential > 0 {
		o.GlobalRate = float64(o.TotalParticipations) / float64(potential)
	}
	return o, nil
}

// RecordTrainingRun appends one row to the training log.
func (s *Store) RecordTrainingRun(ctx context.Context, modelName string, accuracy float64, dataPoints int) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
        INSERT INTO training_runs (model_name, accuracy, data_points, trained_at)
        VALUES (?, ?, ?, ?)`), modelName, accuracy, dataPoints, time.Now().UTC())
	return err
}

// TrainingRuns lists the training log, newest first.
func (s *Store) TrainingRuns(ctx context.Context) ([]TrainingRun, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
        SELECT model_name, accuracy, data_points, trained_at
        FROM training_runs ORDER BY trained_at DESC`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var r TrainingRun
		if err := rows.Scan(&r.ModelName, &r.Accuracy, &r.DataPoints, &r.TrainedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// shortTime trims "HH:MM:SS" to "HH:MM" for display.
func shortTime(s string) string {
	if len(s) >= 5 {
		return s[:5]
	}
	return s
}
