package ml

import (
	"strconv"
	"strings"
	"time"
)

// RawRow is one joined enrollment/meeting/participation record as it comes
// out of the database, before feature engineering.
type RawRow struct {
	UserID        int64
	ClassID       int64
	CourseID      int64
	SubjectID     int64
	InstructorID  int64
	MeetingID     int64
	ScheduledDay  string // "" when the meeting has no schedule match
	ScheduledTime string
	Present       bool
}

// FeatureRow is one (user, meeting) pair encoded as the nine canonical
// features. Field order mirrors FeatureNames.
type FeatureRow struct {
	UserID         int64
	ClassID        int64
	CourseID       int64
	SubjectID      int64
	InstructorID   int64
	MeetingWeekday int
	MeetingHour    int
	AttendanceRate float64
	TotalMeetings  int
}

// Vector encodes the row in schema order.
func (f FeatureRow) Vector() []float64 {
	return []float64{
		float64(f.UserID),
		float64(f.ClassID),
		float64(f.CourseID),
		float64(f.SubjectID),
		float64(f.InstructorID),
		float64(f.MeetingWeekday),
		float64(f.MeetingHour),
		f.AttendanceRate,
		float64(f.TotalMeetings),
	}
}

var dayLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"02/01/2006",
}

// ParseWeekday maps a scheduled day to 0 (Monday) through 6 (Sunday).
// Absent or unparsable input defaults to 0.
func ParseWeekday(day string) int {
	day = strings.TrimSpace(day)
	if day == "" {
		return 0
	}
	for _, layout := range dayLayouts {
		if t, err := time.Parse(layout, day); err == nil {
			// time.Weekday counts from Sunday; the model counts from Monday.
			return (int(t.Weekday()) + 6) % 7
		}
	}
	return 0
}

// ParseHour extracts the integer hour from a "HH:MM" or "HH:MM:SS" time of
// day. Absent, unparsable, or out-of-range input defaults to 0.
func ParseHour(tod string) int {
	tod = strings.TrimSpace(tod)
	if tod == "" {
		return 0
	}
	head := tod
	if idx := strings.Index(tod, ":"); idx >= 0 {
		head = tod[:idx]
	}
	hour, err := strconv.Atoi(head)
	if err != nil || hour < 0 || hour > 23 {
		return 0
	}
	return hour
}

// UserHistory is a user's aggregate attendance record.
type UserHistory struct {
	TotalMeetings    int
	AttendedMeetings int
}

// Rate returns attended/total, or the supplied fallback for users with no
// history. Training uses the global mean as fallback, serving uses 0.5.
func (h UserHistory) Rate(fallback float64) float64 {
	if h.TotalMeetings == 0 {
		return fallback
	}
	return float64(h.AttendedMeetings) / float64(h.TotalMeetings)
}

// ServingRate is the fixed fallback attendance rate at serving time, where
// the global mean is not available without a full table scan. The
// training/serving divergence is deliberate; see DESIGN.md.
const ServingRate = 0.5

// BuildTrainingSet derives the full training matrix from raw rows. Per-user
// history (attendance rate, meeting count) is computed over the rows
// themselves, matching what the training query returns: one row per
// (user, meeting) pair. Users with no history take the global mean rate.
func BuildTrainingSet(rows []RawRow) (features [][]float64, labels []int) {
	history := make(map[int64]UserHistory, len(rows))
	presentTotal := 0
	for _, row := range rows {
		h := history[row.UserID]
		h.TotalMeetings++
		if row.Present {
			h.AttendedMeetings++
			presentTotal++
		}
		history[row.UserID] = h
	}

	globalRate := 0.0
	if len(rows) > 0 {
		globalRate = float64(presentTotal) / float64(len(rows))
	}

	features = make([][]float64, 0, len(rows))
	labels = make([]int, 0, len(rows))
	for _, row := range rows {
		h := history[row.UserID]
		fr := FeatureRow{
			UserID:         row.UserID,
			ClassID:        row.ClassID,
			CourseID:       row.CourseID,
			SubjectID:      row.SubjectID,
			InstructorID:   row.InstructorID,
			MeetingWeekday: ParseWeekday(row.ScheduledDay),
			MeetingHour:    ParseHour(row.ScheduledTime),
			AttendanceRate: h.Rate(globalRate),
			TotalMeetings:  h.TotalMeetings,
		}
		features = append(features, fr.Vector())
		label := 0
		if row.Present {
			label = 1
		}
		labels = append(labels, label)
	}
	return features, labels
}
