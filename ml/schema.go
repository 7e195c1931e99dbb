package ml

import "fmt"

// SchemaVersion identifies the canonical feature layout. The version is
// stored inside every model artifact and checked on load, so a model trained
// against a different layout is rejected instead of silently mispredicting.
const SchemaVersion = 1

// FeatureNames returns the canonical feature columns in model order.
// The model has no column names at inference time; this ordering is the
// single source of truth shared by training and scoring.
func FeatureNames() []string {
	return []string{
		"user_id",
		"class_id",
		"course_id",
		"subject_id",
		"instructor_id",
		"meeting_weekday",
		"meeting_hour",
		"user_attendance_rate",
		"user_total_meetings",
	}
}

// SchemaInfo is the schema descriptor persisted inside a model artifact.
type SchemaInfo struct {
	Version  int      `json:"version"`
	Features []string `json:"features"`
}

// CurrentSchema describes the layout this build derives and scores with.
func CurrentSchema() SchemaInfo {
	return SchemaInfo{Version: SchemaVersion, Features: FeatureNames()}
}

// Validate checks an artifact schema against the current one.
func (s SchemaInfo) Validate() error {
	if s.Version != SchemaVersion {
		return &SchemaMismatchError{Detail: fmt.Sprintf("artifact schema version %d, want %d", s.Version, SchemaVersion)}
	}
	names := FeatureNames()
	if len(s.Features) != len(names) {
		return &SchemaMismatchError{Detail: fmt.Sprintf("artifact has %d features, want %d", len(s.Features), len(names))}
	}
	for i, name := range names {
		if s.Features[i] != name {
			return &SchemaMismatchError{Column: name, Detail: fmt.Sprintf("feature %d is %q, want %q", i, s.Features[i], name)}
		}
	}
	return nil
}

// VectorFromRow assembles a feature vector in schema order from a named row.
// A missing column is a hard error; scoring never guesses a default.
func VectorFromRow(row map[string]float64) ([]float64, error) {
	names := FeatureNames()
	vector := make([]float64, len(names))
	for i, name := range names {
		value, ok := row[name]
		if !ok {
			return nil, &SchemaMismatchError{Column: name}
		}
		vector[i] = value
	}
	return vector, nil
}
