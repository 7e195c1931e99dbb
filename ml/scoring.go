package ml

// Predictor is what the scoring side needs from a model: a label and a
// positive-class probability per feature vector. Satisfied by RandomForest.
type Predictor interface {
	Predict(features []float64) (int, float64, error)
}

// Prediction is one scored row. Field names match the batch boundary's wire
// format.
type Prediction struct {
	UserID      int64   `json:"user_id"`
	Probability float64 `json:"probability_of_presence"`
	Prediction  int     `json:"prediction"`
}

// ScoreRows applies the model to caller-supplied feature rows. Every row is
// validated against the canonical schema before any scoring happens, so a
// missing column fails the whole batch with no partial output. An empty
// input scores to an empty (non-nil) result. Output order matches input
// order.
func ScoreRows(model Predictor, rows []map[string]float64) ([]Prediction, error) {
	results := make([]Prediction, 0, len(rows))
	if len(rows) == 0 {
		return results, nil
	}

	vectors := make([][]float64, len(rows))
	for i, row := range rows {
		vector, err := VectorFromRow(row)
		if err != nil {
			return nil, err
		}
		vectors[i] = vector
	}

	for i, vector := range vectors {
		label, prob, err := model.Predict(vector)
		if err != nil {
			return nil, err
		}
		results = append(results, Prediction{
			UserID:      int64(rows[i]["user_id"]),
			Probability: prob,
			Prediction:  label,
		})
	}
	return results, nil
}

// ScoreFeatureRows scores already-assembled FeatureRow values. Used by the
// interactive boundary, which derives features itself from the database.
func ScoreFeatureRows(model Predictor, rows []FeatureRow) ([]Prediction, error) {
	results := make([]Prediction, 0, len(rows))
	for _, row := range rows {
		label, prob, err := model.Predict(row.Vector())
		if err != nil {
			return nil, err
		}
		results = append(results, Prediction{
			UserID:      row.UserID,
			Probability: prob,
			Prediction:  label,
		})
	}
	return results, nil
}
