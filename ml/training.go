package ml

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// TrainOptions controls a full training run.
type TrainOptions struct {
	Forest    ForestOptions
	TestRatio float64 // holdout fraction, stratified on the label
	MinRows   int     // abort below this many usable rows
}

// DefaultTrainOptions matches the production run: 25% stratified holdout,
// at least 10 rows.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{Forest: DefaultForestOptions(), TestRatio: 0.25, MinRows: 10}
}

// ClassMetrics is the per-class slice of the evaluation report.
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// FeatureImportance pairs a canonical feature name with its share of the
// ensemble's impurity decrease.
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// Evaluation is the diagnostic output of a training run. Nothing downstream
// consumes it programmatically.
type Evaluation struct {
	Accuracy    float64              `json:"accuracy"`
	Classes     map[int]ClassMetrics `json:"classes"`
	Importances []FeatureImportance  `json:"importances"`
	TrainRows   int                  `json:"train_rows"`
	TestRows    int                  `json:"test_rows"`
}

// Train fits a forest on raw rows end to end: feature derivation,
// stratified split, fit, holdout evaluation. It aborts with
// InsufficientDataError before touching any artifact when the data is too
// thin.
func Train(rows []RawRow, opts TrainOptions) (*RandomForest, *Evaluation, error) {
	if opts.MinRows <= 0 {
		opts.MinRows = DefaultTrainOptions().MinRows
	}
	if len(rows) < opts.MinRows {
		return nil, nil, &InsufficientDataError{Rows: len(rows), Min: opts.MinRows}
	}

	features, labels := BuildTrainingSet(rows)

	trainX, trainY, testX, testY := StratifiedSplit(features, labels, opts.TestRatio, opts.Forest.Seed)
	if len(trainX) == 0 {
		return nil, nil, &InsufficientDataError{Rows: len(rows), Min: opts.MinRows}
	}

	forest := &RandomForest{}
	if err := forest.Fit(trainX, trainY, opts.Forest); err != nil {
		return nil, nil, err
	}

	eval := Evaluate(forest, testX, testY)
	eval.TrainRows = len(trainX)
	eval.TestRows = len(testX)
	eval.Importances = RankImportances(forest)
	return forest, eval, nil
}

// StratifiedSplit holds out testRatio of the rows while preserving the
// label balance: each class is shuffled and split independently with the
// same seed, so repeated runs produce the same partition.
func StratifiedSplit(features [][]float64, labels []int, testRatio float64, seed int64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.25
	}

	byClass := make(map[int][]int)
	for i, label := range labels {
		byClass[label] = append(byClass[label], i)
	}
	classes := make([]int, 0, len(byClass))
	for label := range byClass {
		classes = append(classes, label)
	}
	sort.Ints(classes)

	rng := rand.New(rand.NewSource(seed))
	for _, label := range classes {
		indices := byClass[label]
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		holdout := int(float64(len(indices)) * testRatio)
		for pos, idx := range indices {
			if pos < holdout {
				testX = append(testX, features[idx])
				testY = append(testY, labels[idx])
			} else {
				trainX = append(trainX, features[idx])
				trainY = append(trainY, labels[idx])
			}
		}
	}
	return trainX, trainY, testX, testY
}

// Evaluate computes accuracy and a per-class precision/recall/F1 report on
// a holdout set.
func Evaluate(forest *RandomForest, testX [][]float64, testY []int) *Evaluation {
	eval := &Evaluation{Classes: make(map[int]ClassMetrics)}
	if len(testX) == 0 {
		return eval
	}

	correct := 0
	var tp, fp, fn [2]int
	var support [2]int
	for i, features := range testX {
		label, _, err := forest.Predict(features)
		if err != nil {
			continue
		}
		actual := clampLabel(testY[i])
		predicted := clampLabel(label)
		support[actual]++
		if predicted == actual {
			correct++
			tp[actual]++
		} else {
			fp[predicted]++
			fn[actual]++
		}
	}

	eval.Accuracy = float64(correct) / float64(len(testX))
	for c := 0; c < 2; c++ {
		var m ClassMetrics
		m.Support = support[c]
		if tp[c]+fp[c] > 0 {
			m.Precision = float64(tp[c]) / float64(tp[c]+fp[c])
		}
		if tp[c]+fn[c] > 0 {
			m.Recall = float64(tp[c]) / float64(tp[c]+fn[c])
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		eval.Classes[c] = m
	}
	return eval
}

// RankImportances returns the forest's feature importances sorted
// descending, paired with schema names.
func RankImportances(forest *RandomForest) []FeatureImportance {
	names := FeatureNames()
	ranked := make([]FeatureImportance, 0, len(names))
	for i, name := range names {
		importance := 0.0
		if i < len(forest.Importances) {
			importance = forest.Importances[i]
		}
		ranked = append(ranked, FeatureImportance{Feature: name, Importance: importance})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Importance > ranked[j].Importance
	})
	return ranked
}

// Report renders the evaluation for the training log, in the shape of a
// classification report.
func (e *Evaluation) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "accuracy: %.4f (train=%d test=%d)\n", e.Accuracy, e.TrainRows, e.TestRows)
	classNames := map[int]string{0: "absent", 1: "present"}
	for _, c := range []int{0, 1} {
		m := e.Classes[c]
		fmt.Fprintf(&b, "%-8s precision=%.3f recall=%.3f f1=%.3f support=%d\n",
			classNames[c], m.Precision, m.Recall, m.F1, m.Support)
	}
	b.WriteString("feature importances:\n")
	for _, imp := range e.Importances {
		fmt.Fprintf(&b, "  %-22s %.4f\n", imp.Feature, imp.Importance)
	}
	return b.String()
}

func clampLabel(label int) int {
	if label == 1 {
		return 1
	}
	return 0
}
