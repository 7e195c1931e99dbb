package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// ForestOptions are the tunables of a forest fit.
type ForestOptions struct {
	Trees    int
	MaxDepth int
	MinLeaf  int
	Seed     int64
}

// DefaultForestOptions mirrors the production training configuration:
// a large balanced ensemble with a min-leaf regularizer against rare
// user/meeting combinations.
func DefaultForestOptions() ForestOptions {
	return ForestOptions{Trees: 150, MaxDepth: 12, MinLeaf: 5, Seed: 42}
}

// RandomForest is a bagged ensemble of probability trees plus everything the
// scoring side needs to reproduce a prediction: the feature schema, the
// decision threshold, and diagnostic metadata. The whole struct is the
// persisted artifact.
type RandomForest struct {
	Schema      SchemaInfo     `json:"schema"`
	Threshold   float64        `json:"threshold"`
	Trees       []DecisionTree `json:"trees"`
	Importances []float64      `json:"importances"`
	TrainedAt   time.Time      `json:"trained_at"`
	DataPoints  int            `json:"data_points"`
	Options     ForestOptions  `json:"options"`
}

// Fit trains the ensemble. Trees are fitted in parallel across cores; each
// tree owns a rand.Rand seeded from Seed and its index, so the fitted model
// is identical regardless of scheduling.
func (rf *RandomForest) Fit(features [][]float64, labels []int, opts ForestOptions) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if opts.Trees <= 0 {
		opts.Trees = DefaultForestOptions().Trees
	}

	weight := balancedClassWeights(labels)
	featureCount := len(features[0])
	maxFeatures := int(math.Ceil(math.Sqrt(float64(featureCount))))

	rf.Schema = CurrentSchema()
	rf.Threshold = 0.5
	rf.Trees = make([]DecisionTree, opts.Trees)
	rf.TrainedAt = time.Now().UTC()
	rf.DataPoints = len(features)
	rf.Options = opts

	importances := make([][]float64, opts.Trees)

	workers := runtime.NumCPU()
	if workers > opts.Trees {
		workers = opts.Trees
	}
	jobs := make(chan int)
	errs := make([]error, opts.Trees)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				rng := rand.New(rand.NewSource(opts.Seed + int64(idx)))
				sampleX, sampleY := bootstrapSample(features, labels, rng)
				imp := make([]float64, featureCount)
				errs[idx] = rf.Trees[idx].fit(sampleX, sampleY, treeOptions{
					maxDepth:    opts.MaxDepth,
					minLeaf:     opts.MinLeaf,
					maxFeatures: maxFeatures,
					classWeight: weight,
					rng:         rng,
					importances: imp,
				})
				importances[idx] = imp
			}
		}()
	}
	for i := 0; i < opts.Trees; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	rf.Importances = aggregateImportances(importances, featureCount)
	return nil
}

// Predict returns the binary label and positive-class probability for one
// feature vector. The label is 1 iff probability >= the model threshold.
func (rf *RandomForest) Predict(features []float64) (int, float64, error) {
	if len(rf.Trees) == 0 {
		return 0, 0, errors.New("model not trained")
	}
	sum := 0.0
	for i := range rf.Trees {
		p, err := rf.Trees[i].PredictProb(features)
		if err != nil {
			return 0, 0, err
		}
		sum += p
	}
	prob := sum / float64(len(rf.Trees))
	label := 0
	if prob >= rf.Threshold {
		label = 1
	}
	return label, prob, nil
}

// Save writes the artifact atomically: a temp file in the target directory
// followed by a rename, so a crashed run never clobbers a usable model.
func (rf *RandomForest) Save(path string) error {
	if len(rf.Trees) == 0 {
		return errors.New("model not trained")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	payload, err := json.Marshal(rf)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadForest reads an artifact and verifies its schema against the current
// one. Any failure comes back as a ModelUnavailableError or
// SchemaMismatchError, never a partial model.
func LoadForest(path string) (*RandomForest, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, &ModelUnavailableError{Path: path, Err: err}
	}
	var rf RandomForest
	if err := json.Unmarshal(payload, &rf); err != nil {
		return nil, &ModelUnavailableError{Path: path, Err: fmt.Errorf("corrupt artifact: %w", err)}
	}
	if len(rf.Trees) == 0 {
		return nil, &ModelUnavailableError{Path: path, Err: errors.New("artifact contains no trees")}
	}
	if err := rf.Schema.Validate(); err != nil {
		return nil, err
	}
	if rf.Threshold <= 0 || rf.Threshold >= 1 {
		rf.Threshold = 0.5
	}
	return &rf, nil
}

// balancedClassWeights weights each class inversely to its frequency,
// sklearn "balanced" style: n / (k * count[c]).
func balancedClassWeights(labels []int) [2]float64 {
	var counts [2]int
	for _, label := range labels {
		if label == 1 {
			counts[1]++
		} else {
			counts[0]++
		}
	}
	n := float64(len(labels))
	var weight [2]float64
	for c := 0; c < 2; c++ {
		if counts[c] > 0 {
			weight[c] = n / (2 * float64(counts[c]))
		}
	}
	return weight
}

func bootstrapSample(features [][]float64, labels []int, rng *rand.Rand) ([][]float64, []int) {
	n := len(features)
	sampleX := make([][]float64, n)
	sampleY := make([]int, n)
	for i := 0; i < n; i++ {
		j := rng.Intn(n)
		sampleX[i] = features[j]
		sampleY[i] = labels[j]
	}
	return sampleX, sampleY
}

func aggregateImportances(perTree [][]float64, featureCount int) []float64 {
	total := make([]float64, featureCount)
	sum := 0.0
	for _, imp := range perTree {
		for i, v := range imp {
			total[i] += v
			sum += v
		}
	}
	if sum > 0 {
		for i := range total {
			total[i] /= sum
		}
	}
	return total
}
