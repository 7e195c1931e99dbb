package ml

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

// TreeNode is one node of a fitted tree, stored in a flat slice with child
// indexes so the whole tree serializes as plain JSON.
type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	Prob       float64 `json:"prob"` // weighted positive fraction at this node
	Samples    int     `json:"samples"`
	IsLeaf     bool    `json:"is_leaf"`
}

// DecisionTree is a binary gini tree over the canonical feature vector.
type DecisionTree struct {
	Nodes []TreeNode `json:"nodes"`
}

// treeOptions controls a single tree fit. The forest fills these in; the
// zero value is never used directly.
type treeOptions struct {
	maxDepth    int
	minLeaf     int
	maxFeatures int        // features sampled per split; <=0 means all
	classWeight [2]float64 // weight per label
	rng         *rand.Rand
	importances []float64 // accumulated weighted impurity decrease, may be nil
}

const maxSplitCandidates = 32

func (dt *DecisionTree) fit(features [][]float64, labels []int, opts treeOptions) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if opts.maxDepth <= 0 {
		opts.maxDepth = 10
	}
	if opts.minLeaf <= 0 {
		opts.minLeaf = 1
	}
	dt.Nodes = dt.buildNode(features, labels, 0, opts)
	return nil
}

// PredictProb walks the tree and returns the positive-class probability of
// the reached leaf.
func (dt *DecisionTree) PredictProb(features []float64) (float64, error) {
	if len(dt.Nodes) == 0 {
		return 0, errors.New("model not trained")
	}
	idx := 0
	for {
		node := dt.Nodes[idx]
		if node.IsLeaf {
			return node.Prob, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return 0, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.Nodes) {
			return 0, errors.New("invalid tree state")
		}
	}
}

func (dt *DecisionTree) buildNode(features [][]float64, labels []int, depth int, opts treeOptions) []TreeNode {
	prob := weightedPositiveFraction(labels, opts.classWeight)
	leaf := func() []TreeNode {
		return []TreeNode{{
			FeatureIdx: -1,
			LeftChild:  -1,
			RightChild: -1,
			Prob:       prob,
			Samples:    len(labels),
			IsLeaf:     true,
		}}
	}

	if depth >= opts.maxDepth || len(labels) < 2*opts.minLeaf || isPure(labels) {
		return leaf()
	}

	bestFeature, threshold, gain, ok := findBestSplit(features, labels, opts)
	if !ok {
		return leaf()
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels := splitData(features, labels, bestFeature, threshold)
	if len(leftLabels) < opts.minLeaf || len(rightLabels) < opts.minLeaf {
		return leaf()
	}

	if opts.importances != nil && bestFeature < len(opts.importances) {
		opts.importances[bestFeature] += gain * float64(len(labels))
	}

	leftNodes := dt.buildNode(leftFeatures, leftLabels, depth+1, opts)
	rightNodes := dt.buildNode(rightFeatures, rightLabels, depth+1, opts)

	root := TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
		Prob:       prob,
		Samples:    len(labels),
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, leftNodes...)
	nodes = append(nodes, rightNodes...)
	return nodes
}

// findBestSplit scans a feature subset for the threshold with the lowest
// weighted gini impurity. Returns the impurity decrease as gain.
func findBestSplit(features [][]float64, labels []int, opts treeOptions) (int, float64, float64, bool) {
	featureCount := len(features[0])
	candidates := featureCandidates(featureCount, opts.maxFeatures, opts.rng)

	parent := weightedGiniSingle(labels, opts.classWeight)
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for _, featureIdx := range candidates {
		for _, threshold := range thresholdCandidates(features, featureIdx) {
			leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
			if len(leftLabels) < opts.minLeaf || len(rightLabels) < opts.minLeaf {
				continue
			}
			impurity := weightedGini(leftLabels, rightLabels, opts.classWeight)
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature = featureIdx
				bestThreshold = threshold
			}
		}
	}
	if bestFeature == -1 || bestImpurity >= parent {
		return -1, 0, 0, false
	}
	return bestFeature, bestThreshold, parent - bestImpurity, true
}

// featureCandidates picks the features to consider at a split. With a rng
// and maxFeatures < featureCount this is the forest's random subspace.
func featureCandidates(featureCount, maxFeatures int, rng *rand.Rand) []int {
	if maxFeatures <= 0 || maxFeatures >= featureCount || rng == nil {
		all := make([]int, featureCount)
		for i := range all {
			all[i] = i
		}
		return all
	}
	perm := rng.Perm(featureCount)
	return perm[:maxFeatures]
}

// thresholdCandidates returns midpoints between distinct sorted values,
// capped so wide columns do not blow up the split search.
func thresholdCandidates(features [][]float64, featureIdx int) []float64 {
	values := make([]float64, len(features))
	for i := range features {
		values[i] = features[i][featureIdx]
	}
	sort.Float64s(values)

	distinct := values[:0]
	for i, v := range values {
		if i == 0 || v != distinct[len(distinct)-1] {
			distinct = append(distinct, v)
		}
	}
	if len(distinct) < 2 {
		return nil
	}

	step := 1
	if len(distinct)-1 > maxSplitCandidates {
		step = (len(distinct) - 1) / maxSplitCandidates
	}
	thresholds := make([]float64, 0, maxSplitCandidates)
	for i := 0; i+1 < len(distinct); i += step {
		thresholds = append(thresholds, (distinct[i]+distinct[i+1])/2)
	}
	return thresholds
}

func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	leftFeatures := make([][]float64, 0)
	leftLabels := make([]int, 0)
	rightFeatures := make([][]float64, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	leftLabels := make([]int, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftLabels, rightLabels
}

func weightedGini(leftLabels, rightLabels []int, weight [2]float64) float64 {
	leftWeight := totalWeight(leftLabels, weight)
	rightWeight := totalWeight(rightLabels, weight)
	total := leftWeight + rightWeight
	if total == 0 {
		return 0
	}
	return (leftWeight/total)*weightedGiniSingle(leftLabels, weight) +
		(rightWeight/total)*weightedGiniSingle(rightLabels, weight)
}

func weightedGiniSingle(labels []int, weight [2]float64) float64 {
	total := totalWeight(labels, weight)
	if total == 0 {
		return 0
	}
	p := sumWeight(labels, 1, weight) / total
	return 2 * p * (1 - p)
}

func weightedPositiveFraction(labels []int, weight [2]float64) float64 {
	total := totalWeight(labels, weight)
	if total == 0 {
		return 0
	}
	return sumWeight(labels, 1, weight) / total
}

func totalWeight(labels []int, weight [2]float64) float64 {
	sum := 0.0
	for _, label := range labels {
		sum += labelWeight(label, weight)
	}
	return sum
}

func sumWeight(labels []int, target int, weight [2]float64) float64 {
	sum := 0.0
	for _, label := range labels {
		if label == target {
			sum += labelWeight(label, weight)
		}
	}
	return sum
}

func labelWeight(label int, weight [2]float64) float64 {
	if weight[0] == 0 && weight[1] == 0 {
		return 1
	}
	if label == 1 {
		return weight[1]
	}
	return weight[0]
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}
