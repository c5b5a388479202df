package detect

import "math"

const (
	isoWindowSize  = 5
	isoNumTrees    = 100
	isoSampleSize  = 256
	isoContaminate = 0.1
)

// featurize builds the sliding-window feature vector ml/models.py's
// IsolationForestDetector._create_features constructs: the current value,
// up to isoWindowSize lagged values (zero-padded when history is short),
// then the mean/stddev/min/max of the recent window.
func featurize(history []float64, value float64) []float64 {
	feat := make([]float64, 0, 1+isoWindowSize+4)
	feat = append(feat, value)

	for i := 0; i < isoWindowSize; i++ {
		idx := len(history) - 1 - i
		if idx >= 0 {
			feat = append(feat, history[idx])
		} else {
			feat = append(feat, 0)
		}
	}

	windowStart := len(history) - isoWindowSize
	if windowStart < 0 {
		windowStart = 0
	}
	window := history[windowStart:]
	if len(window) == 0 {
		feat = append(feat, value, 0, value, value)
		return feat
	}
	mean, sd := meanStdDev(window)
	lo, hi := window[0], window[0]
	for _, v := range window {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	feat = append(feat, mean, sd, lo, hi)
	return feat
}

// scaler z-normalizes feature vectors the way sklearn's StandardScaler
// does before the ensemble sees them.
type scaler struct {
	mean []float64
	std  []float64
}

func fitScaler(rows [][]float64) *scaler {
	dims := len(rows[0])
	s := &scaler{mean: make([]float64, dims), std: make([]float64, dims)}
	for d := 0; d < dims; d++ {
		col := make([]float64, len(rows))
		for i, r := range rows {
			col[i] = r[d]
		}
		s.mean[d], s.std[d] = meanStdDev(col)
		if s.std[d] < 1e-9 {
			s.std[d] = 1
		}
	}
	return s
}

func (s *scaler) transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for d, v := range row {
		out[d] = (v - s.mean[d]) / s.std[d]
	}
	return out
}

// isoNode is one node of a random partition tree: either an internal split
// on one feature dimension, or a leaf recording the subsample size that
// reached it (used for the average-path-length correction term).
type isoNode struct {
	isLeaf    bool
	size      int
	splitDim  int
	splitVal  float64
	left      *isoNode
	right     *isoNode
}

// isoTree is one randomly grown partition tree in the ensemble.
type isoTree struct {
	root    *isoNode
	maxDept int
}

func buildTree(rows [][]float64, depth, maxDepth int, rnd *rng) *isoNode {
	if depth >= maxDepth || len(rows) <= 1 {
		return &isoNode{isLeaf: true, size: len(rows)}
	}

	dims := len(rows[0])
	dim := rnd.intn(dims)
	lo, hi := rows[0][dim], rows[0][dim]
	for _, r := range rows {
		if r[dim] < lo {
			lo = r[dim]
		}
		if r[dim] > hi {
			hi = r[dim]
		}
	}
	if lo == hi {
		return &isoNode{isLeaf: true, size: len(rows)}
	}

	split := lo + rnd.float64()*(hi-lo)
	var leftRows, rightRows [][]float64
	for _, r := range rows {
		if r[dim] < split {
			leftRows = append(leftRows, r)
		} else {
			rightRows = append(rightRows, r)
		}
	}
	if len(leftRows) == 0 || len(rightRows) == 0 {
		return &isoNode{isLeaf: true, size: len(rows)}
	}

	return &isoNode{
		splitDim: dim,
		splitVal: split,
		left:     buildTree(leftRows, depth+1, maxDepth, rnd),
		right:    buildTree(rightRows, depth+1, maxDepth, rnd),
	}
}

// pathLength walks row down the tree, returning the number of edges
// traversed plus the average-path-length correction for whatever subsample
// size remained at the leaf it landed in.
func pathLength(n *isoNode, row []float64, depth int) float64 {
	if n.isLeaf {
		return float64(depth) + cFactor(n.size)
	}
	if row[n.splitDim] < n.splitVal {
		return pathLength(n.left, row, depth+1)
	}
	return pathLength(n.right, row, depth+1)
}

// cFactor is the average path length of an unsuccessful BST search,
// the standard isolation-forest normalization term c(n).
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	nf := float64(n)
	return 2*(math.Log(nf-1)+eulerMascheroni) - 2*(nf-1)/nf
}

const eulerMascheroni = 0.5772156649015329

// Trained is the hand-rolled isolation-forest-style detector: an ensemble
// of random unbalanced binary partition trees over the lagged-feature
// vector, scored by average path length the same way sklearn's
// IsolationForest.score_samples is defined. There is no isolation-forest
// library in the dependency pack, so this is implemented directly against
// plain ensemble-of-trees math rather than imported.
type Trained struct {
	trees       []*isoTree
	scaler      *scaler
	avgPathNorm float64
	threshold   float64
}

// rng is a tiny splitmix64-based generator so training is reproducible
// without pulling in math/rand's global lock on the hot path.
type rng struct{ state uint64 }

func newRNG(seed uint64) *rng { return &rng{state: seed} }

func (r *rng) next() uint64 {
	r.state += 0x9E3779B97F4A7C15
	z := r.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

func (r *rng) float64() float64 {
	return float64(r.next()>>11) / (1 << 53)
}

func (r *rng) intn(n int) int {
	return int(r.next() % uint64(n))
}

// TrainIsolation fits an ensemble over history (one feature row per sample,
// each built from the values preceding it), requiring at least
// minTrainSamples rows, matching IsolationForestDetector.train's
// n_estimators=100, contamination=0.1 configuration.
func TrainIsolation(values []float64, seed uint64) (*Trained, error) {
	if len(values) < minTrainSamples {
		return nil, errInsufficientTraining
	}

	rows := make([][]float64, len(values))
	for i := range values {
		rows[i] = featurize(values[:i], values[i])
	}

	sc := fitScaler(rows)
	scaled := make([][]float64, len(rows))
	for i, r := range rows {
		scaled[i] = sc.transform(r)
	}

	sampleSize := isoSampleSize
	if sampleSize > len(scaled) {
		sampleSize = len(scaled)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))
	if maxDepth < 1 {
		maxDepth = 1
	}

	r := newRNG(seed)
	trees := make([]*isoTree, isoNumTrees)
	for t := 0; t < isoNumTrees; t++ {
		sample := subsample(scaled, sampleSize, r)
		trees[t] = &isoTree{root: buildTree(sample, 0, maxDepth, r), maxDept: maxDepth}
	}

	scores := make([]float64, len(scaled))
	norm := cFactor(sampleSize)
	for i, row := range scaled {
		scores[i] = anomalyScore(trees, row, norm)
	}
	threshold := quantile(scores, 1-isoContaminate)

	return &Trained{trees: trees, scaler: sc, avgPathNorm: norm, threshold: threshold}, nil
}

func subsample(rows [][]float64, size int, r *rng) [][]float64 {
	out := make([][]float64, size)
	for i := 0; i < size; i++ {
		out[i] = rows[r.intn(len(rows))]
	}
	return out
}

func anomalyScore(trees []*isoTree, row []float64, norm float64) float64 {
	var total float64
	for _, t := range trees {
		total += pathLength(t.root, row, 0)
	}
	avg := total / float64(len(trees))
	return math.Pow(2, -avg/norm)
}

func quantile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Detect scores value against the trained ensemble, using history as the
// lag context for the feature vector. A score above the threshold learned
// at train time (the contamination-quantile) is reported as anomalous,
// mirroring IsolationForestDetector.detect's prediction == -1 check.
func (t *Trained) Detect(history []float64, timestamp int64, value float64) Result {
	row := t.scaler.transform(featurize(history, value))
	score := anomalyScore(t.trees, row, t.avgPathNorm)
	return Result{
		IsAnomaly:  score > t.threshold,
		Score:      score,
		Threshold:  t.threshold,
		Timestamp:  timestamp,
		Value:      value,
		Confidence: math.Min(1, score),
	}
}
