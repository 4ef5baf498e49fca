package software

import (
	"github.com/spaghettifunk/rtcore/engine/math"
)

const (
	bvhBins = 16
	// Leaves stop splitting below this many primitives.
	bvhMinSplit = 3
	// Work lists smaller than this are scored on the calling goroutine.
	bvhParallelThreshold = 512
)

// bvhNode is an interior node when count == 0, in which case the children
// are stored at first and first+1. Leaves reference count primitives
// starting at first in the reordered primitive list.
type bvhNode struct {
	bounds math.Extents3D
	first  uint32
	count  uint32
}

func (n *bvhNode) isLeaf() bool {
	return n.count > 0
}

type bvhPrimitive struct {
	bounds math.Extents3D
	center math.Vec3
	index  uint32
}

type bvhSplitCandidate struct {
	axis       int
	bin        int
	leftCount  int
	rightCount int
	score      float32
}

type bvhBuilder struct {
	prims     []bvhPrimitive
	nodes     []bvhNode
	scoreChan chan bvhSplitCandidate
	maxDepth  int
}

// buildBVH partitions prims with a binned surface area heuristic: score =
// primitives * bounds surface area per side. It returns the node list (root
// at index 0) and the primitive indices in leaf order.
func buildBVH(prims []bvhPrimitive) ([]bvhNode, []uint32) {
	b := &bvhBuilder{
		prims:     prims,
		nodes:     make([]bvhNode, 1, max(2*len(prims)-1, 1)),
		scoreChan: make(chan bvhSplitCandidate, 3),
	}
	if len(prims) > 0 {
		b.partition(0, 0, len(prims), 0)
	}
	order := make([]uint32, len(prims))
	for i := range prims {
		order[i] = prims[i].index
	}
	return b.nodes, order
}

func (b *bvhBuilder) partition(nodeIndex, first, count, depth int) {
	if depth > b.maxDepth {
		b.maxDepth = depth
	}
	work := b.prims[first : first+count]

	bounds := math.NewEmptyExtents()
	centroids := math.NewEmptyExtents()
	for i := range work {
		bounds = bounds.Grow(work[i].bounds)
		centroids = centroids.GrowPoint(work[i].center)
	}
	node := &b.nodes[nodeIndex]
	node.bounds = bounds

	makeLeaf := func() {
		node := &b.nodes[nodeIndex]
		node.first = uint32(first)
		node.count = uint32(count)
	}
	if count < bvhMinSplit {
		makeLeaf()
		return
	}

	bestScore := float32(count) * bounds.SurfaceArea()
	var best *bvhSplitCandidate

	// Score each axis, in parallel for large work lists.
	pending := 0
	parallel := count >= bvhParallelThreshold
	for axis := 0; axis < 3; axis++ {
		if centroids.Max.Axis(axis)-centroids.Min.Axis(axis) < 1e-6 {
			continue
		}
		if parallel {
			pending++
			go func(axis int) {
				b.scoreChan <- scoreAxis(work, centroids, axis)
			}(axis)
			continue
		}
		c := scoreAxis(work, centroids, axis)
		if c.score < bestScore {
			bestScore = c.score
			best = &c
		}
	}
	for ; pending > 0; pending-- {
		c := <-b.scoreChan
		if c.score < bestScore {
			bestScore = c.score
			best = &c
		}
	}

	// No split improves on the leaf cost.
	if best == nil {
		makeLeaf()
		return
	}

	// Partition in place around the chosen bin.
	i, j := 0, len(work)-1
	for i <= j {
		if binOf(work[i].center, centroids, best.axis) < best.bin {
			i++
			continue
		}
		work[i], work[j] = work[j], work[i]
		j--
	}
	leftCount := i

	left := len(b.nodes)
	b.nodes = append(b.nodes, bvhNode{}, bvhNode{})
	b.nodes[nodeIndex].first = uint32(left)
	b.nodes[nodeIndex].count = 0

	b.partition(left, first, leftCount, depth+1)
	b.partition(left+1, first+leftCount, count-leftCount, depth+1)
}

func binOf(center math.Vec3, centroids math.Extents3D, axis int) int {
	lo := centroids.Min.Axis(axis)
	extent := centroids.Max.Axis(axis) - lo
	bin := int(float32(bvhBins) * (center.Axis(axis) - lo) / extent)
	return math.Clamp(bin, 0, bvhBins-1)
}

// scoreAxis evaluates every bin boundary on one axis and returns the best.
func scoreAxis(work []bvhPrimitive, centroids math.Extents3D, axis int) bvhSplitCandidate {
	var counts [bvhBins]int
	var bins [bvhBins]math.Extents3D
	for i := range bins {
		bins[i] = math.NewEmptyExtents()
	}
	for i := range work {
		k := binOf(work[i].center, centroids, axis)
		counts[k]++
		bins[k] = bins[k].Grow(work[i].bounds)
	}

	// Sweep from the right to get suffix areas.
	var rightArea [bvhBins]float32
	var rightCount [bvhBins]int
	acc := math.NewEmptyExtents()
	n := 0
	for k := bvhBins - 1; k > 0; k-- {
		acc = acc.Grow(bins[k])
		n += counts[k]
		rightArea[k] = acc.SurfaceArea()
		rightCount[k] = n
	}

	best := bvhSplitCandidate{axis: axis, score: math.K_INFINITY}
	acc = math.NewEmptyExtents()
	n = 0
	for k := 1; k < bvhBins; k++ {
		acc = acc.Grow(bins[k-1])
		n += counts[k-1]
		if n == 0 || rightCount[k] == 0 {
			continue
		}
		score := float32(n)*acc.SurfaceArea() + float32(rightCount[k])*rightArea[k]
		if score < best.score {
			best = bvhSplitCandidate{axis: axis, bin: k, leftCount: n, rightCount: rightCount[k], score: score}
		}
	}
	return best
}
