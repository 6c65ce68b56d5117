package models

// Spot is the integer pixel position of a detected burst.
// Depth is only meaningful for bursts found in rank 4 stacks.
type Spot struct {
	Depth int
	Row   int
	Col   int
}

// Components returns the coordinate tuple for the given arity:
// (row, col) for arity 2 and (depth, row, col) for arity 3.
func (s Spot) Components(arity int) []int {
	if arity == 3 {
		return []int{s.Depth, s.Row, s.Col}
	}
	return []int{s.Row, s.Col}
}

// BurstMap maps every time index of an analyzed stack to the spots found there.
//
// Spots[t] holds the detections at time t in emission order; an empty entry
// means nothing was found, never that the time point is missing. Rank records
// the rank of the tensor the map was built from, which fixes the coordinate
// arity for the whole map.
type BurstMap struct {
	Rank  int
	Spots [][]Spot
}

// NewBurstMap allocates a map with one empty entry per time index.
func NewBurstMap(rank, times int) *BurstMap {
	spots := make([][]Spot, times)
	for i := range spots {
		spots[i] = []Spot{}
	}
	return &BurstMap{Rank: rank, Spots: spots}
}

// Arity returns the number of components of each coordinate in the map.
func (m *BurstMap) Arity() int {
	if m.Rank == 4 {
		return 3
	}
	return 2
}

// Len returns the number of time indices.
func (m *BurstMap) Len() int {
	return len(m.Spots)
}

// At returns the spots detected at time index t.
func (m *BurstMap) At(t int) []Spot {
	return m.Spots[t]
}

// Counts returns the number of spots per time index.
func (m *BurstMap) Counts() []int {
	counts := make([]int, len(m.Spots))
	for t, s := range m.Spots {
		counts[t] = len(s)
	}
	return counts
}

// Total returns the number of spots across all time indices.
func (m *BurstMap) Total() int {
	n := 0
	for _, s := range m.Spots {
		n += len(s)
	}
	return n
}
