package piece

import (
	"fmt"
	"sort"
)

// Strategy orders candidate pieces for block selection. Candidates arrive in
// ascending index order and availability is indexed by piece.
type Strategy interface {
	Order(candidates []int, availability []int)
}

type Sequential struct{}

func (Sequential) Order([]int, []int) {}

// RarestFirst prefers pieces held by the fewest connected peers, breaking ties
// by lowest index.
type RarestFirst struct{}

func (RarestFirst) Order(candidates []int, availability []int) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return availability[candidates[i]] < availability[candidates[j]]
	})
}

func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", "sequential":
		return Sequential{}, nil
	case "rarest-first":
		return RarestFirst{}, nil
	default:
		return nil, fmt.Errorf("unknown piece selection strategy %q", name)
	}
}
