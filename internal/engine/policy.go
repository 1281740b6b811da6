package engine

import "github.com/tanq16/dlcore/internal/types"

// ConnectionCountPolicy decides how many parallel connections a task gets.
type ConnectionCountPolicy interface {
	DetermineConnectionCount(taskID, url, path string, total int64) int
}

const (
	oneConnectionLimit   = 1 << 20
	twoConnectionLimit   = 5 << 20
	threeConnectionLimit = 50 << 20
	fourConnectionLimit  = 100 << 20
)

// TieredPolicy maps total size to 1..5 connections.
type TieredPolicy struct{}

func (TieredPolicy) DetermineConnectionCount(_, _, _ string, total int64) int {
	switch {
	case total < oneConnectionLimit:
		return 1
	case total < twoConnectionLimit:
		return 2
	case total < threeConnectionLimit:
		return 3
	case total < fourConnectionLimit:
		return 4
	}
	return 5
}

// FixedPolicy always answers the same count.
type FixedPolicy int

func (f FixedPolicy) DetermineConnectionCount(_, _, _ string, _ int64) int {
	return int(f)
}

// Partition splits [0,total) into n contiguous ranges of total/n bytes. The
// last range is left open so it absorbs the division remainder.
func Partition(taskID string, total int64, n int) []types.Connection {
	if n <= 0 {
		return nil
	}
	each := total / int64(n)
	conns := make([]types.Connection, 0, n)
	var start int64
	for i := range n {
		end := start + each - 1
		if i == n-1 {
			end = RangeToEnd
		}
		conns = append(conns, types.Connection{
			TaskID:        taskID,
			Index:         i,
			StartOffset:   start,
			CurrentOffset: start,
			EndOffset:     end,
		})
		start = end + 1
	}
	return conns
}
