package engine

import "signals/orchestrator/internal/wire"

// Points awarded per outcome:
//
//	        SPLIT  STEAL
//	SPLIT    3,3    1,5
//	STEAL    5,1    0,0
//
// Timeouts: the side that submitted gets 1, the defaulter 0.
const (
	PointsBothSplit  = 3
	PointsStealWin   = 5
	PointsStolenFrom = 1
	PointsBothSteal  = 0
	PointsOnTime     = 1
	PointsBye        = 1
)

// ComputeResult is total on the four submitted-choice combinations.
// Callers guarantee neither choice is NONE.
func ComputeResult(a, b wire.Choice) wire.Result {
	switch {
	case a == wire.ChoiceSplit && b == wire.ChoiceSplit:
		return wire.ResultBothSplit
	case a == wire.ChoiceSteal && b == wire.ChoiceSplit:
		return wire.ResultAgentASteals
	case a == wire.ChoiceSplit && b == wire.ChoiceSteal:
		return wire.ResultAgentBSteals
	default:
		return wire.ResultBothSteal
	}
}

// PointsFor returns (pointsA, pointsB) for a revealed result.
func PointsFor(r wire.Result) (int32, int32) {
	switch r {
	case wire.ResultBothSplit:
		return PointsBothSplit, PointsBothSplit
	case wire.ResultAgentASteals:
		return PointsStealWin, PointsStolenFrom
	case wire.ResultAgentBSteals:
		return PointsStolenFrom, PointsStealWin
	default:
		return PointsBothSteal, PointsBothSteal
	}
}

// TimeoutPoints returns (pointsA, pointsB) for a timed-out match.
func TimeoutPoints(aSubmitted, bSubmitted bool) (int32, int32) {
	var a, b int32
	if aSubmitted {
		a = PointsOnTime
	}
	if bSubmitted {
		b = PointsOnTime
	}
	return a, b
}
