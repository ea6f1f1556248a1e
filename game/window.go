package game

// Window growth parameters per tier bucket. The window widens by one
// growth step for every full 30 seconds a reference player has waited,
// capped at MaxWindow.
var windowParams = map[string]struct {
	Base   int
	Growth int
}{
	"high": {Base: 50, Growth: 25},
	"mid":  {Base: 100, Growth: 40},
	"low":  {Base: 150, Growth: 60},
}

// TierBucket classifies an MMR value for window-growth purposes.
func TierBucket(mmr int) string {
	switch {
	case mmr >= HighMMRFloor:
		return "high"
	case mmr >= MidMMRFloor:
		return "mid"
	default:
		return "low"
	}
}

// Window returns the half-width of the MMR search range for a reference
// player with the given MMR after waitMs of queue time. Monotonically
// non-decreasing in waitMs.
func Window(mmr int, waitMs int64) int {
	p := windowParams[TierBucket(mmr)]
	steps := int(waitMs / WindowGrowthStep.Milliseconds())
	w := p.Base + steps*p.Growth
	if w > MaxWindow {
		return MaxWindow
	}
	return w
}

// InWindow reports whether candidate MMR falls inside the reference
// player's current window.
func InWindow(refMMR int, refWaitMs int64, mmr int) bool {
	w := Window(refMMR, refWaitMs)
	return mmr >= refMMR-w && mmr <= refMMR+w
}
