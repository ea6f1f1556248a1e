package game

// RankTier is one of the 17 ordered ladder tiers.
type RankTier int

const (
	TierBronze1 RankTier = iota
	TierBronze2
	TierBronze3
	TierSilver1
	TierSilver2
	TierSilver3
	TierGold1
	TierGold2
	TierGold3
	TierPlatinum1
	TierPlatinum2
	TierPlatinum3
	TierDiamond1
	TierDiamond2
	TierDiamond3
	TierMaster
	TierLegend
)

var tierNames = [...]string{
	"BRONZE_1", "BRONZE_2", "BRONZE_3",
	"SILVER_1", "SILVER_2", "SILVER_3",
	"GOLD_1", "GOLD_2", "GOLD_3",
	"PLATINUM_1", "PLATINUM_2", "PLATINUM_3",
	"DIAMOND_1", "DIAMOND_2", "DIAMOND_3",
	"MASTER", "LEGEND",
}

func (t RankTier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return "UNRANKED"
	}
	return tierNames[t]
}

// Points needed to advance one tier. LEGEND points are unbounded.
const TierPointsCap = 100

// RankAdjustment is the settlement delta for one player. The pipeline
// treats the formula as a pure function and only consumes its output.
type RankAdjustment struct {
	PlayerID  int64
	MMRChange int
	NewTier   RankTier
	NewPoints int
}

// MatchOutcome is the per-player input to the rank formula.
type MatchOutcome struct {
	Player    Player
	Won       bool
	Abandoned bool
	TeamMMR   int // average MMR of the player's team
	EnemyMMR  int // average MMR of the opposing team
}

// SettleRank computes the MMR and tier movement for a single player.
// Base gain/loss of 25 is scaled by the MMR gap between the two teams
// (expected-score style, clamped to [10, 40]); abandoning costs a flat
// 40 regardless of the result.
func SettleRank(o MatchOutcome) RankAdjustment {
	var delta int
	switch {
	case o.Abandoned:
		delta = -40
	case o.Won:
		delta = clamp(25+(o.EnemyMMR-o.TeamMMR)/20, 10, 40)
	default:
		delta = -clamp(25+(o.TeamMMR-o.EnemyMMR)/20, 10, 40)
	}

	tier, points := applyPoints(o.Player.Tier, o.Player.RankPoints, delta)
	return RankAdjustment{
		PlayerID:  o.Player.ID,
		MMRChange: delta,
		NewTier:   tier,
		NewPoints: points,
	}
}

// applyPoints walks rank points across tier boundaries. Points are
// unbounded at LEGEND; dropping below zero at BRONZE_1 floors at zero.
func applyPoints(tier RankTier, points, delta int) (RankTier, int) {
	points += delta

	for points >= TierPointsCap && tier < TierLegend {
		points -= TierPointsCap
		tier++
	}
	for points < 0 {
		if tier == TierBronze1 {
			return tier, 0
		}
		tier--
		points += TierPointsCap
	}
	return tier, points
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
