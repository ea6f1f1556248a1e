package game

import "time"

// Core pipeline constants
const (
	TeamSize   = 5
	CohortSize = 2 * TeamSize

	// Matchmaking timing
	MatchmakingInterval = 3500 * time.Millisecond
	WindowGrowthStep    = 30 * time.Second // window grows once per full step waited
	FlexUnlockWait      = 120 * time.Second
	EmergencyWait       = 5 * time.Minute

	// Maximum half-width of any MMR search window
	MaxWindow = 500
)

// Tier buckets for window growth (see Window)
const (
	HighMMRFloor = 2000
	MidMMRFloor  = 1400
)

// Class is a declared weapon class. SMG is a flex class: it can fill
// any tier role but never the sniper role.
type Class int

const (
	ClassNone Class = iota
	ClassT1
	ClassT2
	ClassT3
	ClassT4
	ClassSniper
	ClassSMG
)

var classNames = map[Class]string{
	ClassNone:   "",
	ClassT1:     "T1",
	ClassT2:     "T2",
	ClassT3:     "T3",
	ClassT4:     "T4",
	ClassSniper: "SNIPER",
	ClassSMG:    "SMG",
}

func (c Class) String() string { return classNames[c] }

// ParseClass maps a wire-format class name to a Class. Unknown names
// map to ClassNone so a bad client payload degrades to "no preference".
func ParseClass(s string) Class {
	for c, name := range classNames {
		if name == s && c != ClassNone {
			return c
		}
	}
	return ClassNone
}

// Role is a team slot. Each team carries exactly one of each.
type Role int

const (
	RoleSniper Role = iota
	RoleT1
	RoleT2
	RoleT3
	RoleT4
)

var AllRoles = [TeamSize]Role{RoleSniper, RoleT1, RoleT2, RoleT3, RoleT4}

func (r Role) String() string {
	switch r {
	case RoleSniper:
		return "SNIPER"
	case RoleT1:
		return "T1"
	case RoleT2:
		return "T2"
	case RoleT3:
		return "T3"
	case RoleT4:
		return "T4"
	}
	return ""
}

// Class returns the weapon class a role nominally corresponds to.
func (r Role) Class() Class {
	switch r {
	case RoleSniper:
		return ClassSniper
	case RoleT1:
		return ClassT1
	case RoleT2:
		return ClassT2
	case RoleT3:
		return ClassT3
	case RoleT4:
		return ClassT4
	}
	return ClassNone
}

// Team IDs
type Team int

const (
	TeamAlpha Team = iota
	TeamBravo
)

func (t Team) String() string {
	if t == TeamAlpha {
		return "ALPHA"
	}
	return "BRAVO"
}

// Opponent returns the other team.
func (t Team) Opponent() Team {
	if t == TeamAlpha {
		return TeamBravo
	}
	return TeamAlpha
}

// ClassProfile is a player's declared primary/secondary weapon classes.
type ClassProfile struct {
	Primary   Class `json:"primary"`
	Secondary Class `json:"secondary"`
}

// Player is the pipeline's view of one connected account.
type Player struct {
	ID         int64        `json:"id"`
	Name       string       `json:"name"`
	DiscordID  string       `json:"discordId,omitempty"`
	MMR        int          `json:"mmr"`
	Tier       RankTier     `json:"tier"`
	RankPoints int          `json:"rankPoints"`
	Classes    ClassProfile `json:"classes"`
}

// QueueEntry is one player waiting in the ranked queue.
type QueueEntry struct {
	PlayerID int64        `json:"playerId"`
	Name     string       `json:"name"`
	MMR      int          `json:"mmr"`
	Classes  ClassProfile `json:"classes"`
	QueuedAt int64        `json:"queuedAt"` // unix ms, preserved across requeues
	PartyID  string       `json:"partyId,omitempty"`
}

// WaitMs returns how long the entry has been waiting as of nowMs.
func (e QueueEntry) WaitMs(nowMs int64) int64 {
	if nowMs < e.QueuedAt {
		return 0
	}
	return nowMs - e.QueuedAt
}

// Assignment is one player slotted into a team with a role.
type Assignment struct {
	Player   QueueEntry `json:"player"`
	Role     Role       `json:"role"`
	Autofill bool       `json:"autofill"` // role outside the declared classes
}

// Teams is the output of the team builder: five assignments per side.
type Teams struct {
	Alpha   []Assignment `json:"alpha"`
	Bravo   []Assignment `json:"bravo"`
	MMRDiff int          `json:"mmrDiff"`
}

// Side returns the assignments for the given team.
func (t Teams) Side(team Team) []Assignment {
	if team == TeamAlpha {
		return t.Alpha
	}
	return t.Bravo
}

// TeamOf reports which team a player landed on.
func (t Teams) TeamOf(playerID int64) (Team, bool) {
	for _, a := range t.Alpha {
		if a.Player.PlayerID == playerID {
			return TeamAlpha, true
		}
	}
	for _, a := range t.Bravo {
		if a.Player.PlayerID == playerID {
			return TeamBravo, true
		}
	}
	return TeamAlpha, false
}
