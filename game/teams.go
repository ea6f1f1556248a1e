package game

import (
	"math"
	"math/rand"
	"sort"
)

// slot is one position in the solver's fixed fill order. Slots are
// ordered role-major so both teams compete for the scarce roles first.
type slot struct {
	Team Team
	Role Role
}

var slotOrder = buildSlotOrder()

func buildSlotOrder() []slot {
	slots := make([]slot, 0, CohortSize)
	for _, r := range AllRoles {
		slots = append(slots, slot{TeamAlpha, r}, slot{TeamBravo, r})
	}
	return slots
}

// BuildTeams partitions ten players into two role-complete teams. The
// strict solver enforces class uniqueness per team; when it finds no
// assignment the relaxed autofill solver runs, which always succeeds.
func BuildTeams(players []QueueEntry) (Teams, bool) {
	if len(players) != CohortSize {
		return Teams{}, false
	}

	if teams, ok := solve(players, false); ok {
		return teams, true
	}
	return solve(players, true)
}

// candidate is one eligible player for a slot, ranked by (priority asc,
// queuedAt asc, mmr desc).
type candidate struct {
	idx      int
	priority int
}

// slotPriority ranks a player for a slot. Returns -1 for ineligible.
//
// Strict: sniper slots take primary snipers (0) then secondary snipers
// (1); tier slots take primary matches (0) then primary SMGs (1). A
// primary sniper never fills a tier slot.
//
// Relaxed: primary match 0, secondary match 1, primary SMG 2, secondary
// SMG 3, anyone 4.
func slotPriority(e QueueEntry, r Role, relaxed bool) int {
	rc := r.Class()
	if !relaxed {
		if r == RoleSniper {
			switch {
			case e.Classes.Primary == ClassSniper:
				return 0
			case e.Classes.Secondary == ClassSniper:
				return 1
			}
			return -1
		}
		switch {
		case e.Classes.Primary == ClassSniper:
			return -1
		case e.Classes.Primary == rc:
			return 0
		case e.Classes.Primary == ClassSMG:
			return 1
		}
		return -1
	}

	switch {
	case e.Classes.Primary == rc:
		return 0
	case e.Classes.Secondary == rc:
		return 1
	case e.Classes.Primary == ClassSMG && r != RoleSniper:
		return 2
	case e.Classes.Secondary == ClassSMG && r != RoleSniper:
		return 3
	}
	return 4
}

// effectiveClass is the per-team uniqueness key used by the strict
// solver: filling SNIPER occupies SNIPER, an SMG filling a tier slot
// occupies SMG, anything else occupies its primary class.
func effectiveClass(e QueueEntry, r Role) Class {
	if r == RoleSniper {
		return ClassSniper
	}
	if e.Classes.Primary == ClassSMG {
		return ClassSMG
	}
	return e.Classes.Primary
}

// isAutofill reports whether a role lies outside the player's declared
// classes. SMG filling a tier slot is declared flex, not autofill.
func isAutofill(e QueueEntry, r Role) bool {
	rc := r.Class()
	if e.Classes.Primary == rc || e.Classes.Secondary == rc {
		return false
	}
	if r != RoleSniper && (e.Classes.Primary == ClassSMG || e.Classes.Secondary == ClassSMG) {
		return false
	}
	return true
}

type solver struct {
	players  []QueueEntry
	relaxed  bool
	used     [CohortSize]bool
	classes  [2]map[Class]bool // per-team effective class sets (strict only)
	assign   [CohortSize]int   // slot index -> player index
	sums     [2]int
	best     [CohortSize]int
	bestDiff int
	found    bool
}

func solve(players []QueueEntry, relaxed bool) (Teams, bool) {
	s := &solver{
		players:  players,
		relaxed:  relaxed,
		bestDiff: math.MaxInt,
	}
	s.classes[0] = make(map[Class]bool, TeamSize)
	s.classes[1] = make(map[Class]bool, TeamSize)
	s.search(0)
	if !s.found {
		return Teams{}, false
	}

	var teams Teams
	for si, pi := range s.best {
		sl := slotOrder[si]
		e := players[pi]
		a := Assignment{Player: e, Role: sl.Role, Autofill: isAutofill(e, sl.Role)}
		if sl.Team == TeamAlpha {
			teams.Alpha = append(teams.Alpha, a)
		} else {
			teams.Bravo = append(teams.Bravo, a)
		}
	}
	teams.MMRDiff = s.bestDiff
	shuffleAssignments(teams.Alpha)
	shuffleAssignments(teams.Bravo)
	return teams, true
}

// search fills slots depth-first. Returns true to short-circuit the
// whole search once a perfectly balanced assignment is found.
func (s *solver) search(si int) bool {
	if si == CohortSize {
		diff := s.sums[0] - s.sums[1]
		if diff < 0 {
			diff = -diff
		}
		if diff < s.bestDiff {
			s.bestDiff = diff
			s.best = s.assign
			s.found = true
		}
		return diff == 0
	}

	sl := slotOrder[si]
	for _, c := range s.candidates(sl) {
		e := s.players[c.idx]
		ec := effectiveClass(e, sl.Role)
		if !s.relaxed && s.classes[sl.Team][ec] {
			continue
		}

		s.used[c.idx] = true
		s.assign[si] = c.idx
		s.sums[sl.Team] += e.MMR
		if !s.relaxed {
			s.classes[sl.Team][ec] = true
		}

		done := s.search(si + 1)

		if !s.relaxed {
			delete(s.classes[sl.Team], ec)
		}
		s.sums[sl.Team] -= e.MMR
		s.used[c.idx] = false

		if done {
			return true
		}
	}
	return false
}

func (s *solver) candidates(sl slot) []candidate {
	cands := make([]candidate, 0, CohortSize)
	for i := range s.players {
		if s.used[i] {
			continue
		}
		p := slotPriority(s.players[i], sl.Role, s.relaxed)
		if p < 0 {
			continue
		}
		cands = append(cands, candidate{idx: i, priority: p})
	}
	sort.Slice(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.priority != cb.priority {
			return ca.priority < cb.priority
		}
		pa, pb := s.players[ca.idx], s.players[cb.idx]
		if pa.QueuedAt != pb.QueuedAt {
			return pa.QueuedAt < pb.QueuedAt
		}
		return pa.MMR > pb.MMR
	})
	return cands
}

// shuffleAssignments randomizes presentation order (Fisher-Yates).
func shuffleAssignments(list []Assignment) {
	for i := len(list) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		list[i], list[j] = list[j], list[i]
	}
}
