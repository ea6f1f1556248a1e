package game

import "sort"

// pickerNeed is how many players each role must contribute to a cohort:
// one per team.
const pickerNeed = 2

// SelectCohort runs the role-contract picker over a pool of queue
// entries already filtered to one MMR window. It needs two players for
// each of the five roles. For each role it fills greedily from primary
// matches, then secondary matches, then flex: SMG players for tier
// roles, and any remaining player once a candidate has waited
// FlexUnlockWait (always, under hardAutofill).
//
// Returns the ten selected entries, or ok=false when the contract
// cannot be met.
func SelectCohort(pool []QueueEntry, nowMs int64, hardAutofill bool) ([]QueueEntry, bool) {
	if len(pool) < CohortSize {
		return nil, false
	}

	// FIFO within every priority band.
	sorted := make([]QueueEntry, len(pool))
	copy(sorted, pool)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].QueuedAt < sorted[j].QueuedAt
	})

	taken := make(map[int64]bool, CohortSize)
	picked := make([]QueueEntry, 0, CohortSize)

	pickBand := func(need int, match func(QueueEntry) bool) int {
		for _, e := range sorted {
			if need == 0 {
				break
			}
			if taken[e.PlayerID] || !match(e) {
				continue
			}
			taken[e.PlayerID] = true
			picked = append(picked, e)
			need--
		}
		return need
	}

	for _, role := range AllRoles {
		rc := role.Class()
		need := pickerNeed

		need = pickBand(need, func(e QueueEntry) bool { return e.Classes.Primary == rc })
		need = pickBand(need, func(e QueueEntry) bool { return e.Classes.Secondary == rc })
		if role != RoleSniper {
			need = pickBand(need, func(e QueueEntry) bool {
				return e.Classes.Primary == ClassSMG || e.Classes.Secondary == ClassSMG
			})
		}
		need = pickBand(need, func(e QueueEntry) bool {
			return hardAutofill || e.WaitMs(nowMs) >= FlexUnlockWait.Milliseconds()
		})

		if need > 0 {
			return nil, false
		}
	}

	return picked, true
}
