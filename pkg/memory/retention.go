package memory

// touchResults bumps access_count/tier for every row a retrieval
// actually returned. Spec requires this for any row a search or
// buildMemoryContext call surfaces, not just explicit getMemory calls.
func touchResults(d *db, results []scoredItem, promoteShortToMid, promoteMidToLong int) {
	for _, r := range results {
		_ = d.touchAccess(r.it.ID, promoteShortToMid, promoteMidToLong)
	}
}

const (
	defaultPromoteShortToMid = 3
	defaultPromoteMidToLong  = 8
)
