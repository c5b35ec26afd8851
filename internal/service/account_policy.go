package service

// WaitingAccounts returns the queued accounts that have nothing running.
// An account present in running is never returned, which keeps at most one
// sync job in flight per account. Order follows queued; duplicates are dropped.
func WaitingAccounts(queued, running []string) []string {
	busy := make(map[string]struct{}, len(running))
	for _, accountID := range running {
		busy[accountID] = struct{}{}
	}

	waiting := make([]string, 0, len(queued))
	for _, accountID := range queued {
		if _, ok := busy[accountID]; ok {
			continue
		}
		busy[accountID] = struct{}{}
		waiting = append(waiting, accountID)
	}
	return waiting
}
