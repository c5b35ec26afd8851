package service

import (
	"context"
	"fmt"

	"github.com/vipul43/gitsync-worker/internal/models"
)

// FetchPolicy decides which queued change sets of an account go into one dispatch
type FetchPolicy int

const (
	// FetchOldest dispatches only the account's oldest queued change set
	FetchOldest FetchPolicy = iota
	// FetchBatch dispatches the leading run of queued change sets that can share one Git operation
	FetchBatch
)

func (p FetchPolicy) String() string {
	switch p {
	case FetchOldest:
		return "oldest"
	case FetchBatch:
		return "batch"
	}
	return fmt.Sprintf("FetchPolicy(%d)", int(p))
}

// ParseFetchPolicy maps a config value to a FetchPolicy
func ParseFetchPolicy(s string) (FetchPolicy, error) {
	switch s {
	case "", "oldest":
		return FetchOldest, nil
	case "batch":
		return FetchBatch, nil
	}
	return FetchOldest, fmt.Errorf("unknown fetch policy %q", s)
}

// QueuedChangeSetLister reads an account's queued change sets in queue order
type QueuedChangeSetLister interface {
	FetchQueuedChangeSets(ctx context.Context, accountID string, limit int) ([]models.ChangeSet, error)
}

type ChangeSetFetcher struct {
	store      QueuedChangeSetLister
	policy     FetchPolicy
	batchLimit int
}

func NewChangeSetFetcher(store QueuedChangeSetLister, policy FetchPolicy, batchLimit int) *ChangeSetFetcher {
	if batchLimit < 1 {
		batchLimit = 1
	}
	return &ChangeSetFetcher{
		store:      store,
		policy:     policy,
		batchLimit: batchLimit,
	}
}

// Fetch returns the change sets to dispatch next for accountID, oldest first
func (f *ChangeSetFetcher) Fetch(ctx context.Context, accountID string) ([]models.ChangeSet, error) {
	limit := 1
	if f.policy == FetchBatch {
		limit = f.batchLimit
	}

	changeSets, err := f.store.FetchQueuedChangeSets(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	if f.policy == FetchBatch {
		return MergeableRun(changeSets), nil
	}
	return changeSets, nil
}

// MergeableRun returns the longest prefix of changeSets that can be applied as one Git operation:
// same direction and same branch/connector as the first, and no full sync merged with anything else.
func MergeableRun(changeSets []models.ChangeSet) []models.ChangeSet {
	if len(changeSets) <= 1 {
		return changeSets
	}

	first := changeSets[0]
	if first.FullSync {
		return changeSets[:1]
	}
	branch, connector := first.Provenance()

	n := 1
	for _, cs := range changeSets[1:] {
		b, c := cs.Provenance()
		if cs.FullSync || cs.GitToHarness != first.GitToHarness || b != branch || c != connector {
			break
		}
		n++
	}
	return changeSets[:n]
}
