package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// InvariantValidator guards one book. Batches must stay on the book's asset,
// balances must sum to zero and only the issuance account may go negative.
type InvariantValidator struct {
	assetID AssetID
	tracker *BalanceTracker
}

func NewInvariantValidator(assetID AssetID, tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{assetID: assetID, tracker: tracker}
}

// CheckBatch rejects malformed batches and batches moving another asset.
func (v *InvariantValidator) CheckBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	for _, j := range batch.Journals {
		if j.AssetID != v.assetID {
			return fmt.Errorf("journal %s moves asset %d on the %s book", j.JournalID, j.AssetID, v.name())
		}
	}
	return nil
}

// CheckBook reports every violation at once, sorted for stable messages.
func (v *InvariantValidator) CheckBook() error {
	var problems []string
	for assetID, total := range v.tracker.ComputeGlobalBalance() {
		if assetID != v.assetID {
			problems = append(problems, fmt.Sprintf("foreign asset %d present", assetID))
			continue
		}
		if !total.IsZero() {
			problems = append(problems, fmt.Sprintf("balances sum to %s", total))
		}
	}
	for _, key := range v.tracker.Accounts() {
		if key.Scope == AccountScopeExternal {
			continue
		}
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%s book: %s", v.name(), strings.Join(problems, "; "))
}

func (v *InvariantValidator) name() string {
	if name, ok := GetAssetName(v.assetID); ok {
		return name
	}
	return fmt.Sprintf("asset %d", v.assetID)
}
