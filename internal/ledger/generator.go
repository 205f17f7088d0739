package ledger

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for one asset
type JournalGenerator struct {
	assetID        AssetID
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(assetID AssetID, startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		assetID:        assetID,
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// Sequence returns the next journal sequence.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

func (jg *JournalGenerator) single(
	debit, credit AccountKey,
	amount sdkmath.Int,
	journalType JournalType,
	ref string,
	timestamp int64,
) (*Batch, error) {
	if amount.IsNil() || !amount.IsPositive() {
		return nil, fmt.Errorf("%s amount must be > 0, got %s", journalType, amount)
	}
	// PRE-CHECK: the credited account must be able to pay
	if err := jg.balanceTracker.ValidateSufficient(credit, amount); err != nil {
		return nil, fmt.Errorf("%s pre-check failed: %w", journalType, err)
	}

	batchID := uuid.New()
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref,
			Sequence:      jg.sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			AssetID:       jg.assetID,
			Amount:        amount,
			JournalType:   journalType,
			Timestamp:     timestamp,
		}},
	}
	jg.sequence++
	return batch, nil
}

// GenerateTransfer moves amount between two wallets.
// Pre-check: the sender must hold amount.
func (jg *JournalGenerator) GenerateTransfer(
	from, to common.Address,
	amount sdkmath.Int,
	journalType JournalType,
	ref string,
	timestamp int64,
) (*Batch, error) {
	return jg.single(
		NewUserAccountKey(to, jg.assetID),
		NewUserAccountKey(from, jg.assetID),
		amount, journalType, ref, timestamp,
	)
}

// GenerateMint issues amount to a wallet: external:issuance → user:wallet
func (jg *JournalGenerator) GenerateMint(to common.Address, amount sdkmath.Int, ref string, timestamp int64) (*Batch, error) {
	return jg.single(
		NewUserAccountKey(to, jg.assetID),
		NewExternalAccountKey(jg.assetID),
		amount, JournalTypeMint, ref, timestamp,
	)
}

// GenerateBurn destroys amount held by a wallet: user:wallet → external:issuance
func (jg *JournalGenerator) GenerateBurn(from common.Address, amount sdkmath.Int, ref string, timestamp int64) (*Batch, error) {
	return jg.single(
		NewExternalAccountKey(jg.assetID),
		NewUserAccountKey(from, jg.assetID),
		amount, JournalTypeBurn, ref, timestamp,
	)
}

// GenerateToSystem moves amount from a wallet into a system account.
func (jg *JournalGenerator) GenerateToSystem(
	from common.Address,
	subType AccountSubType,
	amount sdkmath.Int,
	journalType JournalType,
	ref string,
	timestamp int64,
) (*Batch, error) {
	return jg.single(
		NewSystemAccountKey(subType, jg.assetID),
		NewUserAccountKey(from, jg.assetID),
		amount, journalType, ref, timestamp,
	)
}
