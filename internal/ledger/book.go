package ledger

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// Book is the double-entry ledger of a single asset. Every movement is a
// validated batch; applied batches are kept until drained so callers can
// persist them alongside the call that produced them.
type Book struct {
	assetID   AssetID
	tracker   *BalanceTracker
	gen       *JournalGenerator
	validator *InvariantValidator

	ref       string
	timestamp int64
	pending   []*Batch
	snapshots []bookSnapshot
}

type bookSnapshot struct {
	balances map[AccountKey]sdkmath.Int
	sequence int64
	pending  int
}

func NewBook(assetID AssetID) *Book {
	tracker := NewBalanceTracker()
	return &Book{
		assetID:   assetID,
		tracker:   tracker,
		gen:       NewJournalGenerator(assetID, 0, tracker),
		validator: NewInvariantValidator(assetID, tracker),
	}
}

func (b *Book) AssetID() AssetID { return b.assetID }

// SetContext tags the following batches with the causing command and time.
func (b *Book) SetContext(ref string, timestamp int64) {
	b.ref = ref
	b.timestamp = timestamp
}

func (b *Book) BalanceOf(owner common.Address) sdkmath.Int {
	return b.tracker.GetWalletBalance(owner, b.assetID)
}

func (b *Book) SystemBalance(subType AccountSubType) sdkmath.Int {
	return b.tracker.GetBalance(NewSystemAccountKey(subType, b.assetID))
}

// Supply is the amount issued and not burnt.
func (b *Book) Supply() sdkmath.Int {
	return b.tracker.GetBalance(NewExternalAccountKey(b.assetID)).Neg()
}

func (b *Book) apply(batch *Batch, err error) error {
	if err != nil {
		return err
	}
	if err := b.validator.CheckBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := b.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	b.pending = append(b.pending, batch)
	return nil
}

func (b *Book) Transfer(from, to common.Address, amount sdkmath.Int, journalType JournalType) error {
	return b.apply(b.gen.GenerateTransfer(from, to, amount, journalType, b.ref, b.timestamp))
}

func (b *Book) Mint(to common.Address, amount sdkmath.Int) error {
	return b.apply(b.gen.GenerateMint(to, amount, b.ref, b.timestamp))
}

func (b *Book) Burn(from common.Address, amount sdkmath.Int) error {
	return b.apply(b.gen.GenerateBurn(from, amount, b.ref, b.timestamp))
}

func (b *Book) PayToSystem(from common.Address, subType AccountSubType, amount sdkmath.Int, journalType JournalType) error {
	return b.apply(b.gen.GenerateToSystem(from, subType, amount, journalType, b.ref, b.timestamp))
}

// DrainBatches returns and forgets the batches applied since the last drain.
func (b *Book) DrainBatches() []*Batch {
	out := b.pending
	b.pending = nil
	return out
}

// Validate runs the zero-sum and non-negative holdings checks.
func (b *Book) Validate() error {
	return b.validator.CheckBook()
}

// Snapshot records the current balances and returns its id.
func (b *Book) Snapshot() int {
	b.snapshots = append(b.snapshots, bookSnapshot{
		balances: b.tracker.Snapshot(),
		sequence: b.gen.sequence,
		pending:  len(b.pending),
	})
	return len(b.snapshots) - 1
}

// RevertToSnapshot restores snapshot id and discards it and every later one.
func (b *Book) RevertToSnapshot(id int) {
	if id < 0 || id >= len(b.snapshots) {
		panic(fmt.Sprintf("FATAL: ledger snapshot %d does not exist (have %d)", id, len(b.snapshots)))
	}
	snap := b.snapshots[id]
	b.tracker.Restore(snap.balances)
	b.gen.sequence = snap.sequence
	if snap.pending <= len(b.pending) {
		b.pending = b.pending[:snap.pending]
	}
	b.snapshots = b.snapshots[:id]
}

// ReleaseSnapshots drops every snapshot once the outermost call committed.
func (b *Book) ReleaseSnapshots() {
	b.snapshots = nil
}
