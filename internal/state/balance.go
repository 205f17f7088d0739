// internal/state/balance.go
package state

import (
	sdkmath "cosmossdk.io/math"
)

// Balances are the asset amounts the protocol accounts for.
type Balances struct {
	Vault              sdkmath.Int `json:"vault"`
	Long               sdkmath.Int `json:"long"`
	PendingProtocolFee sdkmath.Int `json:"pending_protocol_fee"`

	// PendingBalanceVault is the signed effect of pending vault actions used by
	// the imbalance checks: deposits add their amount after fees, withdrawals
	// subtract their estimated value.
	PendingBalanceVault sdkmath.Int `json:"pending_balance_vault"`

	// escrowed assets of pending deposits and initiated closes
	PendingDeposits    sdkmath.Int `json:"pending_deposits"`
	PendingCloseEscrow sdkmath.Int `json:"pending_close_escrow"`
}

func NewBalances() Balances {
	return Balances{
		Vault:               sdkmath.ZeroInt(),
		Long:                sdkmath.ZeroInt(),
		PendingProtocolFee:  sdkmath.ZeroInt(),
		PendingBalanceVault: sdkmath.ZeroInt(),
		PendingDeposits:     sdkmath.ZeroInt(),
		PendingCloseEscrow:  sdkmath.ZeroInt(),
	}
}

// Custodied is the asset amount the protocol must hold.
func (b *Balances) Custodied() sdkmath.Int {
	return b.Vault.Add(b.Long).Add(b.PendingProtocolFee).Add(b.PendingDeposits).Add(b.PendingCloseEscrow)
}

// CanonicalBytes for deterministic hashing
func (b *Balances) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)
	buf = appendIntBytes(buf, b.Vault)
	buf = appendIntBytes(buf, b.Long)
	buf = appendIntBytes(buf, b.PendingProtocolFee)
	buf = appendIntBytes(buf, b.PendingBalanceVault)
	buf = appendIntBytes(buf, b.PendingDeposits)
	buf = appendIntBytes(buf, b.PendingCloseEscrow)
	return buf
}
