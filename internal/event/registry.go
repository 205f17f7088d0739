package event

// New returns an empty command of type t, ready to be decoded into.
func New(t EventType) (Event, bool) {
	switch t {
	case EventTypeInitialize:
		return &Initialize{}, true
	case EventTypeInitiateDeposit:
		return &InitiateDeposit{}, true
	case EventTypeValidateDeposit:
		return &ValidateDeposit{}, true
	case EventTypeInitiateWithdrawal:
		return &InitiateWithdrawal{}, true
	case EventTypeValidateWithdrawal:
		return &ValidateWithdrawal{}, true
	case EventTypeInitiateOpenPosition:
		return &InitiateOpenPosition{}, true
	case EventTypeValidateOpenPosition:
		return &ValidateOpenPosition{}, true
	case EventTypeInitiateClosePosition:
		return &InitiateClosePosition{}, true
	case EventTypeValidateClosePosition:
		return &ValidateClosePosition{}, true
	case EventTypeValidateActionable:
		return &ValidateActionable{}, true
	case EventTypeRemoveStale:
		return &RemoveStale{}, true
	case EventTypeLiquidate:
		return &Liquidate{}, true
	case EventTypePriceRound:
		return &PriceRound{}, true
	case EventTypeRebalancerDeposit:
		return &RebalancerDeposit{}, true
	case EventTypeRebalancerValidateDeposit:
		return &RebalancerValidateDeposit{}, true
	case EventTypeRebalancerResetDeposit:
		return &RebalancerResetDeposit{}, true
	case EventTypeRebalancerWithdraw:
		return &RebalancerWithdraw{}, true
	case EventTypeRebalancerValidateWithdraw:
		return &RebalancerValidateWithdraw{}, true
	case EventTypeRebalancerClose:
		return &RebalancerClose{}, true
	default:
		return nil, false
	}
}
