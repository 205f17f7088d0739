package main

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"PerpVault/internal/config"
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/persistence"
	"PerpVault/internal/rebalancer"
	"PerpVault/internal/rewards"
	"PerpVault/internal/token"
)

// vault is the deterministic core with its collaborators and output
// channels. Only one goroutine may use core at a time.
type vault struct {
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	project chan core.CoreOutput
	dedup   *recoveredChecker
}

// recoveredChecker defers the Postgres dedup lookup until recovery is over:
// every replayed command is in the log by definition.
type recoveredChecker struct {
	db   core.DBIdempotencyChecker
	live bool
}

func (r *recoveredChecker) IsDuplicate(eventType, key string) (bool, error) {
	if !r.live || r.db == nil {
		return false, nil
	}
	return r.db.IsDuplicate(eventType, key)
}

// recovered ends recovery. Call it before the dispatcher starts.
func (v *vault) recovered() { v.dedup.live = true }

func buildVault(
	cfg config.Config,
	params config.Params,
	checker core.DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*vault, error) {
	asset := token.NewAssetToken()
	shares := token.NewShareToken()
	native := token.NewNativeBank()
	feed := oracle.NewFeed(cfg.FeedName, metrics)

	mw, err := oracle.NewMiddleware(params.Oracle, feed, metrics)
	if err != nil {
		return nil, errors.Wrap(err, "oracle middleware")
	}
	rw, err := rewards.NewManager(params.Rewards)
	if err != nil {
		return nil, errors.Wrap(err, "rewards manager")
	}
	protocol, err := core.NewProtocol(params.Protocol, cfg.ProtocolAddress, core.Deps{
		Oracle:  mw,
		Asset:   asset,
		Shares:  shares,
		Native:  native,
		Rewards: rw,
		Metrics: metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "protocol")
	}
	reb, err := rebalancer.New(cfg.RebalancerAddress, params.Rebalancer, protocol, asset, native, token.MaxAllowance, metrics)
	if err != nil {
		return nil, errors.Wrap(err, "rebalancer")
	}

	if err := fundGenesis(params.Genesis, asset, native, cfg.ProtocolAddress, cfg.RebalancerAddress); err != nil {
		return nil, err
	}

	v := &vault{
		persist: make(chan core.CoreOutput, cfg.PersistChanSize),
		project: make(chan core.CoreOutput, cfg.ProjectionChanSize),
		dedup:   &recoveredChecker{db: checker},
	}
	v.core = core.NewDeterministicCore(protocol, 0, v.persist, v.project, v.dedup, metrics)
	v.core.RegisterComponent("asset", asset)
	v.core.RegisterComponent("shares", shares)
	v.core.RegisterComponent("native", native)
	v.core.RegisterComponent("feed", feed)
	v.core.RegisterComponent("rebalancer", reb)
	v.core.RegisterHandler(feed)
	v.core.RegisterHandler(reb)
	return v, nil
}

// fundGenesis credits the starting balances. It is not a command, so the
// journal entries it produces are discarded.
func fundGenesis(accounts []config.GenesisAccount, asset *token.AssetToken, native *token.NativeBank, spenders ...common.Address) error {
	for _, g := range accounts {
		if g.Asset.IsPositive() {
			if err := asset.Mint(g.Address, g.Asset); err != nil {
				return errors.Wrapf(err, "genesis %s", g.Address.Hex())
			}
		}
		if g.Native.IsPositive() {
			if err := native.Fund(g.Address, g.Native); err != nil {
				return errors.Wrapf(err, "genesis %s", g.Address.Hex())
			}
		}
		for _, spender := range spenders {
			asset.Approve(g.Address, spender, token.MaxAllowance)
		}
	}
	asset.DrainBatches()
	native.DrainBatches()
	return nil
}

// replay applies logged commands whose outputs are already durable. The
// persist channel is drained and discarded meanwhile. Every replayed
// command must reproduce the state hash recorded with it.
func (v *vault) replay(rows []persistence.EventRow) (int, error) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-v.persist:
			case <-stop:
				return
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	applied := 0
	for _, row := range rows {
		if row.Sequence <= v.core.GetSequence() {
			continue
		}
		evt, err := persistence.DecodeEvent(row)
		if err != nil {
			return applied, err
		}
		if _, err := v.core.ProcessEvent(evt); err != nil {
			return applied, errors.Wrapf(err, "replay %d (%s)", row.Sequence, row.EventType)
		}
		if err := v.verify(row, evt); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func (v *vault) verify(row persistence.EventRow, evt event.Event) error {
	if v.core.GetSequence() != row.Sequence {
		return errors.Errorf("replay of %s landed at sequence %d, log has %d", evt.EventType(), v.core.GetSequence(), row.Sequence)
	}
	hash := v.core.GetStateHash()
	if len(row.StateHash) > 0 && !bytes.Equal(hash[:], row.StateHash) {
		return errors.Errorf("state hash mismatch at sequence %d: log %x, replay %x", row.Sequence, row.StateHash, hash)
	}
	return nil
}
