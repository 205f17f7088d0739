package testutil

import (
	"fmt"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"PerpVault/internal/rebalancer"
	"PerpVault/internal/rewards"
	"PerpVault/internal/state"
	"PerpVault/internal/token"
)

// StartTime is the timestamp of the first call of every fixture.
const StartTime int64 = 1_700_000_000

const FeedName = "ETH/USD"

var (
	ProtocolAddress   = common.HexToAddress("0x000000000000000000000000000000000000d00d")
	RebalancerAddress = common.HexToAddress("0x000000000000000000000000000000000000beef")

	Alice      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	Bob        = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	Carol      = common.HexToAddress("0x000000000000000000000000000000000000ca01")
	Liquidator = common.HexToAddress("0x0000000000000000000000000000000000001111")
	Deployer   = common.HexToAddress("0x000000000000000000000000000000000000de91")

	// InitialPrice is the asset price the fixture initializes at.
	InitialPrice = Tokens(3000)
)

// Tokens is n whole tokens with 18 decimals.
func Tokens(n int64) sdkmath.Int { return fpmath.ToTokens(n) }

// Milli is n thousandths of a token.
func Milli(n int64) sdkmath.Int { return fpmath.Pow10(fpmath.TokensDecimals - 3).MulRaw(n) }

// Fixture is a fully wired protocol with in-memory tokens, a settled feed
// fed by hand and low-latency updates built by the test.
type Fixture struct {
	Protocol   *core.Protocol
	Asset      *token.AssetToken
	Shares     *token.ShareToken
	Native     *token.NativeBank
	Feed       *oracle.Feed
	Oracle     *oracle.Middleware
	Rewards    *rewards.Manager
	Rebalancer *rebalancer.Rebalancer

	Params state.ProtocolParams

	refs int
}

type fixtureConfig struct {
	params           state.ProtocolParams
	oracle           oracle.Config
	rewards          rewards.Params
	rebalancer       rebalancer.Params
	withoutRebalance bool
}

type Option func(*fixtureConfig)

// WithParams edits the protocol parameters before the protocol is built.
func WithParams(fn func(p *state.ProtocolParams)) Option {
	return func(c *fixtureConfig) { fn(&c.params) }
}

func WithRebalancerParams(fn func(p *rebalancer.Params)) Option {
	return func(c *fixtureConfig) { fn(&c.rebalancer) }
}

// WithoutRebalancer leaves the protocol without a rebalancer.
func WithoutRebalancer() Option {
	return func(c *fixtureConfig) { c.withoutRebalance = true }
}

// NewFixture builds the protocol and funds every test user with 1000 asset
// tokens and 100 native tokens, approving the protocol and the rebalancer.
func NewFixture(t testing.TB, opts ...Option) *Fixture {
	t.Helper()
	cfg := fixtureConfig{
		params:     state.DefaultParams(),
		oracle:     oracle.DefaultConfig(),
		rewards:    rewards.DefaultParams(),
		rebalancer: rebalancer.DefaultParams(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.oracle.ValidationDelay = cfg.params.ValidationDelay
	cfg.oracle.ValidationDeadline = cfg.params.ValidationDeadline

	f := &Fixture{
		Asset:  token.NewAssetToken(),
		Shares: token.NewShareToken(),
		Native: token.NewNativeBank(),
		Feed:   oracle.NewFeed(FeedName, nil),
		Params: cfg.params,
	}
	var err error
	f.Oracle, err = oracle.NewMiddleware(cfg.oracle, f.Feed, nil)
	require.NoError(t, err)
	f.Rewards, err = rewards.NewManager(cfg.rewards)
	require.NoError(t, err)

	f.Protocol, err = core.NewProtocol(cfg.params, ProtocolAddress, core.Deps{
		Oracle:  f.Oracle,
		Asset:   f.Asset,
		Shares:  f.Shares,
		Native:  f.Native,
		Rewards: f.Rewards,
	})
	require.NoError(t, err)

	if !cfg.withoutRebalance {
		f.Rebalancer, err = rebalancer.New(RebalancerAddress, cfg.rebalancer, f.Protocol, f.Asset, f.Native, token.MaxAllowance, nil)
		require.NoError(t, err)
	}

	for _, u := range []common.Address{Alice, Bob, Carol, Liquidator, Deployer} {
		require.NoError(t, f.Asset.Mint(u, Tokens(1000)))
		require.NoError(t, f.Native.Fund(u, Tokens(100)))
		f.Asset.Approve(u, ProtocolAddress, token.MaxAllowance)
		f.Asset.Approve(u, RebalancerAddress, token.MaxAllowance)
	}
	// funding is not a call; start the journal clean
	f.Asset.DrainBatches()
	f.Native.DrainBatches()
	return f
}

// Price is a low-latency update payload at ts with no confidence interval.
func Price(price sdkmath.Int, ts int64) []byte {
	return oracle.EncodeUpdate(oracle.Update{Price: price, Confidence: sdkmath.ZeroInt(), Timestamp: ts})
}

// Fee is the native value that covers one security deposit and one
// low-latency update.
func (f *Fixture) Fee() sdkmath.Int {
	return f.Params.SecurityDeposit.Add(oracle.DefaultConfig().LowLatencyFee)
}

// Call is a call from sender at ts carrying Fee.
func (f *Fixture) Call(sender common.Address, ts int64) core.CallContext {
	f.refs++
	return core.CallContext{
		Sender:    sender,
		Value:     f.Fee(),
		Timestamp: ts,
		GasPrice:  sdkmath.NewInt(1_000_000_000),
		Ref:       fmt.Sprintf("test-%d", f.refs),
	}
}

// Initialize seeds the vault with 10 tokens and opens a 10 token long
// liquidated around 1500 at InitialPrice. The long trading exposure lands
// just below the vault balance, inside every imbalance limit.
func (f *Fixture) Initialize(t testing.TB) *core.ActionOutcome {
	t.Helper()
	out, err := f.Protocol.Initialize(f.Call(Deployer, StartTime), core.InitializeRequest{
		DepositAmount:   Tokens(10),
		LongAmount:      Tokens(10),
		DesiredLiqPrice: Tokens(1500),
		Payload:         Price(InitialPrice, StartTime),
	})
	require.NoError(t, err)
	return out
}

// PushRound publishes a settled round.
func (f *Fixture) PushRound(t testing.TB, id int64, price sdkmath.Int, ts int64) {
	t.Helper()
	applied, err := f.Feed.Update(oracle.Round{ID: id, Price: price, Confidence: sdkmath.ZeroInt(), Timestamp: ts})
	require.NoError(t, err)
	require.True(t, applied, "round %d not applied", id)
}

// Deposit initiates a deposit of amount for user at ts, priced at
// InitialPrice.
func (f *Fixture) Deposit(t testing.TB, user common.Address, amount sdkmath.Int, ts int64) *core.ActionOutcome {
	t.Helper()
	out, err := f.Protocol.InitiateDeposit(f.Call(user, ts), core.DepositRequest{
		Amount:    amount,
		To:        user,
		Validator: user,
		Payload:   Price(InitialPrice, ts),
	})
	require.NoError(t, err)
	return out
}

// Open initiates a long for user at ts, priced at InitialPrice.
func (f *Fixture) Open(t testing.TB, user common.Address, amount, liqPrice sdkmath.Int, ts int64) *core.ActionOutcome {
	t.Helper()
	out, err := f.Protocol.InitiateOpenPosition(f.Call(user, ts), core.OpenRequest{
		Amount:          amount,
		DesiredLiqPrice: liqPrice,
		To:              user,
		Validator:       user,
		Payload:         Price(InitialPrice, ts),
	})
	require.NoError(t, err)
	return out
}

// RequireInvariants fails the test when the protocol's custody invariants
// do not hold.
func (f *Fixture) RequireInvariants(t testing.TB) {
	t.Helper()
	require.NoError(t, f.Protocol.CheckInvariants())
	require.NoError(t, f.Asset.Validate())
	require.NoError(t, f.Native.Validate())
	require.NoError(t, f.Shares.Validate())
}

// NewCore wires the fixture into a DeterministicCore with buffered output
// channels and no database dedup tier.
func (f *Fixture) NewCore(persistCap, projCap int) (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, persistCap)
	projChan := make(chan core.CoreOutput, projCap)
	c := core.NewDeterministicCore(f.Protocol, 0, persistChan, projChan, nil, nil)
	c.RegisterComponent("asset", f.Asset)
	c.RegisterComponent("shares", f.Shares)
	c.RegisterComponent("native", f.Native)
	c.RegisterComponent("feed", f.Feed)
	c.RegisterHandler(f.Feed)
	if f.Rebalancer != nil {
		c.RegisterComponent("rebalancer", f.Rebalancer)
		c.RegisterHandler(f.Rebalancer)
	}
	return c, persistChan, projChan
}

// DrainOutputs returns every output buffered in ch.
func DrainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// CommandCall is the header of the n-th command of a test, sent from sender
// at ts as sequence seq of the global partition.
func (f *Fixture) CommandCall(n int, sender common.Address, ts, seq int64) event.Call {
	return event.Call{
		CommandID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("cmd-%d", n))),
		Sender:    sender,
		Value:     f.Fee(),
		GasPrice:  sdkmath.NewInt(1_000_000_000),
		Timestamp: ts,
		Sequence:  seq,
	}
}

// InitializeCommand is the command form of Initialize.
func (f *Fixture) InitializeCommand() *event.Initialize {
	return &event.Initialize{
		Call:            f.CommandCall(0, Deployer, StartTime, 0),
		DepositAmount:   Tokens(10),
		LongAmount:      Tokens(10),
		DesiredLiqPrice: Tokens(1500),
		PriceData:       Price(InitialPrice, StartTime),
	}
}

// DepositCommand is an InitiateDeposit of amount by user to itself.
func (f *Fixture) DepositCommand(n int, user common.Address, amount sdkmath.Int, ts, seq int64) *event.InitiateDeposit {
	return &event.InitiateDeposit{
		Call:      f.CommandCall(n, user, ts, seq),
		Amount:    amount,
		To:        user,
		Validator: user,
		PriceData: Price(InitialPrice, ts),
	}
}
