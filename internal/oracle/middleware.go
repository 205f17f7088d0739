package oracle

import (
	"encoding/json"
	"errors"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"PerpVault/internal/core"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
)

const (
	modeLowLatency = "low_latency"
	modeSettled    = "settled"
)

// Config tunes the middleware. Ages are in seconds.
type Config struct {
	// LowLatencyMaxAge bounds how old a low-latency update may be for calls
	// that take the current price (initiate, liquidation).
	LowLatencyMaxAge int64 `yaml:"low_latency_max_age" json:"low_latency_max_age"`
	// LowLatencyTolerance is how far past the target a low-latency update
	// used for a validation may be.
	LowLatencyTolerance int64 `yaml:"low_latency_tolerance" json:"low_latency_tolerance"`
	// SettledMaxAge bounds the age of the latest settled round.
	SettledMaxAge int64 `yaml:"settled_max_age" json:"settled_max_age"`

	// ValidationDelay and ValidationDeadline delimit the low-latency window
	// of a validation: [initiate+delay, initiate+deadline].
	ValidationDelay    int64 `yaml:"-" json:"validation_delay"`
	ValidationDeadline int64 `yaml:"-" json:"validation_deadline"`

	ConfRatioBps  int64       `yaml:"conf_ratio_bps" json:"conf_ratio_bps"`
	LowLatencyFee sdkmath.Int `yaml:"-" json:"low_latency_fee"` // native currency per update
	MinPrice      sdkmath.Int `yaml:"-" json:"min_price"`
	MaxPrice      sdkmath.Int `yaml:"-" json:"max_price"`
}

func DefaultConfig() Config {
	return Config{
		LowLatencyMaxAge:    60,
		LowLatencyTolerance: 5,
		SettledMaxAge:       3600 + 60,
		ValidationDelay:     24,
		ValidationDeadline:  20 * 60,
		ConfRatioBps:        4000,
		LowLatencyFee:       sdkmath.NewInt(1),
		MinPrice:            fpmath.Pow10(fpmath.PriceDecimals - 6),
		MaxPrice:            fpmath.ToTokens(1_000_000_000),
	}
}

// Update is a low-latency signed price update as carried in call payloads.
// Signature verification happens upstream of the core.
type Update struct {
	Price      sdkmath.Int `json:"price"`
	Confidence sdkmath.Int `json:"confidence"`
	Timestamp  int64       `json:"timestamp"`
}

// EncodeUpdate builds the payload for a low-latency update.
func EncodeUpdate(u Update) []byte {
	b, _ := json.Marshal(u)
	return b
}

// Middleware implements core.PriceOracle. A non-empty payload is a
// low-latency update; an empty payload reads the settled feed.
type Middleware struct {
	cfg  Config
	feed *Feed

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewMiddleware(cfg Config, feed *Feed, metrics *observability.Metrics) (*Middleware, error) {
	if feed == nil {
		return nil, errorsmod.Wrap(core.ErrInvalidAddress, "settled feed is required")
	}
	if cfg.ValidationDeadline <= cfg.ValidationDelay {
		return nil, errorsmod.Wrapf(core.ErrPriceOutOfRange, "validation deadline %d must exceed delay %d", cfg.ValidationDeadline, cfg.ValidationDelay)
	}
	if cfg.ConfRatioBps < 0 || cfg.ConfRatioBps > fpmath.BPSDivisor {
		return nil, errorsmod.Wrapf(core.ErrPriceOutOfRange, "conf ratio %d bps", cfg.ConfRatioBps)
	}
	if cfg.LowLatencyFee.IsNil() {
		cfg.LowLatencyFee = sdkmath.ZeroInt()
	}
	return &Middleware{
		cfg:     cfg,
		feed:    feed,
		logger:  observability.NewLogger("oracle"),
		metrics: metrics,
	}, nil
}

func (m *Middleware) Feed() *Feed { return m.feed }

// ValidationCost is the native fee of a low-latency update; the settled
// feed is free.
func (m *Middleware) ValidationCost(payload []byte, _ core.OracleAction) sdkmath.Int {
	if len(payload) == 0 {
		return sdkmath.ZeroInt()
	}
	return m.cfg.LowLatencyFee
}

// ParseAndValidatePrice returns the price for action. targetTimestamp is
// zero for calls priced at now; validations pass the earliest moment their
// price may come from. Validations inside the low-latency window need a
// low-latency update; after it they need a settled round.
func (m *Middleware) ParseAndValidatePrice(payload []byte, targetTimestamp, now int64, action core.OracleAction) (core.PriceInfo, error) {
	mode := modeSettled
	if len(payload) > 0 {
		mode = modeLowLatency
	}
	price, conf, ts, err := m.price(payload, targetTimestamp, now)
	if err != nil {
		if m.metrics != nil {
			m.metrics.OracleRejected.WithLabelValues(mode, rejectReason(err)).Inc()
		}
		return core.PriceInfo{}, err
	}
	if price.LT(m.cfg.MinPrice) || price.GT(m.cfg.MaxPrice) {
		if m.metrics != nil {
			m.metrics.OracleRejected.WithLabelValues(mode, "range").Inc()
		}
		return core.PriceInfo{}, errorsmod.Wrapf(core.ErrPriceOutOfRange, "price %s outside [%s, %s]", price, m.cfg.MinPrice, m.cfg.MaxPrice)
	}
	adjusted := m.adjust(price, conf, action)
	if m.metrics != nil {
		m.metrics.OraclePrices.WithLabelValues(mode, action.String()).Inc()
	}
	m.logger.Debug().
		Str("mode", mode).
		Str("action", action.String()).
		Str("price", price.String()).
		Str("adjusted", adjusted.String()).
		Int64("price_ts", ts).
		Msg("price validated")
	return core.PriceInfo{Price: adjusted, NeutralPrice: price, Timestamp: ts}, nil
}

func (m *Middleware) price(payload []byte, target, now int64) (price, conf sdkmath.Int, ts int64, err error) {
	if target == 0 {
		return m.currentPrice(payload, now)
	}
	// window end: initiate + deadline, with target = initiate + delay
	windowEnd := target - m.cfg.ValidationDelay + m.cfg.ValidationDeadline
	if now <= windowEnd {
		if len(payload) == 0 {
			return price, conf, 0, errorsmod.Wrapf(core.ErrPriceTooRecent, "low-latency window open until %d", windowEnd)
		}
		u, err := decode(payload)
		if err != nil {
			return price, conf, 0, err
		}
		if u.Timestamp < target {
			return price, conf, 0, errorsmod.Wrapf(core.ErrPriceTooOld, "update at %d before target %d", u.Timestamp, target)
		}
		if u.Timestamp > target+m.cfg.LowLatencyTolerance || u.Timestamp > now {
			return price, conf, 0, errorsmod.Wrapf(core.ErrPriceTooRecent, "update at %d, target %d", u.Timestamp, target)
		}
		return u.Price, u.Confidence, u.Timestamp, nil
	}
	if len(payload) > 0 {
		return price, conf, 0, errorsmod.Wrapf(core.ErrPriceTooOld, "low-latency window closed at %d", windowEnd)
	}
	r, ok := m.feed.RoundAtOrAfter(target)
	if !ok || r.Timestamp > now {
		return price, conf, 0, errorsmod.Wrapf(core.ErrPriceTooRecent, "no settled round at or after %d", target)
	}
	return r.Price, r.Confidence, r.Timestamp, nil
}

func (m *Middleware) currentPrice(payload []byte, now int64) (price, conf sdkmath.Int, ts int64, err error) {
	if len(payload) > 0 {
		u, err := decode(payload)
		if err != nil {
			return price, conf, 0, err
		}
		if u.Timestamp > now {
			return price, conf, 0, errorsmod.Wrapf(core.ErrPriceTooRecent, "update at %d, now %d", u.Timestamp, now)
		}
		if u.Timestamp < now-m.cfg.LowLatencyMaxAge {
			return price, conf, 0, errorsmod.Wrapf(core.ErrPriceTooOld, "update at %d, now %d", u.Timestamp, now)
		}
		return u.Price, u.Confidence, u.Timestamp, nil
	}
	r, ok := m.feed.Latest()
	if !ok {
		return price, conf, 0, errorsmod.Wrap(core.ErrPriceTooOld, "no settled round")
	}
	if r.Timestamp > now {
		return price, conf, 0, errorsmod.Wrapf(core.ErrPriceTooRecent, "round %d at %d, now %d", r.ID, r.Timestamp, now)
	}
	if r.Timestamp < now-m.cfg.SettledMaxAge {
		return price, conf, 0, errorsmod.Wrapf(core.ErrPriceTooOld, "round %d at %d, now %d", r.ID, r.Timestamp, now)
	}
	return r.Price, r.Confidence, r.Timestamp, nil
}

func decode(payload []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return u, errorsmod.Wrapf(core.ErrPriceOutOfRange, "malformed update: %v", err)
	}
	if u.Price.IsNil() || !u.Price.IsPositive() {
		return u, errorsmod.Wrap(core.ErrPriceOutOfRange, "update price must be positive")
	}
	if u.Confidence.IsNil() {
		u.Confidence = sdkmath.ZeroInt()
	}
	if u.Confidence.IsNegative() {
		return u, errorsmod.Wrap(core.ErrPriceOutOfRange, "negative confidence")
	}
	return u, nil
}

// adjust moves the price by confRatio * confidence in the direction that
// favours the protocol for the action.
func (m *Middleware) adjust(price, conf sdkmath.Int, action core.OracleAction) sdkmath.Int {
	delta := fpmath.ApplyBps(conf, m.cfg.ConfRatioBps)
	switch action {
	case core.OracleValidateDeposit, core.OracleValidateClose:
		if delta.GTE(price) {
			return sdkmath.OneInt()
		}
		return price.Sub(delta)
	case core.OracleValidateWithdrawal, core.OracleValidateOpen:
		return price.Add(delta)
	default:
		return price
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, core.ErrPriceTooOld):
		return "too_old"
	case errors.Is(err, core.ErrPriceTooRecent):
		return "too_recent"
	default:
		return "invalid"
	}
}
