package oracle

import (
	"encoding/binary"
	"encoding/json"
	"hash"
	"sort"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"PerpVault/internal/state"
)

// roundHistory is how many settled rounds the feed keeps for validations
// that need the first round after a target time.
const roundHistory = 256

// Round is a settled price round.
type Round struct {
	ID         int64       `json:"id"`
	Price      sdkmath.Int `json:"price"`
	Confidence sdkmath.Int `json:"confidence"`
	Timestamp  int64       `json:"timestamp"`
}

// Feed stores the recent settled rounds of one price feed. Rounds arrive
// as PriceRound commands through the core, so the feed is part of the
// deterministic state.
type Feed struct {
	name   string
	rounds []Round // ascending by ID and timestamp

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewFeed(name string, metrics *observability.Metrics) *Feed {
	return &Feed{
		name:    name,
		logger:  observability.NewLogger("oracle_feed").With().Str("feed", name).Logger(),
		metrics: metrics,
	}
}

func (f *Feed) Name() string { return f.name }

// Latest returns the newest round.
func (f *Feed) Latest() (Round, bool) {
	if len(f.rounds) == 0 {
		return Round{}, false
	}
	return f.rounds[len(f.rounds)-1], true
}

// RoundAtOrAfter returns the first known round with timestamp >= ts.
func (f *Feed) RoundAtOrAfter(ts int64) (Round, bool) {
	i := sort.Search(len(f.rounds), func(i int) bool { return f.rounds[i].Timestamp >= ts })
	if i == len(f.rounds) {
		return Round{}, false
	}
	return f.rounds[i], true
}

// Update appends a round. Rounds that are not newer than the latest one in
// both id and timestamp, or that move the price beyond 100x or below 1% of
// the previous round, are skipped and reported as not applied.
func (f *Feed) Update(r Round) (bool, error) {
	if r.Price.IsNil() || !r.Price.IsPositive() {
		return false, errorsmod.Wrapf(core.ErrPriceOutOfRange, "round %d price %s", r.ID, r.Price)
	}
	if r.Confidence.IsNil() {
		r.Confidence = sdkmath.ZeroInt()
	}
	if r.Confidence.IsNegative() {
		return false, errorsmod.Wrapf(core.ErrPriceOutOfRange, "round %d negative confidence", r.ID)
	}
	if last, ok := f.Latest(); ok {
		if r.ID <= last.ID || r.Timestamp <= last.Timestamp {
			f.reject("stale_round")
			return false, nil
		}
		if outsideThreshold(last.Price, r.Price) {
			f.reject("threshold")
			f.logger.Warn().
				Int64("round", r.ID).
				Str("last_price", last.Price.String()).
				Str("price", r.Price.String()).
				Msg("round skipped: price moved beyond threshold")
			return false, nil
		}
	}
	f.rounds = append(f.rounds, r)
	if len(f.rounds) > roundHistory {
		f.rounds = append([]Round(nil), f.rounds[len(f.rounds)-roundHistory:]...)
	}
	if f.metrics != nil {
		f.metrics.OraclePrices.WithLabelValues("settled_round", "update").Inc()
	}
	return true, nil
}

// outsideThreshold is true when next > 100 * prev or next < prev / 100.
func outsideThreshold(prev, next sdkmath.Int) bool {
	return next.GT(prev.MulRaw(100)) || next.MulRaw(100).LT(prev)
}

func (f *Feed) reject(reason string) {
	if f.metrics != nil {
		f.metrics.OracleRejected.WithLabelValues("settled_round", reason).Inc()
	}
}

// Handles reports whether the command is a round of this feed.
func (f *Feed) Handles(t event.EventType) bool {
	return t == event.EventTypePriceRound
}

func (f *Feed) Handle(_ core.CallContext, evt event.Event) (*core.ActionOutcome, error) {
	pr, ok := evt.(*event.PriceRound)
	if !ok {
		return nil, errorsmod.Wrapf(core.ErrUnknownCommand, "feed cannot handle %T", evt)
	}
	if pr.Feed != f.name {
		return nil, errorsmod.Wrapf(core.ErrUnknownCommand, "round for feed %q, this is %q", pr.Feed, f.name)
	}
	out := core.NewOutcome(state.ActionNone)
	applied, err := f.Update(Round{ID: pr.RoundID, Price: pr.Price, Confidence: pr.Confidence, Timestamp: pr.Timestamp})
	if err != nil {
		return nil, err
	}
	if applied {
		out.Price = pr.Price
	}
	return out, nil
}

// --- persistence ---

func (f *Feed) Digest(h hash.Hash) {
	var buf []byte
	for _, r := range f.rounds {
		buf = binary.LittleEndian.AppendUint64(buf[:0], uint64(r.ID))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timestamp))
		h.Write(buf)
		h.Write([]byte(r.Price.String()))
		h.Write([]byte(r.Confidence.String()))
	}
}

type feedState struct {
	Name   string  `json:"name"`
	Rounds []Round `json:"rounds"`
}

func (f *Feed) ExportState() (json.RawMessage, error) {
	return json.Marshal(feedState{Name: f.name, Rounds: f.rounds})
}

func (f *Feed) ImportState(data json.RawMessage) error {
	var st feedState
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "decode feed state")
	}
	if st.Name != f.name {
		return errors.Errorf("snapshot of feed %q imported into %q", st.Name, f.name)
	}
	f.rounds = st.Rounds
	return nil
}
