package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"

	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/query"
	"PerpVault/internal/state"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxCommandBytes = 1 << 20
)

// NewGateway builds the JSON gateway. Every route is registered on a
// grpc-gateway ServeMux with HandlePath; the query and command routes
// have no protobuf counterpart.
func NewGateway(deps Deps) (http.Handler, error) {
	mux := runtime.NewServeMux()
	g := &gateway{query: deps.Query, commands: deps.Commands}

	routes := []route{
		{http.MethodGet, "/v1/protocol", g.protocol},
		{http.MethodGet, "/v1/positions", g.positionsByOwner},
		{http.MethodGet, "/v1/positions/{tick}/{version}/{index}", g.position},
		{http.MethodGet, "/v1/pending/{validator}", g.pending},
		{http.MethodGet, "/v1/funding", g.funding},
		{http.MethodGet, "/v1/liquidations", g.liquidations},
		{http.MethodGet, "/v1/journal/{owner}", g.journal},
		{http.MethodGet, "/v1/integrity", g.integrity},
		{http.MethodPost, "/v1/commands", g.submit},
	}
	if deps.HealthChecker != nil {
		hc := deps.HealthChecker
		routes = append(routes,
			route{http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
				hc.LivenessHandler(w, r)
			}},
			route{http.MethodGet, "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
				hc.ReadinessHandler(w, r)
			}},
		)
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return nil, errors.Wrapf(err, "register %s %s", rt.method, rt.pattern)
		}
	}
	return mux, nil
}

type route struct {
	method, pattern string
	h               runtime.HandlerFunc
}

type gateway struct {
	query    *query.Service
	commands *ingestion.CommandService
}

func (g *gateway) protocol(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.query.Protocol(r.Context())
	reply(w, resp, err)
}

func (g *gateway) position(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parsePositionID(params)
	if err != nil {
		writeError(w, codes.InvalidArgument, err)
		return
	}
	resp, err := g.query.Position(r.Context(), id)
	reply(w, resp, err)
}

func (g *gateway) positionsByOwner(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	owner, err := parseAddress("owner", r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, codes.InvalidArgument, err)
		return
	}
	resp, err := g.query.PositionsByOwner(r.Context(), owner)
	reply(w, resp, err)
}

func (g *gateway) pending(w http.ResponseWriter, r *http.Request, params map[string]string) {
	validator, err := parseAddress("validator", params["validator"])
	if err != nil {
		writeError(w, codes.InvalidArgument, err)
		return
	}
	resp, err := g.query.Pending(r.Context(), validator)
	reply(w, resp, err)
}

func (g *gateway) funding(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, err := pageSize(r)
	if err != nil {
		writeError(w, codes.InvalidArgument, err)
		return
	}
	resp, err := g.query.FundingHistory(r.Context(), limit)
	reply(w, resp, err)
}

func (g *gateway) liquidations(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, err := pageSize(r)
	if err != nil {
		writeError(w, codes.InvalidArgument, err)
		return
	}
	resp, err := g.query.Liquidations(r.Context(), limit)
	reply(w, resp, err)
}

func (g *gateway) journal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := parseAddress("owner", params["owner"])
	if err != nil {
		writeError(w, codes.InvalidArgument, err)
		return
	}
	limit, err := pageSize(r)
	if err != nil {
		writeError(w, codes.InvalidArgument, err)
		return
	}
	var after *int64
	if s := r.URL.Query().Get("before_sequence"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, codes.InvalidArgument, errors.Wrap(err, "before_sequence"))
			return
		}
		after = &v
	}
	resp, err := g.query.JournalHistory(r.Context(), owner, limit, after)
	reply(w, resp, err)
}

func (g *gateway) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.query.VerifyIntegrity(r.Context())
	reply(w, resp, err)
}

// CommandResponse is the answer to POST /v1/commands.
type CommandResponse struct {
	EventType string              `json:"event_type"`
	CommandID string              `json:"command_id,omitempty"`
	Sequence  int64               `json:"sequence"`
	Duplicate bool                `json:"duplicate"`
	Status    string              `json:"status,omitempty"`
	Outcome   *core.ActionOutcome `json:"outcome,omitempty"`
}

// RejectionResponse carries the registered error of a rejected command.
type RejectionResponse struct {
	Error     string `json:"error"`
	Codespace string `json:"codespace"`
	Code      uint32 `json:"code"`
}

func (g *gateway) submit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	if err != nil {
		writeError(w, codes.InvalidArgument, errors.Wrap(err, "read body"))
		return
	}

	evt, res, err := g.commands.SubmitRaw(r.Context(), body)
	if err != nil {
		writeError(w, codeOf(err), err)
		return
	}
	if res.Err != nil {
		codespace, code, msg := errorsmod.ABCIInfo(res.Err, false)
		status := http.StatusUnprocessableEntity
		if errorsmod.IsOf(res.Err, core.ErrSequenceGap, core.ErrOutOfOrder) {
			status = http.StatusConflict
		}
		writeJSON(w, status, RejectionResponse{Error: msg, Codespace: codespace, Code: code})
		return
	}

	resp := CommandResponse{
		EventType: evt.EventType().String(),
		CommandID: evt.IdempotencyKey(),
		Sequence:  res.Sequence,
		Duplicate: res.Outcome == nil,
		Outcome:   res.Outcome,
	}
	if res.Outcome != nil {
		resp.Status = res.Outcome.Status.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func parsePositionID(params map[string]string) (state.PositionID, error) {
	tick, err := strconv.ParseInt(params["tick"], 10, 32)
	if err != nil {
		return state.PositionID{}, errors.Wrap(err, "tick")
	}
	version, err := strconv.ParseUint(params["version"], 10, 64)
	if err != nil {
		return state.PositionID{}, errors.Wrap(err, "version")
	}
	index, err := strconv.Atoi(params["index"])
	if err != nil || index < 0 {
		return state.PositionID{}, errors.Errorf("index: invalid value %q", params["index"])
	}
	return state.PositionID{Tick: int32(tick), TickVersion: version, Index: index}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func pageSize(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("limit: invalid value %q", s)
	}
	if n > maxPageSize {
		n = maxPageSize
	}
	return n, nil
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, query.ErrNotReady), errors.Is(err, query.ErrNoDatabase):
		return codes.Unavailable
	case errors.Is(err, ingestion.ErrUnknownCommand), errors.Is(err, ingestion.ErrInvalidCommand):
		return codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func reply(w http.ResponseWriter, resp interface{}, err error) {
	if err != nil {
		writeError(w, codeOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code codes.Code, err error) {
	writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{Code: code.String(), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
