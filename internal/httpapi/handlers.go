package httpapi

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/internal/events"
	"github.com/R3E-Network/custody_bank/internal/httputil"
	"github.com/R3E-Network/custody_bank/internal/middleware"
)

// defaultDeadline applies to conversion deposits that omit a deadline.
const defaultDeadline = 5 * time.Minute

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// =============================================================================
// Views
// =============================================================================

type recordView struct {
	Sequence   uint64            `json:"sequence"`
	ID         string            `json:"id"`
	Type       events.Type       `json:"type"`
	RequestID  string            `json:"request_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Fields     map[string]string `json:"fields"`
}

func viewRecord(rec events.Record) recordView {
	return recordView{
		Sequence:   rec.Sequence,
		ID:         rec.ID,
		Type:       rec.Type,
		RequestID:  rec.RequestID,
		OccurredAt: rec.Timestamp,
		Fields:     rec.Fields(),
	}
}

type balanceView struct {
	Asset               string `json:"asset"`
	Amount              string `json:"amount"`
	CumulativeDeposited string `json:"cumulative_deposited"`
	CumulativeWithdrawn string `json:"cumulative_withdrawn"`
}

func viewBalance(asset util.Uint160, b custody.Balance) balanceView {
	return balanceView{
		Asset:               custody.FormatAsset(asset),
		Amount:              intString(b.Amount),
		CumulativeDeposited: intString(b.CumulativeDeposited),
		CumulativeWithdrawn: intString(b.CumulativeWithdrawn),
	}
}

type assetView struct {
	Asset        string    `json:"asset"`
	Decimals     uint8     `json:"decimals"`
	PriceSource  string    `json:"price_source"`
	Supported    bool      `json:"supported"`
	RegisteredAt time.Time `json:"registered_at"`
	Custody      string    `json:"custody"`
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// =============================================================================
// Request helpers
// =============================================================================

func caller(r *http.Request) (util.Uint160, error) {
	p, ok := middleware.Principal(r.Context())
	if !ok {
		return util.Uint160{}, errors.Unauthenticated("missing principal")
	}
	return p, nil
}

func parseAsset(field, s string) (util.Uint160, error) {
	u, err := custody.ParseAsset(s)
	if err != nil {
		return util.Uint160{}, errors.InvalidInput(field, err.Error())
	}
	return u, nil
}

func parseAccount(field, s string) (util.Uint160, error) {
	u, err := custody.ParseAccount(s)
	if err != nil {
		return util.Uint160{}, errors.InvalidInput(field, err.Error())
	}
	return u, nil
}

func parseAmount(field, s string) (*big.Int, error) {
	v, err := custody.ParseAmount(s)
	if err != nil {
		return nil, errors.InvalidInput(field, "must be a base-10 integer")
	}
	return v, nil
}

func parseRole(s string) (custody.Role, error) {
	role, ok := custody.ParseRole(s)
	if !ok {
		return "", errors.ErrInvalidRole.WithDetails("role", s)
	}
	return role, nil
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, rec events.Record, err error) {
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, status, viewRecord(rec))
}

// =============================================================================
// Account operations
// =============================================================================

type amountRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) decodeAmount(r *http.Request) (util.Uint160, util.Uint160, *big.Int, error) {
	account, err := caller(r)
	if err != nil {
		return util.Uint160{}, util.Uint160{}, nil, err
	}
	var req amountRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		return util.Uint160{}, util.Uint160{}, nil, err
	}
	asset, err := parseAsset("asset", req.Asset)
	if err != nil {
		return util.Uint160{}, util.Uint160{}, nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return util.Uint160{}, util.Uint160{}, nil, err
	}
	return account, asset, amount, nil
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	account, asset, amount, err := s.decodeAmount(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := s.bank.Deposit(r.Context(), account, asset, amount)
	s.respond(w, r, http.StatusCreated, rec, err)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	account, asset, amount, err := s.decodeAmount(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := s.bank.Withdraw(r.Context(), account, asset, amount)
	s.respond(w, r, http.StatusCreated, rec, err)
}

func (s *Server) handleDepositWithConversion(w http.ResponseWriter, r *http.Request) {
	account, err := caller(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	var req struct {
		AssetIn         string    `json:"asset_in"`
		AmountIn        string    `json:"amount_in"`
		MinReferenceOut string    `json:"min_reference_out"`
		Deadline        time.Time `json:"deadline"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	assetIn, err := parseAsset("asset_in", req.AssetIn)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	amountIn, err := parseAmount("amount_in", req.AmountIn)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	minOut, err := parseAmount("min_reference_out", req.MinReferenceOut)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(defaultDeadline)
	}

	rec, err := s.bank.DepositWithConversion(r.Context(), account, assetIn, amountIn, minOut, deadline)
	s.respond(w, r, http.StatusCreated, rec, err)
}

// =============================================================================
// Queries
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.bank.GetBankState(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"paused": state.Paused,
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccount("account", mux.Vars(r)["account"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	positions := s.bank.AllBalances(r.Context(), account)
	out := make([]balanceView, 0, len(positions))
	for _, p := range positions {
		out = append(out, viewBalance(p.Asset, p.Balance))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"account":  custody.FormatAccount(account),
		"balances": out,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	account, err := parseAccount("account", vars["account"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	asset, err := parseAsset("asset", vars["asset"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, viewBalance(asset, s.bank.GetBalance(r.Context(), account, asset)))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st := s.bank.GetBankState(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"total_value_locked": intString(st.TotalValueLocked),
		"deposit_count":      st.DepositCount,
		"withdrawal_count":   st.WithdrawalCount,
		"withdrawal_limit":   intString(st.WithdrawalLimit),
		"capacity_limit":     intString(st.CapacityLimit),
		"paused":             st.Paused,
		"reference_asset":    custody.FormatAsset(s.bank.Reference()),
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets := s.bank.SupportedAssets(r.Context())
	if r.URL.Query().Get("all") == "true" {
		assets = s.bank.KnownAssets(r.Context())
	}
	out := make([]assetView, 0, len(assets))
	for _, a := range assets {
		out = append(out, assetView{
			Asset:        custody.FormatAsset(a.ID),
			Decimals:     a.Decimals,
			PriceSource:  a.PriceSource,
			Supported:    a.Supported,
			RegisteredAt: a.RegisteredAt,
			Custody:      intString(s.bank.CustodyOf(r.Context(), a.ID)),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"assets": out})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			httputil.WriteError(w, r, errors.InvalidInput("after", "must be a non-negative integer"))
			return
		}
		after = n
	}
	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteError(w, r, errors.InvalidInput("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	recs, complete := s.bank.Journal().Since(after, limit)
	if !complete && s.history != nil {
		stored, err := s.history.Records(r.Context(), after, limit)
		if err != nil {
			httputil.WriteError(w, r, errors.Internal("load event history", err))
			return
		}
		out := make([]recordView, 0, len(stored))
		for _, sr := range stored {
			out = append(out, recordView(sr))
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"records": out, "complete": true})
		return
	}

	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewRecord(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"records": out, "complete": complete})
}

// =============================================================================
// Administration
// =============================================================================

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	var req struct {
		Asset       string `json:"asset"`
		PriceSource string `json:"price_source"`
		Decimals    *uint8 `json:"decimals"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	asset, err := parseAsset("asset", req.Asset)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if req.Decimals == nil {
		httputil.WriteError(w, r, errors.InvalidInput("decimals", "is required"))
		return
	}
	rec, err := s.bank.RegisterAsset(r.Context(), who, asset, req.PriceSource, *req.Decimals)
	s.respond(w, r, http.StatusCreated, rec, err)
}

func (s *Server) handleDeregisterAsset(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	asset, err := parseAsset("asset", mux.Vars(r)["asset"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := s.bank.DeregisterAsset(r.Context(), who, asset)
	s.respond(w, r, http.StatusOK, rec, err)
}

type payoutRequest struct {
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

func (s *Server) decodePayout(r *http.Request) (who, asset, recipient util.Uint160, amount *big.Int, err error) {
	if who, err = caller(r); err != nil {
		return
	}
	var req payoutRequest
	if err = httputil.ReadJSON(r, &req); err != nil {
		return
	}
	if asset, err = parseAsset("asset", req.Asset); err != nil {
		return
	}
	if amount, err = parseAmount("amount", req.Amount); err != nil {
		return
	}
	if req.Recipient == "" {
		err = errors.ErrInvalidRecipient
		return
	}
	recipient, err = parseAccount("recipient", req.Recipient)
	return
}

func (s *Server) handleTreasuryWithdraw(w http.ResponseWriter, r *http.Request) {
	who, asset, recipient, amount, err := s.decodePayout(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := s.bank.TreasuryWithdraw(r.Context(), who, asset, amount, recipient)
	s.respond(w, r, http.StatusCreated, rec, err)
}

func (s *Server) handleRecoverFunds(w http.ResponseWriter, r *http.Request) {
	who, asset, recipient, amount, err := s.decodePayout(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := s.bank.RecoverFunds(r.Context(), who, asset, amount, recipient)
	s.respond(w, r, http.StatusCreated, rec, err)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := s.bank.Pause(r.Context(), who)
	s.respond(w, r, http.StatusOK, rec, err)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := s.bank.Unpause(r.Context(), who)
	s.respond(w, r, http.StatusOK, rec, err)
}

func (s *Server) roleTarget(r *http.Request) (who util.Uint160, role custody.Role, principal util.Uint160, err error) {
	if who, err = caller(r); err != nil {
		return
	}
	vars := mux.Vars(r)
	if role, err = parseRole(vars["role"]); err != nil {
		return
	}
	principal, err = parseAccount("principal", vars["principal"])
	return
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	who, role, principal, err := s.roleTarget(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := s.bank.GrantRole(r.Context(), who, role, principal)
	s.respond(w, r, http.StatusOK, rec, err)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	who, role, principal, err := s.roleTarget(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := s.bank.RevokeRole(r.Context(), who, role, principal)
	s.respond(w, r, http.StatusOK, rec, err)
}

func (s *Server) handleRenounceRole(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	role, err := parseRole(mux.Vars(r)["role"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := s.bank.RenounceRole(r.Context(), who, role)
	s.respond(w, r, http.StatusOK, rec, err)
}

func (s *Server) handleTransferSuperAdmin(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	var req struct {
		Principal string `json:"principal"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	next, err := parseAccount("principal", req.Principal)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := s.bank.TransferSuperAdmin(r.Context(), who, next)
	s.respond(w, r, http.StatusOK, rec, err)
}

func (s *Server) handleAcceptSuperAdmin(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := s.bank.AcceptSuperAdmin(r.Context(), who)
	s.respond(w, r, http.StatusOK, rec, err)
}
