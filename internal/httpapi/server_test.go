package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/custody_bank/internal/access"
	"github.com/R3E-Network/custody_bank/internal/adapters/memory"
	"github.com/R3E-Network/custody_bank/internal/bank"
	"github.com/R3E-Network/custody_bank/internal/conversion"
	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/events"
	"github.com/R3E-Network/custody_bank/internal/httputil"
	"github.com/R3E-Network/custody_bank/internal/ledger"
	"github.com/R3E-Network/custody_bank/internal/middleware"
	"github.com/R3E-Network/custody_bank/internal/registry"
	"github.com/R3E-Network/custody_bank/internal/storage/postgres"
	"github.com/R3E-Network/custody_bank/internal/transfer"
	"github.com/R3E-Network/custody_bank/internal/valuation"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

var (
	secret    = []byte("0123456789abcdef0123456789abcdef")
	custodian = util.Uint160{0xc0}
	venueAcct = util.Uint160{0xe0}
	owner     = util.Uint160{0x01}
	admin     = util.Uint160{0x02}
	treasurer = util.Uint160{0x03}
	operator  = util.Uint160{0x04}
	alice     = util.Uint160{0xa1}
	tokenA    = util.Uint160{0x0a}
	reference = util.Uint160{0x0f}
)

type fakeHistory struct {
	after uint64
	recs  []postgres.StoredRecord
}

func (f *fakeHistory) Records(_ context.Context, after uint64, _ int) ([]postgres.StoredRecord, error) {
	f.after = after
	return f.recs, nil
}

type harness struct {
	server  *Server
	handler http.Handler
	bank    *bank.Bank
	token   *memory.Token
	history *fakeHistory
}

func newHarness(t *testing.T, journalSize int) *harness {
	t.Helper()
	log := logger.Discard()
	now := time.Now()

	ctrl := access.New(owner, log)
	require.NoError(t, ctrl.Bootstrap(map[custody.Role][]util.Uint160{
		custody.RoleAdministrator:     {admin},
		custody.RoleTreasury:          {treasurer},
		custody.RoleEmergencyOperator: {operator},
	}))

	feeds := memory.NewFeeds()
	for _, name := range []string{"a", "ref"} {
		feeds.Add(name, memory.NewFeed(big.NewInt(100_000_000), now))
	}
	resolver := valuation.NewSchemeResolver()
	resolver.Handle("static", feeds)
	val := valuation.New(resolver, 0, valuation.WithLogger(log))
	reg := registry.New(ctrl, val, log)

	tokens := memory.NewTokens()
	a := memory.NewToken("A", custodian)
	tokens.Add(tokenA, a)
	tokens.Add(reference, memory.NewToken("REF", custodian))
	mover := transfer.NewMover(custodian, memory.NewNative(custodian), tokens)
	venue := memory.NewVenue(venueAcct, reference, tokens)
	venue.SetRate(tokenA, big.NewInt(1), big.NewInt(1))

	b, err := bank.New(bank.Config{Reference: reference}, bank.Deps{
		Access:    ctrl,
		Registry:  reg,
		Valuation: val,
		Gateway:   conversion.NewGateway(venue, venueAcct, mover, reference, custodian, log),
		Ledger:    ledger.New(big.NewInt(10_000), big.NewInt(500)),
		Mover:     mover,
		Journal:   events.NewJournal(journalSize),
		Logger:    log,
	})
	require.NoError(t, err)

	a.Mint(alice, big.NewInt(1_000))
	h := &harness{bank: b, token: a, history: &fakeHistory{}}
	h.server = New(b, h.history, Options{JWTSecret: secret, RateLimitRPS: 1000, RateLimitBurst: 1000}, log)
	h.handler = h.server.Handler()
	return h
}

func bearer(t *testing.T, who util.Uint160) string {
	t.Helper()
	claims := &middleware.Claims{
		NeoAddress: custody.FormatAccount(who),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return "Bearer " + s
}

func (h *harness) do(t *testing.T, who *util.Uint160, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if who != nil {
		req.Header.Set("Authorization", bearer(t, *who))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body httputil.ErrorResponse
	decode(t, rec, &body)
	return body.Code
}

func (h *harness) registerA(t *testing.T) {
	t.Helper()
	rec := h.do(t, &admin, http.MethodPost, "/v1/admin/assets", map[string]interface{}{
		"asset": custody.FormatAsset(tokenA), "price_source": "static:a", "decimals": 0,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h := newHarness(t, 16)

	rec := h.do(t, nil, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	rec = h.do(t, nil, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, nil, http.MethodGet, "/v1/state", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDepositWithdrawLifecycle(t *testing.T) {
	h := newHarness(t, 64)
	h.registerA(t)

	rec := h.do(t, &alice, http.MethodPost, "/v1/deposits", map[string]string{
		"asset": custody.FormatAsset(tokenA), "amount": "300",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var dep recordView
	decode(t, rec, &dep)
	assert.Equal(t, events.TypeDeposited, dep.Type)
	assert.Equal(t, "300", dep.Fields["amount"])
	assert.NotEmpty(t, dep.RequestID)

	rec = h.do(t, &alice, http.MethodPost, "/v1/withdrawals", map[string]string{
		"asset": custody.FormatAsset(tokenA), "amount": "100",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, &alice, http.MethodGet, "/v1/accounts/"+custody.FormatAccount(alice)+"/balances/"+custody.FormatAsset(tokenA), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal balanceView
	decode(t, rec, &bal)
	assert.Equal(t, balanceView{
		Asset:               custody.FormatAsset(tokenA),
		Amount:              "200",
		CumulativeDeposited: "300",
		CumulativeWithdrawn: "100",
	}, bal)

	rec = h.do(t, &alice, http.MethodGet, "/v1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st map[string]interface{}
	decode(t, rec, &st)
	assert.Equal(t, "200", st["total_value_locked"])
	assert.Equal(t, float64(1), st["deposit_count"])

	rec = h.do(t, &alice, http.MethodGet, "/v1/accounts/"+custody.FormatAccount(alice)+"/balances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"amount":"200"`)

	rec = h.do(t, &alice, http.MethodGet, "/v1/assets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"custody":"200"`)
}

func TestErrorsMapToStatus(t *testing.T) {
	h := newHarness(t, 16)
	h.registerA(t)
	rec := h.do(t, &alice, http.MethodPost, "/v1/deposits", map[string]string{"asset": custody.FormatAsset(tokenA), "amount": "600"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	cases := []struct {
		name   string
		who    util.Uint160
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"zero amount", alice, http.MethodPost, "/v1/deposits", map[string]string{"asset": custody.FormatAsset(tokenA), "amount": "0"}, http.StatusBadRequest, "ZERO_AMOUNT"},
		{"bad amount", alice, http.MethodPost, "/v1/deposits", map[string]string{"asset": custody.FormatAsset(tokenA), "amount": "1.5"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown field", alice, http.MethodPost, "/v1/deposits", map[string]string{"asset": "native", "amount": "1", "memo": "x"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unsupported asset", alice, http.MethodPost, "/v1/deposits", map[string]string{"asset": "native", "amount": "1"}, http.StatusBadRequest, "ASSET_NOT_SUPPORTED"},
		{"over limit", alice, http.MethodPost, "/v1/withdrawals", map[string]string{"asset": custody.FormatAsset(tokenA), "amount": "501"}, http.StatusUnprocessableEntity, "WITHDRAWAL_LIMIT_EXCEEDED"},
		{"insufficient balance", alice, http.MethodPost, "/v1/withdrawals", map[string]string{"asset": custody.FormatAsset(tokenA), "amount": "700"}, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"},
		{"not admin", alice, http.MethodPost, "/v1/admin/pause", nil, http.StatusForbidden, "UNAUTHORIZED"},
		{"unknown role", owner, http.MethodPost, "/v1/admin/roles/janitor/" + custody.FormatAccount(alice), nil, http.StatusBadRequest, "INVALID_ROLE"},
		{"missing recipient", treasurer, http.MethodPost, "/v1/admin/treasury/withdrawals", map[string]string{"asset": custody.FormatAsset(tokenA), "amount": "1"}, http.StatusBadRequest, "INVALID_RECIPIENT"},
		{"not paused", operator, http.MethodPost, "/v1/admin/unpause", nil, http.StatusConflict, "NOT_PAUSED"},
		{"missing decimals", admin, http.MethodPost, "/v1/admin/assets", map[string]string{"asset": "native", "price_source": "static:a"}, http.StatusBadRequest, "INVALID_INPUT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			who := tc.who
			rec := h.do(t, &who, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestPauseBlocksDeposits(t *testing.T) {
	h := newHarness(t, 16)
	h.registerA(t)

	rec := h.do(t, &operator, http.MethodPost, "/v1/admin/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, &alice, http.MethodPost, "/v1/deposits", map[string]string{"asset": custody.FormatAsset(tokenA), "amount": "1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SYSTEM_PAUSED", errorCode(t, rec))

	rec = h.do(t, &operator, http.MethodPost, "/v1/admin/unpause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestConversionDeposit(t *testing.T) {
	h := newHarness(t, 16)
	h.registerA(t)
	rec := h.do(t, &admin, http.MethodPost, "/v1/admin/assets", map[string]interface{}{
		"asset": custody.FormatAsset(reference), "price_source": "static:ref", "decimals": 0,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, &alice, http.MethodPost, "/v1/deposits/convert", map[string]interface{}{
		"asset_in": custody.FormatAsset(tokenA), "amount_in": "50", "min_reference_out": "50",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out recordView
	decode(t, rec, &out)
	assert.Equal(t, events.TypeDepositedWithConversion, out.Type)
	assert.Equal(t, "50", out.Fields["amount"])

	rec = h.do(t, &alice, http.MethodPost, "/v1/deposits/convert", map[string]interface{}{
		"asset_in": custody.FormatAsset(tokenA), "amount_in": "50", "min_reference_out": "51",
	})
	assert.Equal(t, "SLIPPAGE_EXCEEDED", errorCode(t, rec))
}

func TestRoleAdministration(t *testing.T) {
	h := newHarness(t, 32)
	principal := custody.FormatAccount(alice)

	rec := h.do(t, &owner, http.MethodPost, "/v1/admin/roles/treasury/"+principal, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, h.bank.HasRole(custody.RoleTreasury, alice))

	rec = h.do(t, &alice, http.MethodDelete, "/v1/admin/roles/treasury", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, h.bank.HasRole(custody.RoleTreasury, alice))

	rec = h.do(t, &owner, http.MethodPost, "/v1/admin/super-admin/nominee", map[string]string{"principal": principal})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(t, &alice, http.MethodPost, "/v1/admin/super-admin/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, h.bank.HasRole(custody.RoleSuperAdministrator, alice))
}

func TestEventsPaging(t *testing.T) {
	h := newHarness(t, 2)
	h.registerA(t)
	for i := 0; i < 3; i++ {
		rec := h.do(t, &alice, http.MethodPost, "/v1/deposits", map[string]string{"asset": custody.FormatAsset(tokenA), "amount": "1"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	// Journal holds the last two records; older ones come from history.
	rec := h.do(t, &alice, http.MethodGet, "/v1/events?after=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Records  []recordView `json:"records"`
		Complete bool         `json:"complete"`
	}
	decode(t, rec, &page)
	assert.True(t, page.Complete)
	require.Len(t, page.Records, 2)
	assert.Equal(t, uint64(3), page.Records[0].Sequence)

	h.history.recs = []postgres.StoredRecord{{Sequence: 1, Type: events.TypeAssetRegistered}}
	rec = h.do(t, &alice, http.MethodGet, "/v1/events?after=0&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &page)
	require.Len(t, page.Records, 1)
	assert.Equal(t, events.TypeAssetRegistered, page.Records[0].Type)

	rec = h.do(t, &alice, http.MethodGet, "/v1/events?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerStartStop(t *testing.T) {
	h := newHarness(t, 4)
	h.server.opts.Addr = "127.0.0.1:0"
	require.NoError(t, h.server.Start(context.Background()))

	resp, err := http.Get("http://" + h.server.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.server.Stop(ctx))
}
