/*
handlers_test.go - End-to-end tests through the router

Tests for:
- Bearer token and admin role enforcement
- Balance, history and payout email endpoints
- Task submission and review, including 409 on repeats
- Referral validation
- Withdrawal request, rejection refund and paid immutability
- On-demand ledger audit
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/earning-engine/api"
	"github.com/warp/earning-engine/ledger"
	"github.com/warp/earning-engine/settlement"
	"github.com/warp/earning-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	testJWTSecret     = "test-jwt-secret"
	testPostbackToken = "cpa-secret"
)

type testServer struct {
	t       *testing.T
	store   *sqlite.Store
	handler *api.Handler
	auth    *api.Authenticator
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	settings, err := settlement.ParseSettings(map[string]string{
		settlement.NetworkKey(settlement.NetworkCPAGrip, "enabled"): "true",
		settlement.NetworkKey(settlement.NetworkCPAGrip, "secret"):  testPostbackToken,
	})
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	c, err := settlement.NewCoordinator(store, settings, log)
	require.NoError(t, err)

	h := api.NewHandler(store, c, log)
	auth, err := api.NewAuthenticator(testJWTSecret)
	require.NoError(t, err)
	return &testServer{
		t:       t,
		store:   store,
		handler: h,
		auth:    auth,
		router:  api.NewRouter(h, api.RouterOptions{Auth: auth, Log: log}),
	}
}

func (s *testServer) token(user ledger.UserID, role string) string {
	tok, err := s.auth.IssueToken(user, role, time.Hour)
	require.NoError(s.t, err)
	return tok
}

// do sends a JSON request as user (no token when user is empty).
func (s *testServer) do(method, path string, user ledger.UserID, role string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(user, role))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) asUser(method, path string, user ledger.UserID, body any) *httptest.ResponseRecorder {
	return s.do(method, path, user, "", body)
}

func (s *testServer) asAdmin(method, path string, body any) *httptest.ResponseRecorder {
	return s.do(method, path, "admin-1", api.RoleAdmin, body)
}

func (s *testServer) fund(user ledger.UserID, amount string) {
	_, err := s.handler.Coordinator.Credit(context.Background(), ledger.Posting{
		UserID: user, Amount: decimal.RequireFromString(amount), Kind: ledger.KindOffer, Description: "seed",
	})
	require.NoError(s.t, err)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// AUTH
// =============================================================================

func TestAuth_MissingOrBadToken_401(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/earning/balance", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/earning/balance", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_TokenSignedWithOtherSecret_401(t *testing.T) {
	s := newTestServer(t)
	other, err := api.NewAuthenticator("other")
	require.NoError(t, err)
	forged, err := other.IssueToken("u1", api.RoleAdmin, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/withdrawals", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewAuthenticator_EmptySecretRefused(t *testing.T) {
	// GIVEN: A blank HMAC key, which would let anyone sign admin tokens
	// WHEN: Building the authenticator
	// THEN: It is refused
	for _, secret := range []string{"", "  "} {
		auth, err := api.NewAuthenticator(secret)
		assert.ErrorIs(t, err, api.ErrEmptySecret)
		assert.Nil(t, auth)
	}

	// AND: A token signed with an empty key is not accepted by the server
	s := newTestServer(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "attacker", "role": api.RoleAdmin, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/withdrawals", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_ExpiredToken_401(t *testing.T) {
	s := newTestServer(t)
	expired, err := s.auth.IssueToken("u1", "", -time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/earning/balance", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_NonAdminOnAdminRoute_403(t *testing.T) {
	s := newTestServer(t)

	rec := s.asUser(http.MethodGet, "/api/admin/withdrawals", "u1", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody[api.ErrorResponse](t, rec).Reason)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// BALANCE
// =============================================================================

func TestGetBalance_NewUserIsZero(t *testing.T) {
	s := newTestServer(t)

	rec := s.asUser(http.MethodGet, "/api/earning/balance", "u1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	b := decodeBody[api.BalanceDTO](t, rec)
	assert.Equal(t, "u1", b.UserID)
	assert.Equal(t, "0", b.BalanceUSD)
}

func TestGetTransactions_LimitAndValidation(t *testing.T) {
	s := newTestServer(t)
	s.fund("u1", "1")
	s.fund("u1", "2")

	rec := s.asUser(http.MethodGet, "/api/earning/transactions?limit=1", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[[]api.TransactionDTO](t, rec)
	require.Len(t, txs, 1)
	assert.Equal(t, "2", txs[0].Amount)

	rec = s.asUser(http.MethodGet, "/api/earning/transactions?limit=zero", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_limit", decodeBody[api.ErrorResponse](t, rec).Reason)
}

func TestSetPayoutEmail(t *testing.T) {
	s := newTestServer(t)

	rec := s.asUser(http.MethodPut, "/api/earning/payout-email", "u1", api.PayoutEmailRequest{PayoutEmail: "u1@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1@example.com", decodeBody[api.BalanceDTO](t, rec).PayoutEmail)

	rec = s.asUser(http.MethodPut, "/api/earning/payout-email", "u1", api.PayoutEmailRequest{PayoutEmail: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMalformedJSON_400(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/withdrawals", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+s.token("u1", ""))
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", decodeBody[api.ErrorResponse](t, rec).Reason)
}

// =============================================================================
// TASKS
// =============================================================================

func TestTaskFlow_ApproveThenRepeat409(t *testing.T) {
	// GIVEN: An admin-created task and a user submission
	s := newTestServer(t)

	rec := s.asAdmin(http.MethodPost, "/api/admin/tasks", api.CreateTaskRequest{
		Title: "Join the Discord", RewardUSD: "0.25", MaxCompletions: 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decodeBody[api.TaskDTO](t, rec)
	assert.True(t, task.Active, "active by default")

	rec = s.asUser(http.MethodGet, "/api/tasks", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.TaskDTO](t, rec), 1)

	rec = s.asUser(http.MethodPost, "/api/tasks/"+task.ID+"/submissions", "u1", api.SubmitProofRequest{Proof: "discord#1234"})
	require.Equal(t, http.StatusCreated, rec.Code)
	sub := decodeBody[api.SubmissionDTO](t, rec)

	// WHEN: The admin approves it twice
	rec = s.asAdmin(http.MethodPatch, "/api/admin/task-submissions/"+sub.ID, api.ReviewRequest{Status: "approved"})

	// THEN: 200 with the credited balance, then 409 with the submission
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "approved", body["outcome"])
	assert.Equal(t, "0.25", body["balance_usd"])

	rec = s.asAdmin(http.MethodPatch, "/api/admin/task-submissions/"+sub.ID, api.ReviewRequest{Status: "approved"})
	require.Equal(t, http.StatusConflict, rec.Code)
	body = decodeBody[map[string]any](t, rec)
	assert.Equal(t, "already_processed", body["conflict"])
	assert.NotNil(t, body["submission"])

	rec = s.asUser(http.MethodGet, "/api/earning/balance", "u1", nil)
	assert.Equal(t, "0.25", decodeBody[api.BalanceDTO](t, rec).BalanceUSD)
}

func TestSubmitTask_UnknownTask_404(t *testing.T) {
	s := newTestServer(t)
	rec := s.asUser(http.MethodPost, "/api/tasks/missing/submissions", "u1", api.SubmitProofRequest{Proof: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReviewSubmission_UnknownDecision_400(t *testing.T) {
	s := newTestServer(t)
	rec := s.asAdmin(http.MethodPatch, "/api/admin/task-submissions/any", api.ReviewRequest{Status: "later"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestReferralFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.asAdmin(http.MethodPost, "/api/admin/referrals", api.RegisterReferralRequest{ReferrerID: "alice", ReferredID: "bob"})
	require.Equal(t, http.StatusCreated, rec.Code)
	ref := decodeBody[api.ReferralDTO](t, rec)

	// Not eligible yet
	rec = s.asAdmin(http.MethodPatch, "/api/admin/referrals/"+ref.ID, api.ReviewRequest{Status: "approve"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "referrer_not_verified", decodeBody[api.ErrorResponse](t, rec).Reason)

	for _, u := range []string{"alice", "bob"} {
		rec = s.asAdmin(http.MethodPut, "/api/admin/users/"+u+"/profile", api.UserProfileRequest{SocialVerified: true, LinksCreated: 5})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = s.asAdmin(http.MethodPatch, "/api/admin/referrals/"+ref.ID, api.ReviewRequest{Status: "approve"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "rewarded", body["outcome"])
	assert.Equal(t, "0.1", body["referrer_balance_usd"])
	assert.Equal(t, "0.1", body["referred_balance_usd"])

	rec = s.asAdmin(http.MethodGet, "/api/admin/referrals?status=rewarded", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.ReferralDTO](t, rec), 1)

	rec = s.asAdmin(http.MethodPatch, "/api/admin/referrals/"+ref.ID, api.ReviewRequest{Status: "approve"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func TestWithdrawalFlow_RejectRefunds(t *testing.T) {
	// GIVEN: A user with 10.00 and a payout email
	s := newTestServer(t)
	s.fund("u1", "10")
	s.asUser(http.MethodPut, "/api/earning/payout-email", "u1", api.PayoutEmailRequest{PayoutEmail: "u1@example.com"})

	// WHEN: Requesting 5.00 and the admin rejects it
	rec := s.asUser(http.MethodPost, "/api/withdrawals", "u1", api.WithdrawalRequestBody{AmountUSD: "5", CoinType: "btc"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[struct {
		Withdrawal api.WithdrawalDTO `json:"withdrawal"`
		BalanceUSD string        `json:"balance_usd"`
	}](t, rec)
	assert.Equal(t, "5", created.BalanceUSD)
	assert.Equal(t, "pending", created.Withdrawal.Status)
	assert.Equal(t, "BTC", created.Withdrawal.CoinType)

	rec = s.asUser(http.MethodPost, "/api/withdrawals", "u1", api.WithdrawalRequestBody{AmountUSD: "1", CoinType: "btc"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "pending_withdrawal_exists", decodeBody[api.ErrorResponse](t, rec).Conflict)

	rec = s.asAdmin(http.MethodPatch, "/api/admin/withdrawals/"+created.Withdrawal.ID, api.ResolveWithdrawalRequest{Status: "rejected", Notes: "kyc"})

	// THEN: The balance is back to 10.00
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "refunded", body["outcome"])
	assert.Equal(t, "10", body["balance_usd"])

	rec = s.asUser(http.MethodGet, "/api/withdrawals", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decodeBody[[]api.WithdrawalDTO](t, rec)
	require.Len(t, mine, 1)
	assert.Equal(t, "rejected", mine[0].Status)
}

func TestWithdrawal_InsufficientBalance_402(t *testing.T) {
	s := newTestServer(t)
	s.fund("u1", "2")
	s.asUser(http.MethodPut, "/api/earning/payout-email", "u1", api.PayoutEmailRequest{PayoutEmail: "u1@example.com"})

	rec := s.asUser(http.MethodPost, "/api/withdrawals", "u1", api.WithdrawalRequestBody{AmountUSD: "3", CoinType: "BTC"})

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_balance", decodeBody[api.ErrorResponse](t, rec).Reason)
}

func TestWithdrawal_PaidIsImmutable_409(t *testing.T) {
	s := newTestServer(t)
	s.fund("u1", "10")
	s.asUser(http.MethodPut, "/api/earning/payout-email", "u1", api.PayoutEmailRequest{PayoutEmail: "u1@example.com"})
	rec := s.asUser(http.MethodPost, "/api/withdrawals", "u1", api.WithdrawalRequestBody{AmountUSD: "4", CoinType: "USDT"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[struct {
		Withdrawal api.WithdrawalDTO `json:"withdrawal"`
	}](t, rec).Withdrawal.ID

	rec = s.asAdmin(http.MethodPatch, "/api/admin/withdrawals/"+id, api.ResolveWithdrawalRequest{Status: "paid", TxHash: "0xabc"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.asAdmin(http.MethodPatch, "/api/admin/withdrawals/"+id, api.ResolveWithdrawalRequest{Status: "rejected"})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "already_paid", body["conflict"])

	rec = s.asAdmin(http.MethodGet, "/api/admin/withdrawals?status=paid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	paid := decodeBody[[]api.WithdrawalDTO](t, rec)
	require.Len(t, paid, 1)
	assert.Equal(t, "0xabc", paid[0].TxHash)

	rec = s.asUser(http.MethodGet, "/api/earning/balance", "u1", nil)
	assert.Equal(t, "6", decodeBody[api.BalanceDTO](t, rec).BalanceUSD)
}

func TestResolveWithdrawal_Unknown_404(t *testing.T) {
	s := newTestServer(t)
	rec := s.asAdmin(http.MethodPatch, "/api/admin/withdrawals/missing", api.ResolveWithdrawalRequest{Status: "paid"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestRunAudit_Clean(t *testing.T) {
	s := newTestServer(t)
	s.fund("u1", "3")
	s.fund("u2", "1")

	rec := s.asAdmin(http.MethodGet, "/api/admin/ledger/audit", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[api.AuditDTO](t, rec)
	assert.True(t, report.Clean)
	assert.Equal(t, 2, report.Users)
}
