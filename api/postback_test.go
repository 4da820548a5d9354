package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postbackQuery(overrides map[string]string) string {
	q := url.Values{
		"user_id":        {"u1"},
		"offer_id":       {"o1"},
		"payout":         {"2.00"},
		"transaction_id": {"cpa-tx-1"},
		"ip":             {"198.51.100.4"},
		"secret":         {testPostbackToken},
	}
	for k, v := range overrides {
		if v == "" {
			q.Del(k)
			continue
		}
		q.Set(k, v)
	}
	return q.Encode()
}

func (s *testServer) postback(network, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/postback/"+network+"?"+query, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestPostback_CreditsAndAcknowledges(t *testing.T) {
	// GIVEN: CPAGrip enabled with a 50% split
	// WHEN: A postback reports a 2.00 payout
	// THEN: "1" is returned and the user holds 1.00
	s := newTestServer(t)

	rec := s.postback("cpagrip", postbackQuery(nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	b, err := s.store.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "1", b.BalanceUSD.String())

	completions, err := s.store.ListCompletions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, completions, 1)
	assert.Equal(t, "198.51.100.4", completions[0].IP)
	assert.Equal(t, "cpa-tx-1", completions[0].ExternalTxID)
}

func TestPostback_FormBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/postback/CPAGrip", strings.NewReader(postbackQuery(nil)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Body.String())
}

func TestPostback_DuplicateAcknowledgedWithoutCredit(t *testing.T) {
	s := newTestServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := s.postback("cpagrip", postbackQuery(nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "1", rec.Body.String())
		}()
	}
	wg.Wait()

	b, err := s.store.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "1", b.BalanceUSD.String())
}

func TestPostback_Failures(t *testing.T) {
	tests := []struct {
		name    string
		network string
		query   map[string]string
		status  int
	}{
		{"wrong secret", "cpagrip", map[string]string{"secret": "guess"}, http.StatusForbidden},
		{"missing secret", "cpagrip", map[string]string{"secret": ""}, http.StatusForbidden},
		{"unknown network", "adgate", nil, http.StatusNotFound},
		{"disabled network", "adbluemedia", nil, http.StatusBadRequest},
		{"missing payout", "cpagrip", map[string]string{"payout": ""}, http.StatusBadRequest},
		{"malformed payout", "cpagrip", map[string]string{"payout": "two"}, http.StatusBadRequest},
		{"negative payout", "cpagrip", map[string]string{"payout": "-1"}, http.StatusBadRequest},
		{"missing user", "cpagrip", map[string]string{"user_id": ""}, http.StatusBadRequest},
		{"missing offer", "cpagrip", map[string]string{"offer_id": ""}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)

			rec := s.postback(tt.network, postbackQuery(tt.query))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "0", rec.Body.String())
			balances, err := s.store.ListBalances(context.Background())
			require.NoError(t, err)
			assert.Empty(t, balances)
		})
	}
}

func TestPostback_NoTokenRequired(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/postback/cpagrip?"+postbackQuery(nil), nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
