package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/CopyPilot/internal/credits"
	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/testutil"
)

func authorized(t *testing.T, env *testEnv, user string, req *http.Request) *http.Request {
	t.Helper()
	token, err := env.verifier.Sign(user, time.Hour)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHistoryHandlerLimits(t *testing.T) {
	env := newTestEnv(t, 5)
	testutil.SeedAnalyses(t, env.store, "frank", 5)
	testutil.SeedAnalyses(t, env.store, "grace", 2)

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
		wantFirst string
	}{
		{"default", "", http.StatusOK, 5, "an_frank_5"},
		{"limited", "?limit=2", http.StatusOK, 2, "an_frank_5"},
		{"invalid", "?limit=abc", http.StatusBadRequest, 0, ""},
		{"zero", "?limit=0", http.StatusBadRequest, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authorized(t, env, "frank", testutil.CreateHTTPRequest(t, http.MethodGet, "/analysis/history"+tt.query, nil))
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, req)
			testutil.AssertHTTPStatus(t, tt.wantCode, rr.Code, tt.name)
			if tt.wantCode != http.StatusOK {
				testutil.AssertJSONResponse(t, rr, models.APIStatusError)
				return
			}
			var resp struct {
				Result []models.AnalysisRecord `json:"result"`
			}
			testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
			if len(resp.Result) != tt.wantCount || resp.Result[0].AnalysisID != tt.wantFirst {
				t.Errorf("unexpected history: %+v", resp.Result)
			}
			for _, rec := range resp.Result {
				if rec.UserID != "frank" {
					t.Errorf("history leaked record of %s", rec.UserID)
				}
			}
		})
	}
}

func TestHistoryHandlerEmpty(t *testing.T) {
	env := newTestEnv(t, 5)
	req := authorized(t, env, "nobody", testutil.CreateHTTPRequest(t, http.MethodGet, "/analysis/history", nil))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "empty history")
	if got := rr.Body.String(); got != `{"status":"ok","result":[]}` {
		t.Errorf("expected empty list, got %s", got)
	}
}

func TestBalanceHandlerSeeded(t *testing.T) {
	env := newTestEnv(t, 5)
	testutil.SeedCredits(t, env.store, "heidi", 2)

	req := authorized(t, env, "heidi", testutil.CreateHTTPRequest(t, http.MethodGet, "/credits/balance", nil))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "balance")

	var resp struct {
		Result models.CreditBalance `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if resp.Result.Available != 2 || resp.Result.UserID != "heidi" {
		t.Errorf("unexpected balance %+v", resp.Result)
	}
}

type downLedger struct{}

func (downLedger) GetBalance(ctx context.Context, userID string) (models.CreditBalance, error) {
	return models.CreditBalance{}, credits.ErrServiceUnavailable
}

func (downLedger) Consume(ctx context.Context, userID string, kind models.OperationKind, quantity int, referenceID string) (models.ConsumeResult, error) {
	return models.ConsumeResult{}, credits.ErrCreditConsumeFailed
}

func TestBalanceHandlerServiceUnavailable(t *testing.T) {
	env := newTestEnv(t, 5)
	srv := NewServer(Dependencies{Ledger: downLedger{}, Verifier: env.verifier})
	req := authorized(t, env, "ivan", testutil.CreateHTTPRequest(t, http.MethodGet, "/credits/balance", nil))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "balance down")
	body := testutil.AssertJSONResponse(t, rr, models.APIStatusError)
	if msg, _ := body["message"].(string); msg != "Credit service unavailable" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestOpenSessionWithoutBody(t *testing.T) {
	env := newTestEnv(t, 5)
	req := authorized(t, env, "judy", httptest.NewRequest(http.MethodPost, "/analysis/sessions", nil))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "open without body")

	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	var v struct {
		ClientSession string `json:"client_session"`
	}
	testutil.MustUnmarshalJSON(t, resp.Result, &v)
	if v.ClientSession == "" {
		t.Error("expected a generated client session")
	}
}
