// Package testutil provides common test helpers for CopyPilot tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/store"
)

// TB is the subset of testing.TB the helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the API envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}
	status, ok := response["status"].(string)
	if !ok {
		t.Errorf("response missing or invalid 'status' field")
		return response
	}
	if status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// SeedCredits provisions userID with an exact available balance.
func SeedCredits(t TB, repo store.CreditRepo, userID string, available int) {
	t.Helper()
	acct, err := repo.EnsureCreditAccount(userID, 0)
	if err != nil {
		t.Fatalf("failed to create credit account: %v", err)
		return
	}
	if delta := available - acct.Available; delta > 0 {
		if _, err := repo.GrantCredits(userID, delta, "seed"); err != nil {
			t.Fatalf("failed to grant credits: %v", err)
		}
	} else if delta < 0 {
		if _, err := repo.ConsumeCredits(userID, -delta, ""); err != nil {
			t.Fatalf("failed to consume credits: %v", err)
		}
	}
}

// SeedAnalyses stores n analyses for userID, created one minute apart with
// the newest last. IDs are an_<userID>_1..an_<userID>_n.
func SeedAnalyses(t TB, repo store.AnalysisRepo, userID string, n int) []models.AnalysisRecord {
	t.Helper()
	base := time.Now().Add(-time.Duration(n) * time.Minute).UTC().Truncate(time.Second)
	records := make([]models.AnalysisRecord, 0, n)
	for i := 1; i <= n; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		rec := models.AnalysisRecord{
			AnalysisID: fmt.Sprintf("an_%s_%d", userID, i),
			UserID:     userID,
			Platform:   models.PlatformFacebook,
			AdCopyText: fmt.Sprintf("Seeded ad copy number %d", i),
			Score:      50 + i,
			ResultJSON: "{}",
			CreatedAt:  ts,
			UpdatedAt:  ts,
		}
		if err := repo.SaveAnalysis(rec); err != nil {
			t.Fatalf("failed to save analysis: %v", err)
			return records
		}
		records = append(records, rec)
	}
	return records
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
