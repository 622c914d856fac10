package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/rentledger/internal/ledger"
)

func TestWriteStoreError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		code     string
		logLevel logrus.Level
		logged   bool
	}{
		{"validation", ledger.Invalidf("rent must be positive"), http.StatusBadRequest, ledger.CodeValidation, 0, false},
		{"not found", fmt.Errorf("get lease: %w", ledger.NotFoundf(ledger.CodeNotFound, "lease x not found")), http.StatusNotFound, ledger.CodeNotFound, 0, false},
		{"not pending", ledger.NotFoundf(ledger.CodeNotFoundOrNotPending, "gone"), http.StatusNotFound, ledger.CodeNotFoundOrNotPending, 0, false},
		{"conflict", fmt.Errorf("assign lease: %w", ledger.ErrPropertyAlreadyLeased("p")), http.StatusConflict, ledger.CodePropertyAlreadyLeased, 0, false},
		{"bare conflict", ledger.ErrConflict, http.StatusConflict, "CONFLICT", 0, false},
		{"verification", &ledger.Error{Kind: ledger.ErrVerification, Code: ledger.CodeInvalidSignature, Message: "bad"}, http.StatusBadRequest, ledger.CodeInvalidSignature, 0, false},
		{"inconsistency", ledger.Inconsistentf(ledger.CodeUnknownPayment, "no payment"), http.StatusInternalServerError, ledger.CodeUnknownPayment, logrus.ErrorLevel, true},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR", logrus.ErrorLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			rec := httptest.NewRecorder()
			writeStoreError(rec, logger, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["error"])

			if tt.logged {
				require.NotNil(t, hook.LastEntry())
				assert.Equal(t, tt.logLevel, hook.LastEntry().Level)
			} else {
				assert.Empty(t, hook.AllEntries())
			}
		})
	}
}

func TestWriteStoreError_HidesInternalMessages(t *testing.T) {
	logger, _ := test.NewNullLogger()
	rec := httptest.NewRecorder()
	writeStoreError(rec, logger, errors.New("pq: password authentication failed"))
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestDate_UnmarshalJSON(t *testing.T) {
	var v struct {
		D Date `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"d":"2024-01-31"}`), &v))
	assert.True(t, v.D.Equal(time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC)))

	require.NoError(t, json.Unmarshal([]byte(`{"d":"2024-01-31T10:00:00+02:00"}`), &v))
	assert.True(t, v.D.Equal(time.Date(2024, time.January, 31, 8, 0, 0, 0, time.UTC)))

	assert.Error(t, json.Unmarshal([]byte(`{"d":"31/01/2024"}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"d":20240131}`), &v))
}

func TestCents(t *testing.T) {
	var v struct {
		Amount decimal.Decimal `json:"amount"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"1250.50"}`), &v))
	c, err := cents("amount", v.Amount)
	require.NoError(t, err)
	assert.Equal(t, int64(125050), c)

	require.NoError(t, json.Unmarshal([]byte(`{"amount":1250}`), &v))
	c, err = cents("amount", v.Amount)
	require.NoError(t, err)
	assert.Equal(t, int64(125000), c)

	_, err = cents("amount", decimal.RequireFromString("10.005"))
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestParseAuditContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/leases", nil)
	rec := httptest.NewRecorder()
	_, ok := parseAuditContext(rec, r)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "MISSING_ACTOR")

	r.Header.Set(HeaderActor, "landlord-1")
	rec = httptest.NewRecorder()
	_, ok = parseAuditContext(rec, r)
	assert.False(t, ok)
	assert.Contains(t, rec.Body.String(), "MISSING_ORGANIZATION")

	r.Header.Set(HeaderOrganization, "org-1")
	r.Header.Set(HeaderCorrelationID, "c-1")
	info, ok := parseAuditContext(httptest.NewRecorder(), r)
	require.True(t, ok)
	assert.Equal(t, AuditInfo{Actor: "landlord-1", OrgID: "org-1", CorrelationID: "c-1"}, info)
}
