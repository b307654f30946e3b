package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wclausen/mimir/internal/domain"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body struct {
		Error map[string]string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestErrorResponse_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid", domain.Invalid("op", "bad input"), http.StatusBadRequest},
		{"not found", domain.NotFound("op", "subscription", "sub_1"), http.StatusNotFound},
		{"conflict", domain.Conflict("op", "already exists"), http.StatusConflict},
		{"forbidden", domain.Errorf(domain.EFORBIDDEN, "op", "not yours"), http.StatusForbidden},
		{"unauthorized", domain.Errorf(domain.EUNAUTHORIZED, "op", "bad signature"), http.StatusUnauthorized},
		{"plain error", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			ErrorResponse(rec, req, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestErrorResponse_InternalDetailsNeverLeak(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ErrorResponse(rec, req, errors.New("pq: connection refused at 10.0.0.3"))

	body := decodeError(t, rec)
	assert.NotContains(t, body["message"], "10.0.0.3")
	assert.Equal(t, domain.EINTERNAL, body["code"])
}

func TestErrorResponse_DomainMessageServed(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ErrorResponse(rec, req, domain.Invalid("api", "user_id is required"))

	body := decodeError(t, rec)
	assert.Equal(t, domain.EINVALID, body["code"])
	assert.Equal(t, "user_id is required", body["message"])
}

func TestValidate(t *testing.T) {
	type attachRequest struct {
		UserID          string `json:"user_id" validate:"required"`
		PaymentMethodID string `json:"payment_method_id" validate:"required"`
	}

	err := Validate("api.attach", attachRequest{UserID: "u_1", PaymentMethodID: "pm_1"})
	assert.NoError(t, err)

	err = Validate("api.attach", attachRequest{UserID: "u_1"})
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	assert.Contains(t, domain.ErrorMessage(err), "payment_method_id")
}
