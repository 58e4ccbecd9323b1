package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeNotFoundOpportunity,
		Message: "opportunity not found",
	}

	expected := "not_found_opportunity: opportunity not found"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("connection refused")
	appErr := NewAppError(ErrCodeInternalDB, "failed to query opportunities", underlying)

	if !errors.Is(appErr, underlying) {
		t.Error("errors.Is should find the underlying error through Unwrap")
	}

	wrapped := fmt.Errorf("handler: %w", appErr)
	var target *AppError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find AppError in the chain")
	}
	if target.Code != ErrCodeInternalDB {
		t.Errorf("Code = %q, want %q", target.Code, ErrCodeInternalDB)
	}
}

func TestAppErrorWithDetails(t *testing.T) {
	original := NewAppErrorWithDetails(ErrCodeValidationMissingField, "uid is required", nil,
		map[string]any{"field": "uid"})

	enhanced := original.WithDetails(map[string]any{"source": "query"})

	if _, ok := original.Details["source"]; ok {
		t.Error("WithDetails should not mutate the original error")
	}
	if enhanced.Details["field"] != "uid" || enhanced.Details["source"] != "query" {
		t.Errorf("unexpected merged details: %v", enhanced.Details)
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("store: %w", NewAppError(ErrCodeNotFoundOpportunity, "missing", nil))

	if !IsCode(err, ErrCodeNotFoundOpportunity) {
		t.Error("IsCode should match a wrapped AppError")
	}
	if IsCode(err, ErrCodeInternalDB) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(errors.New("plain"), ErrCodeInternalDB) {
		t.Error("IsCode should be false for non-AppError values")
	}
}

func TestErrorCodeHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidLat, http.StatusBadRequest},
		{ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{ErrCodeAuthTokenExpired, http.StatusUnauthorized},
		{ErrCodeForbiddenUser, http.StatusForbidden},
		{ErrCodeRateLimit, http.StatusTooManyRequests},
		{ErrCodeNotFoundOpportunity, http.StatusNotFound},
		{ErrCodeNotFoundTrip, http.StatusNotFound},
		{ErrCodeUpstreamWeather, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}
