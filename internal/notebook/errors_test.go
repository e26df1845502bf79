package notebook

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsDomain(t *testing.T) {
	domain := E(CodeNotFound, "scratchpad %q not found", "x")
	assert.Same(t, domain, AsDomain(domain))
	assert.Same(t, domain, AsDomain(fmt.Errorf("wrapped: %w", domain)))

	coerced := AsDomain(errors.New("sql: database locked"))
	assert.Equal(t, CodeInternal, coerced.Code)
	assert.Equal(t, "internal error", coerced.Message, "infrastructure details must not leak")

	assert.Nil(t, AsDomain(nil))
}

func TestErrorWithDetails(t *testing.T) {
	err := E(CodeValidationError, "bad payload").WithDetails(map[string]any{"field": "title"})
	assert.Equal(t, "VALIDATION_ERROR: bad payload", err.Error())
	assert.Equal(t, "title", err.Details["field"])
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeNotFound, http.StatusNotFound},
		{CodeInvalidID, http.StatusBadRequest},
		{CodeInvalidIndex, http.StatusBadRequest},
		{CodeValidationError, http.StatusBadRequest},
		{CodeConfigError, http.StatusBadRequest},
		{CodeValidationTimeout, http.StatusRequestTimeout},
		{CodeCapacityLimit, http.StatusConflict},
		{CodeConflict, http.StatusConflict},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeShuttingDown, http.StatusServiceUnavailable},
		{CodeInternal, http.StatusInternalServerError},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}
