package errors

import "testing"

func TestCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeBadRequest, 400},
		{CodeUnauthorized, 401},
		{CodePaymentRequired, 402},
		{CodeForbidden, 403},
		{CodeNotFound, 404},
		{CodeConflict, 409},
		{CodeGone, 410},
		{CodeUnprocessable, 422},
		{CodeRateLimited, 429},
		{CodeInternalError, 500},
		{CodeBadGateway, 502},
		{CodeServiceUnavailable, 503},
		{Code("SOMETHING_ELSE"), 500},
	}

	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("%s: HTTPStatus() = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestCode_IsRetryable(t *testing.T) {
	retryable := []Code{CodeRateLimited, CodeBadGateway, CodeServiceUnavailable}
	for _, c := range retryable {
		if !c.IsRetryable() {
			t.Errorf("%s: expected retryable", c)
		}
	}

	final := []Code{CodeBadRequest, CodePaymentRequired, CodeConflict, CodeInternalError}
	for _, c := range final {
		if c.IsRetryable() {
			t.Errorf("%s: expected not retryable", c)
		}
	}
}
