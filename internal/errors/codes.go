package errors

// Code is a machine-readable error identifier returned to API clients.
type Code string

// Request validation and authorization.
const (
	CodeBadRequest      Code = "BAD_REQUEST"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodePaymentRequired Code = "PAYMENT_REQUIRED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeGone            Code = "GONE"
	CodeUnprocessable   Code = "UNPROCESSABLE"
	CodeRateLimited     Code = "RATE_LIMITED"
)

// Server-side and upstream failures.
const (
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeBadGateway         Code = "BAD_GATEWAY"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// IsRetryable reports whether the client should retry the request.
// Business and validation failures are final; only transient server or
// upstream conditions are worth retrying.
func (c Code) IsRetryable() bool {
	switch c {
	case CodeRateLimited, CodeBadGateway, CodeServiceUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the error code to its HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest:
		return 400
	case CodeUnauthorized:
		return 401
	case CodePaymentRequired:
		return 402
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	case CodeGone:
		return 410
	case CodeUnprocessable:
		return 422
	case CodeRateLimited:
		return 429
	case CodeBadGateway:
		return 502
	case CodeServiceUnavailable:
		return 503
	default:
		return 500
	}
}
