package errutil

import "net/http"

// CoreStatus is the transport-agnostic error code carried by BaseError.
type CoreStatus string

const (
	StatusValidation        CoreStatus = "VALIDATION"
	StatusUnauthenticated   CoreStatus = "UNAUTHENTICATED"
	StatusForbidden         CoreStatus = "FORBIDDEN"
	StatusNotFound          CoreStatus = "NOT_FOUND"
	StatusConflict          CoreStatus = "CONFLICT"
	StatusInsufficientStars CoreStatus = "INSUFFICIENT_STARS"
	StatusRaceCondition     CoreStatus = "RACE_CONDITION"
	StatusProviderRejected  CoreStatus = "PROVIDER_REJECTED"
	StatusRateLimited       CoreStatus = "RATE_LIMITED"
	StatusNeedsReview       CoreStatus = "NEEDS_REVIEW"
	StatusTimeout           CoreStatus = "TIMEOUT"
	StatusInternal          CoreStatus = "INTERNAL"
	StatusUnknown           CoreStatus = "UNKNOWN"
)

// HTTPStatus converts the CoreStatus to its closest HTTP status code equivalent.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusValidation:
		return http.StatusBadRequest
	case StatusUnauthenticated:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict, StatusRaceCondition:
		return http.StatusConflict
	case StatusInsufficientStars:
		return http.StatusUnprocessableEntity
	case StatusProviderRejected:
		return http.StatusUnauthorized
	case StatusRateLimited:
		return http.StatusTooManyRequests
	case StatusNeedsReview:
		return http.StatusAccepted
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusInternal, StatusUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
