package weather

import "codeberg.org/mutker/powerlog/internal/errors"

const (
	// Network Errors
	ErrUnreachable = errors.ErrorCode("weather_unreachable")
	ErrCircuitOpen = errors.ErrorCode("weather_circuit_open")

	// Response Errors
	ErrBadStatus        = errors.ErrorCode("weather_bad_status")
	ErrRateLimited      = errors.ErrorCode("weather_rate_limited")
	ErrMalformedPayload = errors.ErrorCode("weather_malformed_payload")
)
