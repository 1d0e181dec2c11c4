package sensor

import "codeberg.org/mutker/powerlog/internal/errors"

const (
	// Initialization Errors
	ErrHostInit   = errors.ErrorCode("sensor_host_init_failed")
	ErrInitFailed = errors.ErrorCode("sensor_init_failed")

	// Bus and Device Errors
	ErrBusUnavailable  = errors.ErrorCode("sensor_bus_unavailable")
	ErrDeviceIO        = errors.ErrorCode("sensor_device_not_responding")
	ErrBadRegisterData = errors.ErrorCode("sensor_bad_register_data")
	ErrUnknownRail     = errors.ErrorCode("sensor_unknown_rail")

	// Network Reader Errors
	ErrAuthFailed  = errors.ErrorCode("sensor_auth_failed")
	ErrBadStatus   = errors.ErrorCode("sensor_bad_status")
	ErrBadPayload  = errors.ErrorCode("sensor_bad_payload")
	ErrRemoteFault = errors.ErrorCode("sensor_remote_fault")
)
