package camera

import "errors"

// Error taxonomy of the pipeline. Callers match with errors.Is; producers wrap
// with fmt.Errorf("%w: ...") to add detail.
var (
	// ErrInvalidArgument rejects a malformed request or stream list
	// synchronously, with no side effects.
	ErrInvalidArgument = errors.New("camhal: invalid argument")

	// ErrTimeout reports an expired bounded wait (fence, dequeue, drain).
	ErrTimeout = errors.New("camhal: timed out")

	// ErrProtocolMismatch reports a dequeued buffer that is not the one
	// submitted next for that stream.
	ErrProtocolMismatch = errors.New("camhal: buffer mismatch")

	// ErrResourceExhausted is backpressure: a pool is empty, retry later.
	ErrResourceExhausted = errors.New("camhal: resource exhausted")

	// ErrInvalidState rejects a call the lifecycle state does not allow.
	ErrInvalidState = errors.New("camhal: invalid state")

	// ErrDeviceFailure wraps errors returned by the device engine.
	ErrDeviceFailure = errors.New("camhal: device failure")
)
