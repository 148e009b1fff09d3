package metrics

import (
	"time"
)

// TransportMetrics provides observability for device round-trips made by the
// manager.
//
// This interface is optional - if not provided to the manager, a no-op
// implementation is used with zero overhead.
type TransportMetrics interface {
	// RecordCall records a completed transport call.
	//
	// Parameters:
	//   - op: Operation name (e.g., "roots", "object_info", "object")
	//   - duration: Time spent inside the transport, lock wait excluded
	//   - err: Error if the call failed, nil if successful
	RecordCall(op string, duration time.Duration, err error)

	// RecordCallStart increments the in-flight counter for op.
	RecordCallStart(op string)

	// RecordCallEnd decrements the in-flight counter for op.
	RecordCallEnd(op string)

	// RecordThrottle records time spent waiting on the device rate limiter.
	RecordThrottle(duration time.Duration)
}

// PipeMetrics provides observability for background content transfers.
type PipeMetrics interface {
	// RecordTransfer records a finished transfer.
	//
	// Parameters:
	//   - kind: "read", "thumbnail" or "write"
	//   - bytes: Bytes moved through the pipe
	//   - duration: Time from scheduling to completion
	//   - err: Transfer error, nil if successful
	RecordTransfer(kind string, bytes int64, duration time.Duration, err error)

	// SetQueueDepth updates the number of scheduled, not yet started tasks.
	SetQueueDepth(n int)

	// SetActiveTransfers updates the number of tasks being executed.
	SetActiveTransfers(n int)
}

// ProviderMetrics provides observability for the document API surface.
type ProviderMetrics interface {
	// RecordQuery records a completed document API call.
	//
	// Parameters:
	//   - op: "query_roots", "query_document", "query_children", ...
	//   - duration: Time taken to answer
	//   - err: Error returned to the caller, nil if successful
	RecordQuery(op string, duration time.Duration, err error)

	// SetOpenDevices updates the number of open devices.
	SetOpenDevices(n int)

	// RecordNotification counts emitted change notifications by kind
	// ("roots" or "children").
	RecordNotification(kind string)

	// RecordSkippedDevice counts devices left out of a roots query.
	RecordSkippedDevice()
}

// NewNoopTransportMetrics returns a TransportMetrics that records nothing.
func NewNoopTransportMetrics() TransportMetrics { return noopTransportMetrics{} }

// NewNoopPipeMetrics returns a PipeMetrics that records nothing.
func NewNoopPipeMetrics() PipeMetrics { return noopPipeMetrics{} }

// NewNoopProviderMetrics returns a ProviderMetrics that records nothing.
func NewNoopProviderMetrics() ProviderMetrics { return noopProviderMetrics{} }

type noopTransportMetrics struct{}

func (noopTransportMetrics) RecordCall(string, time.Duration, error) {}
func (noopTransportMetrics) RecordCallStart(string)                  {}
func (noopTransportMetrics) RecordCallEnd(string)                    {}
func (noopTransportMetrics) RecordThrottle(time.Duration)            {}

type noopPipeMetrics struct{}

func (noopPipeMetrics) RecordTransfer(string, int64, time.Duration, error) {}
func (noopPipeMetrics) SetQueueDepth(int)                                 {}
func (noopPipeMetrics) SetActiveTransfers(int)                            {}

type noopProviderMetrics struct{}

func (noopProviderMetrics) RecordQuery(string, time.Duration, error) {}
func (noopProviderMetrics) SetOpenDevices(int)                       {}
func (noopProviderMetrics) RecordNotification(string)                {}
func (noopProviderMetrics) RecordSkippedDevice()                     {}

// Status maps an error to the "status" label value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
