package reliability

import (
	"context"
	"errors"
	"time"
)

// FaultClass buckets everything that can go wrong between this process and
// the backend. Classification decides retry behavior: transport faults are
// retried under bounded backoff, client and application faults are terminal,
// and cancellation is not a fault at all.
type FaultClass int

const (
	FaultNone FaultClass = iota
	FaultClient
	FaultTransport
	FaultApplication
	FaultCancellation
)

func (f FaultClass) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultClient:
		return "client"
	case FaultTransport:
		return "transport"
	case FaultApplication:
		return "application"
	case FaultCancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// ClassifyHTTPStatus buckets an HTTP handshake or poll response.
func ClassifyHTTPStatus(code int) FaultClass {
	switch {
	case code >= 200 && code < 300:
		return FaultNone
	case code == 408 || code == 429:
		return FaultTransport
	case code >= 400 && code < 500:
		return FaultClient
	default:
		return FaultTransport
	}
}

// ClassifyError separates a deliberate cancellation from a transport failure.
// A context cancellation means the caller tore the operation down on purpose;
// it must never count toward a retry budget or surface as an error.
func ClassifyError(err error) FaultClass {
	if err == nil {
		return FaultNone
	}
	if errors.Is(err, context.Canceled) {
		return FaultCancellation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FaultTransport
	}
	return FaultTransport
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
