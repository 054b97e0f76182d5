package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/vyrodovalexey/tenantgw/internal/util"
)

// Classify maps err onto the taxonomy. A value that is already an *Error
// is returned unchanged, so Classify(Classify(x)) == Classify(x).
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, util.ErrCircuitOpen), errors.Is(err, util.ErrNoHealthyAddrs):
		return Wrap(KindServiceUnavailable, CodeServiceOffline, "service is temporarily unavailable", err)
	case errors.Is(err, util.ErrInvalidCredentials):
		return Wrap(KindAuthentication, CodeUnauthenticated, "authentication required", err)
	case errors.Is(err, util.ErrTokenExpired):
		return Wrap(KindAuthentication, CodeTokenExpired, "token has expired", err)
	case errors.Is(err, util.ErrForbidden):
		return Wrap(KindAuthorization, CodeForbidden, "access denied", err)
	case errors.Is(err, util.ErrTenantMismatch):
		return Wrap(KindTenantIsolation, CodeTenantMismatch, "tenant isolation violation", err)
	case errors.Is(err, context.Canceled):
		return Wrap(KindNetwork, CodeRequestCancelled, "request was cancelled", err)
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return Wrap(KindNetwork, CodeServiceTimeout, "service did not respond in time", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return Wrap(KindServiceUnavailable, CodeServiceOffline, "service refused the connection", err)
	case util.IsUpstreamError(err):
		return Wrap(KindServiceUnavailable, CodeServiceOffline, "service responded with an error", err)
	}

	if e := classifyDNS(err); e != nil {
		return e
	}

	if isMalformedPayload(err) {
		return Wrap(KindValidation, CodeInvalidPayload, "request payload is malformed", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, syscall.ECONNRESET) {
		return Wrap(KindNetwork, CodeNetworkError, "network error while contacting service", err)
	}

	return Wrap(KindInternal, CodeInternalError, "internal server error", err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classifyDNS(err error) *Error {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return nil
	}
	if dnsErr.IsNotFound {
		return Wrap(KindServiceUnavailable, CodeServiceNotFound, "service host could not be resolved", err)
	}
	return Wrap(KindNetwork, CodeNetworkError, "service host lookup failed", err)
}

func isMalformedPayload(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.As(err, &maxBytesErr)
}

// IsRetryable reports whether err is worth another attempt. Client-caused
// errors, short-circuited breakers and relayed backend responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, util.ErrCircuitOpen) || util.IsUpstreamError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !Classify(err).Kind.IsClientError()
}

// CountsAsFailure reports whether err should be recorded against a
// circuit breaker. Client-caused errors are not the backend's fault, and
// neither is a service the registry has no entry for.
func CountsAsFailure(err error) bool {
	if err == nil || errors.Is(err, util.ErrCircuitOpen) || errors.Is(err, util.ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !Classify(err).Kind.IsClientError()
}
