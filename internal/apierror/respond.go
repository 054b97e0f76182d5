package apierror

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/util"
)

// Envelope is the wire format of every gateway-originated error.
type Envelope struct {
	Error Body `json:"error"`
}

// Body is the content of an Envelope.
type Body struct {
	Type      Kind           `json:"type"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	RequestID string         `json:"requestId"`
	Path      string         `json:"path"`
	Method    string         `json:"method"`
	TenantID  string         `json:"tenantId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Stack     string         `json:"stack,omitempty"`
}

// Format renders e for the client. Details are exposed for low-severity
// errors or in debug mode; the stack only in debug mode.
func Format(e *Error, rc *util.RequestContext, debug bool) Envelope {
	body := Body{
		Type:      e.Kind,
		Code:      e.Code,
		Message:   e.Message,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	if rc != nil {
		body.RequestID = rc.RequestID
		body.Path = rc.Path
		body.Method = rc.Method
		body.TenantID = rc.TenantID
	}

	if len(e.Details) > 0 && (debug || e.Severity == SeverityLow || e.Kind == KindValidation) {
		body.Details = e.Details
	}

	if debug {
		body.Stack = e.Stack
		if body.Stack == "" && e.Cause != nil {
			body.Stack = e.Cause.Error()
		}
	}

	return Envelope{Error: body}
}

// Responder classifies, logs and writes errors.
type Responder struct {
	logger observability.Logger
	debug  bool
}

// NewResponder creates a Responder. In debug mode envelopes include
// details and stack information for every severity.
func NewResponder(logger observability.Logger, debug bool) *Responder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Responder{logger: logger, debug: debug}
}

// Write classifies err, logs it at the level its severity calls for and
// writes the envelope to w. It returns the classified error.
func (r *Responder) Write(w http.ResponseWriter, req *http.Request, err error) *Error {
	e := Classify(err)
	if e == nil {
		e = New(KindInternal, CodeInternalError, "internal server error")
	}

	rc := util.RequestContextFrom(req.Context())
	if rc == nil {
		rc = &util.RequestContext{Method: req.Method, Path: req.URL.Path}
	}

	r.log(e, rc)

	if rc.RequestID != "" {
		w.Header().Set(util.HeaderRequestID, rc.RequestID)
	}
	if e.Kind == KindRateLimit {
		if secs, ok := e.Details["retryAfterSeconds"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.StatusCode)

	if encErr := json.NewEncoder(w).Encode(Format(e, rc, r.debug)); encErr != nil {
		r.logger.Debug("failed to write error envelope", observability.Error(encErr))
	}

	return e
}

func (r *Responder) log(e *Error, rc *util.RequestContext) {
	fields := []observability.Field{
		observability.String("error_type", string(e.Kind)),
		observability.String("code", e.Code),
		observability.Int("status", e.StatusCode),
		observability.String("severity", string(e.Severity)),
		observability.String("request_id", rc.RequestID),
		observability.String("method", rc.Method),
		observability.String("path", rc.Path),
	}
	if rc.TenantID != "" {
		fields = append(fields, observability.String("tenant_id", rc.TenantID))
	}
	if e.Cause != nil {
		fields = append(fields, observability.Error(e.Cause))
	}

	switch e.Severity {
	case SeverityLow:
		r.logger.Info(e.Message, fields...)
	case SeverityMedium:
		r.logger.Warn(e.Message, fields...)
	default:
		if e.Stack != "" {
			fields = append(fields, observability.String("stack", e.Stack))
		}
		r.logger.Error(e.Message, fields...)
	}
}
