package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/SirClappington/gatehouse/internal/apperr"
	"github.com/SirClappington/gatehouse/internal/policy"
	"github.com/SirClappington/gatehouse/internal/queue"
	"github.com/SirClappington/gatehouse/internal/registry"
	"github.com/SirClappington/gatehouse/internal/schedule"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// envelope is the body of every API response.
type envelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// msgError attaches a translated response message to err.
type msgError struct {
	key  string
	args []any
	err  error
}

func (e *msgError) Error() string { return e.err.Error() }
func (e *msgError) Unwrap() error { return e.err }

func withMsg(err error, key string, args ...any) error {
	return &msgError{key: key, args: args, err: err}
}

type classified struct {
	kind apperr.Kind
	code string
	key  string
}

// sentinels maps package errors onto response classes. Order matters: the
// first match wins.
var sentinels = []struct {
	err error
	c   classified
}{
	{queue.ErrDataRequired, classified{apperr.Validation, "DATA_REQUIRED", "queue.data_required"}},
	{queue.ErrNegativeDelay, classified{apperr.Validation, "INVALID_DELAY", ""}},
	{queue.ErrJobNotFound, classified{apperr.NotFound, "JOB_NOT_FOUND", ""}},
	{queue.ErrProcessorNotFound, classified{apperr.NotFound, "PROCESSOR_NOT_FOUND", ""}},
	{queue.ErrAlreadyProcessing, classified{apperr.Conflict, "ALREADY_PROCESSING", "queue.already_processing"}},
	{registry.ErrUnknownQueue, classified{apperr.NotFound, "QUEUE_NOT_FOUND", ""}},
	{registry.ErrInvalidPayload, classified{apperr.Validation, "INVALID_PAYLOAD", ""}},
	{policy.ErrInvalidRequest, classified{apperr.Validation, "INVALID_PERMISSION_REQUEST", ""}},
	{policy.ErrInvalidPolicy, classified{apperr.Validation, "INVALID_POLICY", ""}},
	{schedule.ErrInvalidSpec, classified{apperr.Validation, "INVALID_CRON_SPEC", ""}},
	{schedule.ErrEntryNotFound, classified{apperr.NotFound, "CRON_ENTRY_NOT_FOUND", ""}},
}

type retryable interface{ Retryable() bool }

func classify(err error) classified {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return classified{ae.Kind, ae.Code, ""}
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.c
		}
	}
	var re retryable
	if errors.As(err, &re) && re.Retryable() {
		return classified{apperr.Unavailable, apperr.Unavailable.Code(), ""}
	}
	return classified{apperr.Internal, apperr.Internal.Code(), ""}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body envelope) {
	b, err := sonic.Marshal(body)
	if err != nil {
		s.log.Error("encode response", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (s *Server) ok(w http.ResponseWriter, r *http.Request, key string, data any, args ...any) {
	if key == "" {
		key = "success"
	}
	s.writeJSON(w, http.StatusOK, envelope{
		Code:    "OK",
		Message: s.tr.T(r.Context(), key, args...),
		Data:    data,
		Success: true,
	})
}

// fail renders err. Validation and bad request messages carry the cause;
// other kinds show only their generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	c := classify(err)
	var msg string
	var me *msgError
	switch {
	case errors.As(err, &me):
		msg = s.tr.T(r.Context(), me.key, me.args...)
	case c.key != "":
		msg = s.tr.T(r.Context(), c.key)
	default:
		msg = s.tr.T(r.Context(), c.kind.MessageKey())
		if c.kind == apperr.Validation || c.kind == apperr.BadRequest {
			msg += ": " + err.Error()
		}
	}
	if c.kind == apperr.Internal || c.kind == apperr.Unavailable {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", c.code),
			zap.Error(err),
		)
	}
	body := envelope{Code: c.code, Message: msg, Success: false}
	if !s.production {
		body.Detail = apperr.Detail(err)
	}
	s.writeJSON(w, c.kind.Status(), body)
}

// handle adapts an error-returning handler.
func (s *Server) handle(fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			s.fail(w, r, err)
		}
	}
}

func badBody(err error) error {
	return apperr.WithCode(apperr.Wrap(err, apperr.BadRequest, "malformed request body"), "INVALID_BODY")
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return badBody(err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(b, v); err != nil {
		return badBody(err)
	}
	return nil
}
