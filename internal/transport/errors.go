package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind classifies a failed request.
type Kind int

const (
	// KindRequest is any other 4xx the caller got wrong (400, 409, 429...).
	KindRequest Kind = iota
	// KindNetwork means no response was received.
	KindNetwork
	// KindUnavailable is a 5xx or status 0 response.
	KindUnavailable
	// KindValidation is a 422 carrying field-level messages.
	KindValidation
	// KindAuth is a 401 or 403 that survived the refresh attempt.
	KindAuth
	// KindNotFound is a 404.
	KindNotFound
	// KindCancelled means the request was intentionally aborted.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUnavailable:
		return "service_unavailable"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindCancelled:
		return "cancelled"
	default:
		return "request"
	}
}

// FieldError is one field-level validation message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the structured error returned by every transport operation.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Fields  []FieldError
	Err     error

	sentinel bool
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Status > 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.sentinel && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrNetwork     = &Error{Kind: KindNetwork, Message: "no response from server", sentinel: true}
	ErrUnavailable = &Error{Kind: KindUnavailable, Message: "service unavailable", sentinel: true}
	ErrValidation  = &Error{Kind: KindValidation, Message: "validation failed", sentinel: true}
	ErrAuth        = &Error{Kind: KindAuth, Message: "not authorized", sentinel: true}
	ErrNotFound    = &Error{Kind: KindNotFound, Message: "not found", sentinel: true}
	ErrCancelled   = &Error{Kind: KindCancelled, Message: "request cancelled", sentinel: true}
)

// KindOf classifies any error returned from this package or a context.
func KindOf(err error) Kind {
	if err == nil {
		return KindRequest
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindRequest
}

// IsCancelled reports whether err stems from an intentional abort. Such
// errors are never shown to the user.
func IsCancelled(err error) bool {
	return err != nil && KindOf(err) == KindCancelled
}

// Retryable reports whether an idempotent request may be attempted again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindUnavailable:
		return true
	default:
		return false
	}
}

// Cancelled wraps an abort cause as a KindCancelled error.
func Cancelled(cause error) *Error {
	return &Error{Kind: KindCancelled, Message: "request cancelled", Err: cause}
}

func kindForStatus(status int) Kind {
	switch {
	case status == 0 || status >= 500:
		return KindUnavailable
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindRequest
	}
}

// errorBody covers the error payloads the backend produces: FastAPI
// {"detail": "..."} or {"detail": [{"loc": [...], "msg": "..."}]}, and
// {"message": "...", "errors": {"field": ["..."]}}.
type errorBody struct {
	Detail  json.RawMessage     `json:"detail"`
	Message string              `json:"message"`
	Error   string              `json:"error"`
	Errors  map[string][]string `json:"errors"`
}

type detailItem struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

// FromResponse builds the structured error for a non-2xx response.
func FromResponse(status int, body []byte) *Error {
	e := &Error{Kind: kindForStatus(status), Status: status}

	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		var detailStr string
		var items []detailItem
		if len(eb.Detail) > 0 {
			if json.Unmarshal(eb.Detail, &items) != nil {
				items = nil
				_ = json.Unmarshal(eb.Detail, &detailStr)
			}
		}
		for _, it := range items {
			e.Fields = append(e.Fields, FieldError{Field: locPath(it.Loc), Message: it.Msg})
		}
		fields := make([]string, 0, len(eb.Errors))
		for field := range eb.Errors {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			for _, m := range eb.Errors[field] {
				e.Fields = append(e.Fields, FieldError{Field: field, Message: m})
			}
		}

		switch {
		case len(e.Fields) > 0:
			e.Message = JoinFields(e.Fields)
		case detailStr != "":
			e.Message = detailStr
		case eb.Message != "":
			e.Message = eb.Message
		case eb.Error != "":
			e.Message = eb.Error
		}
	}

	if e.Message == "" {
		if e.Kind == KindValidation {
			e.Message = "validation error, please check your input"
		} else {
			e.Message = strings.ToLower(http.StatusText(status))
		}
	}
	return e
}

// locPath drops the leading location segment ("body", "query") and joins the
// rest with dots.
func locPath(loc []any) string {
	if len(loc) <= 1 {
		if len(loc) == 1 {
			return fmt.Sprint(loc[0])
		}
		return ""
	}
	parts := make([]string, 0, len(loc)-1)
	for _, p := range loc[1:] {
		parts = append(parts, fmt.Sprint(p))
	}
	return strings.Join(parts, ".")
}

// JoinFields renders field errors as "field: message; field: message".
func JoinFields(fields []FieldError) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Field == "" {
			parts = append(parts, f.Message)
			continue
		}
		parts = append(parts, f.Field+": "+f.Message)
	}
	return strings.Join(parts, "; ")
}

// UserMessage returns the text a UI should display for err, or "" for
// cancellations which are not failures.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	switch KindOf(err) {
	case KindCancelled:
		return ""
	case KindNetwork:
		return "No response from server"
	case KindUnavailable:
		return "Service unavailable, please try again"
	case KindAuth:
		return "Your session has expired, please log in again"
	case KindNotFound:
		return "Not found"
	}
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return err.Error()
}
