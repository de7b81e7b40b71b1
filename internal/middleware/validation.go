package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxContentLength caps message content in bytes.
const MaxContentLength = 100000

// FieldError is one entry of a 422 response, shaped like FastAPI's
// {"loc": [...], "msg": ..., "type": ...}.
type FieldError struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// BodyField builds a FieldError located in the request body.
func BodyField(field, msg, typ string) FieldError {
	return FieldError{Loc: []any{"body", field}, Msg: msg, Type: typ}
}

// QueryField builds a FieldError located in the query string.
func QueryField(field, msg, typ string) FieldError {
	return FieldError{Loc: []any{"query", field}, Msg: msg, Type: typ}
}

// PathField builds a FieldError located in the URL path.
func PathField(field, msg, typ string) FieldError {
	return FieldError{Loc: []any{"path", field}, Msg: msg, Type: typ}
}

// ValidateMessageContent checks the content of a new message. Content may
// be empty only when files are attached.
func ValidateMessageContent(content string, hasFiles bool) []FieldError {
	var errs []FieldError
	if content == "" && !hasFiles {
		errs = append(errs, BodyField("content", "Message must have content or files", "value_error.missing"))
	}
	if len(content) > MaxContentLength {
		errs = append(errs, BodyField("content", "ensure this value has at most "+strconv.Itoa(MaxContentLength)+" characters", "value_error.any_str.max_length"))
	}
	if !utf8.ValidString(content) {
		errs = append(errs, BodyField("content", "content must be valid UTF-8", "value_error.str"))
	}
	return errs
}

// ValidateConversationID checks a conversation ID path parameter.
func ValidateConversationID(id string) []FieldError {
	if _, err := uuid.Parse(id); err != nil {
		return []FieldError{PathField("conversation_id", "value is not a valid uuid", "type_error.uuid")}
	}
	return nil
}

// ValidateMessageID checks a message ID in loc.
func ValidateMessageID(loc []any, id string) []FieldError {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return []FieldError{{Loc: loc, Msg: "value is not a valid integer", Type: "type_error.integer"}}
	}
	return nil
}

// ValidateTitle validates a conversation title.
func ValidateTitle(title string) []FieldError {
	if len(title) > 256 {
		return []FieldError{BodyField("title", "ensure this value has at most 256 characters", "value_error.any_str.max_length")}
	}
	if !utf8.ValidString(title) {
		return []FieldError{BodyField("title", "title must be valid UTF-8", "value_error.str")}
	}
	return nil
}

// WriteValidation answers 422 with {"detail": [...]}.
func WriteValidation(w http.ResponseWriter, errs []FieldError) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": errs})
}

// WriteDetail answers status with {"detail": message}.
func WriteDetail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
