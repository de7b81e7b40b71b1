package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/capitalize-ai/persona-chat/internal/model"
)

// BodyFunc produces a fresh request body and its content type. It is called
// once per attempt so that retries and the auth replay resend the same body.
type BodyFunc func() (io.Reader, string, error)

// JSONBody encodes v as JSON.
func JSONBody(v any) BodyFunc {
	return func() (io.Reader, string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request: %w", err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

// FormBody encodes vals as application/x-www-form-urlencoded.
func FormBody(vals url.Values) BodyFunc {
	return func() (io.Reader, string, error) {
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	}
}

// Field is one ordered multipart form field.
type Field struct {
	Name  string
	Value string
}

// MultipartBody encodes fields followed by files under the "files" part name.
func MultipartBody(fields []Field, files []model.Attachment) BodyFunc {
	return func() (io.Reader, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)

		for _, f := range fields {
			if err := w.WriteField(f.Name, f.Value); err != nil {
				return nil, "", fmt.Errorf("failed to write field %s: %w", f.Name, err)
			}
		}

		for _, att := range files {
			if err := writeFilePart(w, att); err != nil {
				return nil, "", err
			}
		}

		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
		}
		return &buf, w.FormDataContentType(), nil
	}
}

func writeFilePart(w *multipart.Writer, att model.Attachment) error {
	if att.Open == nil {
		return fmt.Errorf("attachment %s has no content", att.Name)
	}
	rc, err := att.Open()
	if err != nil {
		return fmt.Errorf("failed to open attachment %s: %w", att.Name, err)
	}
	defer rc.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, escapeQuotes(att.Name)))
	ct := att.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create part for %s: %w", att.Name, err)
	}
	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("failed to copy attachment %s: %w", att.Name, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
