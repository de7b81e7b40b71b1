package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/capitalize-ai/persona-chat/internal/transport"
)

const readSize = 4096

// Result summarizes a consumed stream.
type Result struct {
	Text   string
	Chunks int
	Bytes  int64
}

// PartialError reports a stream that ended early. Text holds everything that
// was decoded before the failure.
type PartialError struct {
	Text string
	Err  error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("reply stream interrupted after %d bytes: %v", len(e.Text), e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// Read consumes r until EOF and calls fn with every non-empty decoded
// increment. An error from fn stops reading. When ctx ends first the error is
// a cancellation.
func Read(ctx context.Context, r io.Reader, fn func(text string) error) (Result, error) {
	var (
		res  Result
		text strings.Builder
		dec  = NewDecoder()
		buf  = make([]byte, readSize)
	)

	emit := func(s string) error {
		if s == "" {
			return nil
		}
		res.Chunks++
		text.WriteString(s)
		if fn != nil {
			return fn(s)
		}
		return nil
	}
	fail := func(err error) (Result, error) {
		res.Text = text.String()
		return res, &PartialError{Text: res.Text, Err: err}
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(transport.Cancelled(err))
		}

		n, err := r.Read(buf)
		if n > 0 {
			res.Bytes += int64(n)
			if ferr := emit(dec.Write(buf[:n])); ferr != nil {
				return fail(ferr)
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if ferr := emit(dec.Flush()); ferr != nil {
				return fail(ferr)
			}
			res.Text = text.String()
			return res, nil
		case ctx.Err() != nil:
			return fail(transport.Cancelled(ctx.Err()))
		case errors.Is(err, context.Canceled):
			return fail(transport.Cancelled(err))
		default:
			return fail(&transport.Error{Kind: transport.KindNetwork, Message: "reply stream interrupted", Err: err})
		}
	}
}
