// Package stream consumes raw chunked reply bodies. Chunk boundaries are
// arbitrary and may split multi-byte characters, so decoding keeps the
// incomplete tail of each chunk until the next one arrives.
package stream

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decoder incrementally decodes UTF-8 text. Ill-formed bytes become U+FFFD.
type Decoder struct {
	t       transform.Transformer
	pending []byte
	dst     []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{t: unicode.UTF8.NewDecoder()}
}

// Write feeds a chunk and returns the text that is complete so far.
func (d *Decoder) Write(chunk []byte) string {
	if len(chunk) == 0 {
		return ""
	}
	d.pending = append(d.pending, chunk...)
	return d.decode(false)
}

// Flush returns whatever is still buffered at end of stream.
func (d *Decoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	return d.decode(true)
}

// Buffered reports how many bytes await the rest of their character.
func (d *Decoder) Buffered() int {
	return len(d.pending)
}

func (d *Decoder) decode(atEOF bool) string {
	// Each ill-formed byte expands to a three-byte replacement character.
	if need := 3*len(d.pending) + utf8.UTFMax; cap(d.dst) < need {
		d.dst = make([]byte, need)
	}
	dst := d.dst[:cap(d.dst)]

	var out strings.Builder
	src := d.pending
	for {
		nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
		out.Write(dst[:nDst])
		src = src[nSrc:]
		if errors.Is(err, transform.ErrShortDst) && nSrc > 0 {
			continue
		}
		break
	}

	d.pending = append(d.pending[:0], src...)
	if atEOF {
		d.t.Reset()
		d.pending = d.pending[:0]
	}
	return out.String()
}
