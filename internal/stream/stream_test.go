package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/persona-chat/internal/transport"
)

// chunkReader returns one chunk per Read call.
type chunkReader struct {
	chunks [][]byte
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func chunks(parts ...string) *chunkReader {
	r := &chunkReader{}
	for _, p := range parts {
		r.chunks = append(r.chunks, []byte(p))
	}
	return r
}

func TestDecoder_SplitMultiByte(t *testing.T) {
	word := []byte("héllo 世界 🙂")
	for split := 1; split < len(word); split++ {
		d := NewDecoder()
		got := d.Write(word[:split]) + d.Write(word[split:]) + d.Flush()
		require.Equal(t, string(word), got, "split at %d", split)
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	word := []byte("日本語")
	d := NewDecoder()
	var sb strings.Builder
	for i := range word {
		out := d.Write(word[i : i+1])
		if (i+1)%3 != 0 {
			require.Empty(t, out)
			require.Equal(t, (i+1)%3, d.Buffered())
		}
		sb.WriteString(out)
	}
	require.Equal(t, "日本語", sb.String())
}

func TestDecoder_InvalidTailFlushesReplacement(t *testing.T) {
	d := NewDecoder()
	require.Equal(t, "ok", d.Write([]byte{'o', 'k', 0xE4, 0xB8}))
	require.Equal(t, "�", d.Flush())
	require.Zero(t, d.Buffered())
}

func TestRead_Chunks(t *testing.T) {
	var seen []string
	res, err := Read(context.Background(), chunks("Hel", "lo wor", "ld"), func(s string) error {
		seen = append(seen, s)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Hel", "lo wor", "ld"}, seen)
	require.Equal(t, "Hello world", res.Text)
	require.Equal(t, 3, res.Chunks)
	require.EqualValues(t, 11, res.Bytes)
}

func TestRead_SplitRuneAcrossReads(t *testing.T) {
	euro := []byte("€")
	r := &chunkReader{chunks: [][]byte{append([]byte("1"), euro[:1]...), euro[1:]}}
	res, err := Read(context.Background(), r, nil)
	require.NoError(t, err)
	require.Equal(t, "1€", res.Text)
	require.Equal(t, 2, res.Chunks)
}

func TestRead_NetworkErrorKeepsPartial(t *testing.T) {
	r := chunks("partial")
	r.err = errors.New("connection reset")

	res, err := Read(context.Background(), r, nil)
	var pe *PartialError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "partial", pe.Text)
	require.Equal(t, "partial", res.Text)
	require.Equal(t, transport.KindNetwork, transport.KindOf(err))
}

func TestRead_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	res, err := Read(ctx, chunks("a", "b"), func(s string) error {
		cancel()
		return nil
	})
	require.True(t, transport.IsCancelled(err))
	require.Equal(t, "a", res.Text)
}

func TestRead_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	res, err := Read(context.Background(), chunks("a", "b", "c"), func(s string) error {
		if s == "b" {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 2, res.Chunks)
}
