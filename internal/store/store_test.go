package store

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/persona-chat/internal/api"
	"github.com/capitalize-ai/persona-chat/internal/config"
	"github.com/capitalize-ai/persona-chat/internal/events"
	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/internal/transport"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
)

var errNotImplemented = errors.New("not implemented")

type fakeAPI struct {
	recent      func(ctx context.Context, convID string, limit int) (model.MessagePage, error)
	older       func(ctx context.Context, convID, before string, limit int) (model.MessagePage, error)
	send        func(ctx context.Context, convID string, req model.SendRequest) (model.Message, error)
	del         func(ctx context.Context, convID, msgID string) error
	search      func(ctx context.Context, convID, query string, page, limit int) (model.SearchPage, error)
	count       func(ctx context.Context, convID string) (int, error)
	attachments func(ctx context.Context, convID, msgID string) ([]model.AttachmentInfo, error)
	reply       func(ctx context.Context, convID, msgID string) (*api.Reply, error)
}

func (f *fakeAPI) RecentMessages(ctx context.Context, convID string, limit int) (model.MessagePage, error) {
	if f.recent == nil {
		return model.MessagePage{}, errNotImplemented
	}
	return f.recent(ctx, convID, limit)
}

func (f *fakeAPI) OlderMessages(ctx context.Context, convID, before string, limit int) (model.MessagePage, error) {
	if f.older == nil {
		return model.MessagePage{}, errNotImplemented
	}
	return f.older(ctx, convID, before, limit)
}

func (f *fakeAPI) SendMessage(ctx context.Context, convID string, req model.SendRequest) (model.Message, error) {
	if f.send == nil {
		return model.Message{}, errNotImplemented
	}
	return f.send(ctx, convID, req)
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, convID, msgID string) error {
	if f.del == nil {
		return errNotImplemented
	}
	return f.del(ctx, convID, msgID)
}

func (f *fakeAPI) SearchMessages(ctx context.Context, convID, query string, page, limit int) (model.SearchPage, error) {
	if f.search == nil {
		return model.SearchPage{}, errNotImplemented
	}
	return f.search(ctx, convID, query, page, limit)
}

func (f *fakeAPI) MessageCount(ctx context.Context, convID string) (int, error) {
	if f.count == nil {
		return 0, errNotImplemented
	}
	return f.count(ctx, convID)
}

func (f *fakeAPI) MessageAttachments(ctx context.Context, convID, msgID string) ([]model.AttachmentInfo, error) {
	if f.attachments == nil {
		return nil, errNotImplemented
	}
	return f.attachments(ctx, convID, msgID)
}

func (f *fakeAPI) StreamReply(ctx context.Context, convID, msgID string) (*api.Reply, error) {
	if f.reply == nil {
		return nil, errNotImplemented
	}
	return f.reply(ctx, convID, msgID)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(min int) time.Time {
	return t0.Add(time.Duration(min) * time.Minute)
}

func userMsg(id, content string, ts time.Time) model.Message {
	return model.Message{ID: id, Role: model.RoleUser, Content: content, Type: model.MessageTypeText, Timestamp: ts, Status: model.StatusSent}
}

func botMsg(id, content string, ts time.Time) model.Message {
	return model.Message{ID: id, Role: model.RoleAssistant, Content: content, Type: model.MessageTypeText, Timestamp: ts, Status: model.StatusComplete}
}

func newTestStore(f *fakeAPI) *Store {
	return New(f, Options{
		ConversationID: "conv-1",
		PersonaID:      "persona-1",
		Features:       config.AllFeatures(),
		Logger:         logger.Nop(),
		Now:            func() time.Time { return at(5) },
	})
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func requireConsistent(t *testing.T, msgs []model.Message) {
	t.Helper()
	seen := map[string]bool{}
	streaming := 0
	for i, m := range msgs {
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			require.False(t, m.Timestamp.Before(msgs[i-1].Timestamp), "out of order at %d", i)
		}
		if m.Status == model.StatusStreaming {
			streaming++
		}
	}
	require.LessOrEqual(t, streaming, 1)
}

type chunkReader struct {
	chunks []string
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

func chunkBody(parts ...string) io.ReadCloser {
	return io.NopCloser(&chunkReader{chunks: parts})
}

// pipeReply returns a reply whose body is fed by the returned writer and is
// torn down when ctx ends, the way an HTTP body is.
func pipeReply(ctx context.Context, id string) (*api.Reply, *io.PipeWriter) {
	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	return &api.Reply{Body: pr, MessageID: id}, pw
}

func loaded(t *testing.T, f *fakeAPI, page model.MessagePage) *Store {
	t.Helper()
	f.recent = func(context.Context, string, int) (model.MessagePage, error) { return page, nil }
	s := newTestStore(f)
	require.NoError(t, s.LoadRecent(context.Background(), 30))
	return s
}

func TestLoadRecent_ReplacesListAndCursor(t *testing.T) {
	var gotLimit int
	f := &fakeAPI{recent: func(_ context.Context, convID string, limit int) (model.MessagePage, error) {
		require.Equal(t, "conv-1", convID)
		gotLimit = limit
		return model.MessagePage{
			Items:  []model.Message{userMsg("m2", "b", at(2)), userMsg("m1", "a", at(1))},
			Cursor: model.Cursor{HasPrevious: true, PreviousCursor: "m1"},
		}, nil
	}}
	s := newTestStore(f)
	require.False(t, s.Initialized())

	require.NoError(t, s.LoadRecent(context.Background(), 0))
	require.Equal(t, 30, gotLimit)
	require.True(t, s.Initialized())
	require.Equal(t, []string{"m1", "m2"}, ids(s.Messages()))
	require.Equal(t, model.Cursor{HasPrevious: true, PreviousCursor: "m1"}, s.Cursor())
	require.False(t, s.Loading().Any())
}

func TestLoadRecent_CoalescesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	f := &fakeAPI{recent: func(context.Context, string, int) (model.MessagePage, error) {
		calls.Add(1)
		<-release
		return model.MessagePage{Items: []model.Message{userMsg("m1", "a", at(1))}}, nil
	}}
	s := newTestStore(f)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	load := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.LoadRecent(context.Background(), 10)
		}()
	}
	load(0)
	require.Eventually(t, func() bool { return s.Loading().Initial }, time.Second, time.Millisecond)
	load(1)
	load(2)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, calls.Load())
	require.Len(t, s.Messages(), 1)
}

func TestLoadRecent_FailureKeepsState(t *testing.T) {
	f := &fakeAPI{recent: func(context.Context, string, int) (model.MessagePage, error) {
		return model.MessagePage{}, &transport.Error{Kind: transport.KindUnavailable, Status: 503}
	}}
	s := newTestStore(f)

	err := s.LoadRecent(context.Background(), 10)
	require.ErrorIs(t, err, transport.ErrUnavailable)
	require.False(t, s.Initialized())
	require.False(t, s.Loading().Initial)
}

func TestLoadOlder_PrependsAndReplacesCursor(t *testing.T) {
	f := &fakeAPI{}
	s := loaded(t, f, model.MessagePage{
		Items:  []model.Message{userMsg("m1", "one", at(1)), botMsg("m2", "two", at(2))},
		Cursor: model.Cursor{HasNext: false, HasPrevious: true, PreviousCursor: "m1", NextCursor: "m2"},
	})

	f.older = func(_ context.Context, _ string, before string, limit int) (model.MessagePage, error) {
		require.Equal(t, "m1", before)
		require.Equal(t, 20, limit)
		return model.MessagePage{
			Items:  []model.Message{userMsg("m0", "zero", at(0))},
			Cursor: model.Cursor{HasPrevious: false},
		}, nil
	}

	var changes []Change
	s.OnChange(func(c Change) { changes = append(changes, c) })

	n, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"m0", "m1", "m2"}, ids(s.Messages()))

	cur := s.Cursor()
	require.False(t, cur.HasPrevious)
	require.Empty(t, cur.PreviousCursor, "previous cursor comes from the response, not the old value")
	require.Equal(t, "m2", cur.NextCursor, "newer edge is untouched")
	require.Equal(t, []Change{{Kind: MessagesPrepended, Count: 1}}, changes)

	// Nothing older: the next call is a no-op without a request.
	f.older = nil
	n, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestLoadOlder_IgnoredWhileInFlight(t *testing.T) {
	f := &fakeAPI{}
	s := loaded(t, f, model.MessagePage{
		Items:  []model.Message{userMsg("m5", "x", at(5))},
		Cursor: model.Cursor{HasPrevious: true, PreviousCursor: "m5"},
	})

	var calls atomic.Int32
	release := make(chan struct{})
	f.older = func(context.Context, string, string, int) (model.MessagePage, error) {
		calls.Add(1)
		<-release
		return model.MessagePage{Items: []model.Message{userMsg("m4", "y", at(4))}, Cursor: model.Cursor{HasPrevious: true, PreviousCursor: "m4"}}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.LoadOlder(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return s.Loading().Older }, time.Second, time.Millisecond)

	n, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	close(release)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, model.Cursor{HasPrevious: true, PreviousCursor: "m4"}, s.Cursor())
}

func TestSend_AppendsServerMessage(t *testing.T) {
	f := &fakeAPI{}
	s := loaded(t, f, model.MessagePage{Items: []model.Message{botMsg("m1", "hi", at(1))}})

	var pending []model.Message
	f.send = func(_ context.Context, _ string, req model.SendRequest) (model.Message, error) {
		require.Equal(t, "hello", req.Content)
		pending = s.Messages()
		return userMsg("42", "hello", at(6)), nil
	}

	msg, err := s.Send(context.Background(), "  hello ", nil)
	require.NoError(t, err)
	require.Equal(t, "42", msg.ID)

	require.Len(t, pending, 2)
	require.Equal(t, model.StatusPending, pending[1].Status)
	require.True(t, pending[1].Local)

	msgs := s.Messages()
	require.Equal(t, []string{"m1", "42"}, ids(msgs))
	require.Equal(t, model.StatusSent, msgs[1].Status)
	require.False(t, msgs[1].Local)
	require.False(t, s.Loading().Sending)
}

func TestSend_RejectsEmpty(t *testing.T) {
	s := newTestStore(&fakeAPI{})
	_, err := s.Send(context.Background(), "   ", nil)
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, s.Messages())
}

func TestSend_FilesNeedFeature(t *testing.T) {
	s := New(&fakeAPI{}, Options{ConversationID: "c", Logger: logger.Nop()})
	file := model.BytesAttachment("a.txt", "text/plain", []byte("x"))
	_, err := s.Send(context.Background(), "", []model.Attachment{file})
	require.ErrorIs(t, err, ErrFeatureDisabled)
}

func TestSend_FailureRemovesPendingAndReportsFields(t *testing.T) {
	f := &fakeAPI{send: func(context.Context, string, model.SendRequest) (model.Message, error) {
		return model.Message{}, transport.FromResponse(422, []byte(`{"detail":[{"loc":["body","content"],"msg":"too long"}]}`))
	}}
	var published []model.EventType
	s := New(f, Options{
		ConversationID: "c",
		Features:       config.AllFeatures(),
		Logger:         logger.Nop(),
		Events: events.Func(func(_ context.Context, e *model.ClientEvent) error {
			published = append(published, e.Type)
			return nil
		}),
	})

	_, err := s.Send(context.Background(), "hello", nil)
	require.ErrorIs(t, err, transport.ErrValidation)
	require.Equal(t, "content: too long", transport.UserMessage(err))
	require.Empty(t, s.Messages())
	require.Equal(t, []model.EventType{model.EventSendFailed}, published)
}

func TestSend_SecondSendAbortsFirst(t *testing.T) {
	var calls, completed atomic.Int32
	started := make(chan struct{})
	f := &fakeAPI{send: func(ctx context.Context, _ string, req model.SendRequest) (model.Message, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return model.Message{}, transport.Cancelled(ctx.Err())
		}
		completed.Add(1)
		return userMsg("43", req.Content, at(6)), nil
	}}
	s := newTestStore(f)

	first := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "first", nil)
		first <- err
	}()
	<-started

	msg, err := s.Send(context.Background(), "second", nil)
	require.NoError(t, err)
	require.Equal(t, "43", msg.ID)

	ferr := <-first
	require.True(t, transport.IsCancelled(ferr))
	require.Empty(t, transport.UserMessage(ferr))

	require.EqualValues(t, 1, completed.Load())
	require.Equal(t, []string{"43"}, ids(s.Messages()))
}

func TestSendStreaming_Chunks(t *testing.T) {
	f := &fakeAPI{}
	s := loaded(t, f, model.MessagePage{Items: []model.Message{botMsg("m1", "welcome", at(1))}})

	f.send = func(_ context.Context, _ string, req model.SendRequest) (model.Message, error) {
		return userMsg("42", req.Content, at(10)), nil
	}
	f.reply = func(_ context.Context, convID, msgID string) (*api.Reply, error) {
		require.Equal(t, "conv-1", convID)
		require.Equal(t, "42", msgID)
		return &api.Reply{Body: chunkBody("Hel", "lo wor", "ld"), MessageID: "43"}, nil
	}

	var seen []string
	s.OnChange(func(c Change) {
		if c.Kind != MessageUpdated {
			return
		}
		if m, ok := s.Message(c.ID); ok && m.Role == model.RoleAssistant && m.Status == model.StatusStreaming {
			seen = append(seen, m.Content)
		}
	})

	msg, err := s.SendStreaming(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Equal(t, "Hello world", msg.Content)
	require.Equal(t, model.StatusComplete, msg.Status)
	require.Equal(t, "43", msg.ID)
	require.Equal(t, []string{"Hel", "Hello wor", "Hello world"}, seen)

	msgs := s.Messages()
	require.Equal(t, []string{"m1", "42", "43"}, ids(msgs))
	requireConsistent(t, msgs)
	require.False(t, s.Loading().Any())
}

func TestSendStreaming_KeepsLocalIDWithoutHeader(t *testing.T) {
	f := &fakeAPI{
		send: func(context.Context, string, model.SendRequest) (model.Message, error) {
			return userMsg("42", "q", at(10)), nil
		},
		reply: func(context.Context, string, string) (*api.Reply, error) {
			return &api.Reply{Body: chunkBody("ok")}, nil
		},
	}
	s := newTestStore(f)

	msg, err := s.SendStreaming(context.Background(), "q", nil)
	require.NoError(t, err)
	require.True(t, msg.Local)
	require.Equal(t, "ok", msg.Content)

	f.attachments = func(context.Context, string, string) ([]model.AttachmentInfo, error) {
		t.Fatal("local entries have no server-side attachments")
		return nil, nil
	}
	_, err = s.Attachments(context.Background(), msg.ID)
	require.ErrorIs(t, err, ErrNotConfirmed)
}

func TestSendStreaming_ErrorBeforeChunksRollsBackPair(t *testing.T) {
	f := &fakeAPI{}
	s := loaded(t, f, model.MessagePage{Items: []model.Message{botMsg("m1", "welcome", at(1))}})

	f.send = func(context.Context, string, model.SendRequest) (model.Message, error) {
		return userMsg("42", "hello", at(10)), nil
	}
	f.reply = func(context.Context, string, string) (*api.Reply, error) {
		return nil, &transport.Error{Kind: transport.KindUnavailable, Status: 502}
	}

	_, err := s.SendStreaming(context.Background(), "hello", nil)
	require.ErrorIs(t, err, transport.ErrUnavailable)
	require.Equal(t, []string{"m1"}, ids(s.Messages()))
}

func TestSendStreaming_SendFailureRollsBackPair(t *testing.T) {
	f := &fakeAPI{send: func(context.Context, string, model.SendRequest) (model.Message, error) {
		return model.Message{}, &transport.Error{Kind: transport.KindNetwork}
	}}
	s := newTestStore(f)

	_, err := s.SendStreaming(context.Background(), "hello", nil)
	require.Equal(t, transport.KindNetwork, transport.KindOf(err))
	require.Empty(t, s.Messages())
	require.False(t, s.Loading().Any())
}

func TestSendStreaming_FailureAfterChunksMarksFailed(t *testing.T) {
	f := &fakeAPI{
		send: func(context.Context, string, model.SendRequest) (model.Message, error) {
			return userMsg("42", "hello", at(10)), nil
		},
		reply: func(context.Context, string, string) (*api.Reply, error) {
			return &api.Reply{Body: io.NopCloser(&chunkReader{chunks: []string{"par"}, err: errors.New("reset")})}, nil
		},
	}
	s := newTestStore(f)

	msg, err := s.SendStreaming(context.Background(), "hello", nil)
	require.Equal(t, transport.KindNetwork, transport.KindOf(err))
	require.Equal(t, model.StatusFailed, msg.Status)
	require.Equal(t, "par", msg.Content)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, model.StatusFailed, msgs[1].Status)
}

func TestSendStreaming_AbortKeepsPartial(t *testing.T) {
	var pw *io.PipeWriter
	ready := make(chan struct{})
	f := &fakeAPI{
		send: func(context.Context, string, model.SendRequest) (model.Message, error) {
			return userMsg("42", "hello", at(10)), nil
		},
		reply: func(ctx context.Context, _, _ string) (*api.Reply, error) {
			var r *api.Reply
			r, pw = pipeReply(ctx, "")
			close(ready)
			return r, nil
		},
	}
	s := newTestStore(f)

	done := make(chan error, 1)
	go func() {
		_, err := s.SendStreaming(context.Background(), "hello", nil)
		done <- err
	}()
	<-ready
	_, err := pw.Write([]byte("partial"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 2 && msgs[1].Content == "partial"
	}, time.Second, time.Millisecond)

	s.CancelStream()

	serr := <-done
	require.True(t, transport.IsCancelled(serr))
	require.Empty(t, transport.UserMessage(serr))

	msgs := s.Messages()
	require.Equal(t, "42", msgs[0].ID)
	require.Equal(t, "partial", msgs[1].Content)
	require.Equal(t, model.StatusComplete, msgs[1].Status)
	require.False(t, s.Loading().Streaming)
}

func TestSendStreaming_AbortEmptyRemovesPlaceholder(t *testing.T) {
	ready := make(chan struct{})
	f := &fakeAPI{
		send: func(context.Context, string, model.SendRequest) (model.Message, error) {
			return userMsg("42", "hello", at(10)), nil
		},
		reply: func(ctx context.Context, _, _ string) (*api.Reply, error) {
			r, _ := pipeReply(ctx, "")
			close(ready)
			return r, nil
		},
	}
	s := newTestStore(f)

	done := make(chan error, 1)
	go func() {
		_, err := s.SendStreaming(context.Background(), "hello", nil)
		done <- err
	}()
	<-ready
	s.CancelStream()

	require.True(t, transport.IsCancelled(<-done))
	require.Equal(t, []string{"42"}, ids(s.Messages()))
}

func TestSendStreaming_AtMostOneStreaming(t *testing.T) {
	var sends atomic.Int32
	var firstWriter *io.PipeWriter
	firstReady := make(chan struct{})
	f := &fakeAPI{
		send: func(_ context.Context, _ string, req model.SendRequest) (model.Message, error) {
			n := sends.Add(1)
			return userMsg(map[int32]string{1: "u1", 2: "u2"}[n], req.Content, at(10+int(n))), nil
		},
		reply: func(ctx context.Context, _, msgID string) (*api.Reply, error) {
			if msgID == "u1" {
				var r *api.Reply
				r, firstWriter = pipeReply(ctx, "a1")
				close(firstReady)
				return r, nil
			}
			return &api.Reply{Body: chunkBody("second"), MessageID: "a2"}, nil
		},
	}
	s := newTestStore(f)

	var mu sync.Mutex
	maxStreaming := 0
	s.OnChange(func(Change) {
		n := 0
		for _, m := range s.Messages() {
			if m.Status == model.StatusStreaming {
				n++
			}
		}
		mu.Lock()
		if n > maxStreaming {
			maxStreaming = n
		}
		mu.Unlock()
	})

	first := make(chan error, 1)
	go func() {
		_, err := s.SendStreaming(context.Background(), "one", nil)
		first <- err
	}()
	<-firstReady
	_, err := firstWriter.Write([]byte("partial"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m, ok := s.Message(s.Messages()[len(s.Messages())-1].ID)
		return ok && m.Content == "partial"
	}, time.Second, time.Millisecond)

	msg, err := s.SendStreaming(context.Background(), "two", nil)
	require.NoError(t, err)
	require.Equal(t, "a2", msg.ID)
	require.True(t, transport.IsCancelled(<-first))

	msgs := s.Messages()
	requireConsistent(t, msgs)
	require.Len(t, msgs, 4)
	require.Equal(t, "u1", msgs[0].ID)
	require.Equal(t, "partial", msgs[1].Content)
	require.Equal(t, model.StatusComplete, msgs[1].Status)
	require.Equal(t, []string{"u2", "a2"}, ids(msgs[2:]))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, maxStreaming)
}

func TestOrdering_InterleavedOlderAndSends(t *testing.T) {
	f := &fakeAPI{}
	s := loaded(t, f, model.MessagePage{
		Items:  []model.Message{userMsg("m5", "5", at(5)), botMsg("m6", "6", at(6))},
		Cursor: model.Cursor{HasPrevious: true, PreviousCursor: "m5"},
	})

	sendAt := map[string]time.Time{"s1": at(7), "s2": at(8), "s3": at(4)}
	f.send = func(_ context.Context, _ string, req model.SendRequest) (model.Message, error) {
		return userMsg(req.Content, req.Content, sendAt[req.Content]), nil
	}
	pages := map[string]model.MessagePage{
		"m5": {
			// The server repeats m5; the list must not.
			Items:  []model.Message{userMsg("m3", "3", at(3)), botMsg("m4", "4", at(4)), userMsg("m5", "5", at(5))},
			Cursor: model.Cursor{HasPrevious: true, PreviousCursor: "m3"},
		},
		"m3": {
			Items:  []model.Message{userMsg("m1", "1", at(1)), botMsg("m2", "2", at(2))},
			Cursor: model.Cursor{HasPrevious: false},
		},
	}
	f.older = func(_ context.Context, _ string, before string, _ int) (model.MessagePage, error) {
		return pages[before], nil
	}

	ctx := context.Background()
	_, err := s.Send(ctx, "s1", nil)
	require.NoError(t, err)
	requireConsistent(t, s.Messages())

	_, err = s.LoadOlder(ctx)
	require.NoError(t, err)
	requireConsistent(t, s.Messages())

	_, err = s.Send(ctx, "s2", nil)
	require.NoError(t, err)
	_, err = s.LoadOlder(ctx)
	require.NoError(t, err)
	// A server clock behind ours still lands in timestamp order.
	_, err = s.Send(ctx, "s3", nil)
	require.NoError(t, err)

	msgs := s.Messages()
	requireConsistent(t, msgs)
	require.Equal(t, []string{"m1", "m2", "m3", "m4", "s3", "m5", "m6", "s1", "s2"}, ids(msgs))
	require.False(t, s.Cursor().HasPrevious)
}

// requireSingleReplies fails when the same assistant text shows up twice.
func requireSingleReplies(t *testing.T, msgs []model.Message) {
	t.Helper()
	seen := map[string]string{}
	for _, m := range msgs {
		if m.Role != model.RoleAssistant {
			continue
		}
		prev, dup := seen[m.Content]
		require.False(t, dup, "reply %q held by both %s and %s", m.Content, prev, m.ID)
		seen[m.Content] = m.ID
	}
}

func assistantText(s *Store) string {
	for _, m := range s.Messages() {
		if m.Role == model.RoleAssistant {
			return m.Content
		}
	}
	return ""
}

type streamResult struct {
	msg model.Message
	err error
}

func TestRefresh_AfterStreamWithoutHeader(t *testing.T) {
	f := &fakeAPI{}
	s := loaded(t, f, model.MessagePage{})
	f.send = func(context.Context, string, model.SendRequest) (model.Message, error) {
		return userMsg("42", "hi", at(10)), nil
	}
	f.reply = func(context.Context, string, string) (*api.Reply, error) {
		return &api.Reply{Body: chunkBody("Hello ", "world")}, nil
	}

	reply, err := s.SendStreaming(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.True(t, reply.Local)

	f.recent = func(context.Context, string, int) (model.MessagePage, error) {
		return model.MessagePage{Items: []model.Message{
			userMsg("42", "hi", at(10)),
			botMsg("43", "Hello world", at(11)),
		}}, nil
	}
	require.NoError(t, s.Refresh(context.Background()))

	msgs := s.Messages()
	require.Equal(t, []string{"42", "43"}, ids(msgs))
	requireConsistent(t, msgs)
	requireSingleReplies(t, msgs)
}

func TestRefresh_DuringStreamKeepsOneReply(t *testing.T) {
	f := &fakeAPI{}
	s := loaded(t, f, model.MessagePage{})
	f.send = func(context.Context, string, model.SendRequest) (model.Message, error) {
		return userMsg("42", "hi", at(10)), nil
	}
	writers := make(chan *io.PipeWriter, 1)
	f.reply = func(ctx context.Context, _, _ string) (*api.Reply, error) {
		r, w := pipeReply(ctx, "43")
		writers <- w
		return r, nil
	}

	done := make(chan streamResult, 1)
	go func() {
		m, err := s.SendStreaming(context.Background(), "hi", nil)
		done <- streamResult{m, err}
	}()
	w := <-writers
	_, err := w.Write([]byte("Hello "))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return assistantText(s) == "Hello " }, time.Second, time.Millisecond)

	// The server already holds the partial reply under its final id.
	f.recent = func(context.Context, string, int) (model.MessagePage, error) {
		return model.MessagePage{Items: []model.Message{
			userMsg("42", "hi", at(10)),
			botMsg("43", "Hello ", at(11)),
		}}, nil
	}
	require.NoError(t, s.Refresh(context.Background()))
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "42", msgs[0].ID)
	require.True(t, msgs[1].Local)
	require.Equal(t, model.StatusStreaming, msgs[1].Status)
	requireConsistent(t, msgs)
	requireSingleReplies(t, msgs)

	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "43", res.msg.ID)
	require.Equal(t, "Hello world", res.msg.Content)

	msgs = s.Messages()
	require.Equal(t, []string{"42", "43"}, ids(msgs))
	require.Equal(t, model.RoleUser, msgs[0].Role)
	require.Equal(t, "Hello world", msgs[1].Content)
	require.Equal(t, model.StatusComplete, msgs[1].Status)
	require.False(t, msgs[1].Local)
	requireConsistent(t, msgs)
	requireSingleReplies(t, msgs)
}

func TestStreamReply_MergesIntoReloadedServerCopy(t *testing.T) {
	f := &fakeAPI{}
	s := loaded(t, f, model.MessagePage{})
	f.send = func(context.Context, string, model.SendRequest) (model.Message, error) {
		return userMsg("42", "hi", at(10)), nil
	}
	replying := make(chan struct{})
	release := make(chan struct{})
	f.reply = func(context.Context, string, string) (*api.Reply, error) {
		close(replying)
		<-release
		return &api.Reply{Body: chunkBody("Hello ", "world"), MessageID: "43"}, nil
	}

	var changes []Change
	var mu sync.Mutex
	s.OnChange(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	done := make(chan streamResult, 1)
	go func() {
		m, err := s.SendStreaming(context.Background(), "hi", nil)
		done <- streamResult{m, err}
	}()
	<-replying

	// Reloaded before the reply id is known: both copies are listed for now.
	f.recent = func(context.Context, string, int) (model.MessagePage, error) {
		return model.MessagePage{Items: []model.Message{
			userMsg("42", "hi", at(10)),
			botMsg("43", "Hello ", at(11)),
		}}, nil
	}
	require.NoError(t, s.Refresh(context.Background()))
	require.Len(t, s.Messages(), 3)
	placeholder := s.Messages()[1]
	require.True(t, placeholder.Local)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "43", res.msg.ID)
	require.Equal(t, "Hello world", res.msg.Content)

	msgs := s.Messages()
	require.Equal(t, []string{"42", "43"}, ids(msgs))
	require.Equal(t, "Hello world", msgs[1].Content)
	require.Equal(t, model.StatusComplete, msgs[1].Status)
	require.False(t, msgs[1].Local)
	require.Equal(t, at(11), msgs[1].Timestamp)
	requireConsistent(t, msgs)
	requireSingleReplies(t, msgs)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, changes, Change{Kind: MessageUpdated, ID: "43", PreviousID: placeholder.ID})
}

func TestLoadRecent_WaiterSurvivesOwnerCancel(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	f := &fakeAPI{recent: func(ctx context.Context, _ string, _ int) (model.MessagePage, error) {
		calls.Add(1)
		select {
		case <-release:
			return model.MessagePage{Items: []model.Message{userMsg("m1", "a", at(1))}}, nil
		case <-ctx.Done():
			return model.MessagePage{}, transport.Cancelled(ctx.Err())
		}
	}}
	s := newTestStore(f)

	ownerCtx, cancel := context.WithCancel(context.Background())
	owner := make(chan error, 1)
	go func() { owner <- s.LoadRecent(ownerCtx, 10) }()
	require.Eventually(t, func() bool { return s.Loading().Initial }, time.Second, time.Millisecond)

	waiter := make(chan error, 1)
	go func() { waiter <- s.LoadRecent(context.Background(), 10) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.True(t, transport.IsCancelled(<-owner))
	close(release)

	require.NoError(t, <-waiter)
	require.True(t, s.Initialized())
	require.Equal(t, []string{"m1"}, ids(s.Messages()))
	require.EqualValues(t, 1, calls.Load())
}

func TestLoadRecent_CancelledContextReturnsAtOnce(t *testing.T) {
	f := &fakeAPI{recent: func(context.Context, string, int) (model.MessagePage, error) {
		t.Fatal("no request for a caller that already gave up")
		return model.MessagePage{}, nil
	}}
	s := newTestStore(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.True(t, transport.IsCancelled(s.LoadRecent(ctx, 10)))
	require.False(t, s.Loading().Initial)
}

func TestClear_DropsLateResultsAndIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	f := &fakeAPI{recent: func(ctx context.Context, _ string, _ int) (model.MessagePage, error) {
		if calls.Add(1) == 1 {
			<-release
			return model.MessagePage{Items: []model.Message{userMsg("stale", "x", at(1))}}, nil
		}
		return model.MessagePage{Items: []model.Message{userMsg("fresh", "y", at(2))}}, nil
	}}
	s := newTestStore(f)

	done := make(chan error, 1)
	go func() { done <- s.LoadRecent(context.Background(), 10) }()
	require.Eventually(t, func() bool { return s.Loading().Initial }, time.Second, time.Millisecond)

	s.Clear()
	s.Clear()
	close(release)
	require.True(t, transport.IsCancelled(<-done))

	require.Empty(t, s.Messages())
	require.False(t, s.Initialized())
	require.Equal(t, model.Cursor{}, s.Cursor())
	require.False(t, s.Loading().Any())

	require.NoError(t, s.LoadRecent(context.Background(), 10))
	require.Equal(t, []string{"fresh"}, ids(s.Messages()))
}

func TestClear_AbortsSend(t *testing.T) {
	started := make(chan struct{})
	f := &fakeAPI{send: func(ctx context.Context, _ string, _ model.SendRequest) (model.Message, error) {
		close(started)
		<-ctx.Done()
		return model.Message{}, transport.Cancelled(ctx.Err())
	}}
	s := newTestStore(f)

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "x", nil)
		done <- err
	}()
	<-started
	s.Clear()

	require.True(t, transport.IsCancelled(<-done))
	require.Empty(t, s.Messages())
}

func TestDispose(t *testing.T) {
	s := newTestStore(&fakeAPI{})
	s.Dispose()
	s.Dispose()

	require.ErrorIs(t, s.LoadRecent(context.Background(), 1), ErrDisposed)
	_, err := s.Send(context.Background(), "x", nil)
	require.ErrorIs(t, err, ErrDisposed)
	_, err = s.LoadOlder(context.Background())
	require.ErrorIs(t, err, ErrDisposed)
}

func TestDelete(t *testing.T) {
	f := &fakeAPI{}
	s := loaded(t, f, model.MessagePage{
		Items:  []model.Message{userMsg("m1", "a", at(1)), botMsg("m2", "b", at(2))},
		Cursor: model.Cursor{HasPrevious: true, PreviousCursor: "m1"},
	})

	f.del = func(_ context.Context, _ string, id string) error {
		if id == "m2" {
			return &transport.Error{Kind: transport.KindUnavailable, Status: 500}
		}
		return nil
	}

	err := s.Delete(context.Background(), "m2")
	require.ErrorIs(t, err, transport.ErrUnavailable)
	require.Equal(t, []string{"m1", "m2"}, ids(s.Messages()), "failed delete leaves the message")

	require.NoError(t, s.Delete(context.Background(), "m1"))
	require.Equal(t, []string{"m2"}, ids(s.Messages()))
	require.Equal(t, "m2", s.Cursor().PreviousCursor)

	require.ErrorIs(t, s.Delete(context.Background(), "nope"), ErrMessageNotFound)
}

func TestDelete_RequiresFeatureAndConfirmedMessage(t *testing.T) {
	s := New(&fakeAPI{}, Options{ConversationID: "c", Logger: logger.Nop()})
	require.ErrorIs(t, s.Delete(context.Background(), "m1"), ErrFeatureDisabled)

	started := make(chan struct{})
	f := &fakeAPI{send: func(ctx context.Context, _ string, _ model.SendRequest) (model.Message, error) {
		close(started)
		<-ctx.Done()
		return model.Message{}, ctx.Err()
	}}
	s = newTestStore(f)
	go s.Send(context.Background(), "x", nil)
	<-started

	pending := s.Messages()[0]
	require.ErrorIs(t, s.Delete(context.Background(), pending.ID), ErrNotDeletable)
	s.Clear()
}

func TestSearch_DoesNotTouchList(t *testing.T) {
	f := &fakeAPI{}
	page := model.MessagePage{
		Items:  []model.Message{userMsg("m1", "a", at(1))},
		Cursor: model.Cursor{HasPrevious: true, PreviousCursor: "m1"},
	}
	s := loaded(t, f, page)

	f.search = func(_ context.Context, _ string, q string, p, limit int) (model.SearchPage, error) {
		require.Equal(t, "hello", q)
		require.Equal(t, 1, p)
		require.Equal(t, 20, limit)
		return model.SearchPage{Items: []model.Message{userMsg("x9", "hello", at(0))}, Total: 1, Page: 1, Limit: 20}, nil
	}

	res, err := s.Search(context.Background(), " hello ", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, []string{"m1"}, ids(s.Messages()))
	require.Equal(t, page.Cursor, s.Cursor())

	res, err = s.Search(context.Background(), "  ", 2, 5)
	require.NoError(t, err)
	require.Equal(t, model.SearchPage{Page: 2, Limit: 5}, res)
}

func TestCountAndAttachments(t *testing.T) {
	f := &fakeAPI{
		count: func(context.Context, string) (int, error) { return 12, nil },
		attachments: func(_ context.Context, _ string, id string) ([]model.AttachmentInfo, error) {
			return []model.AttachmentInfo{{ID: "f1", Filename: "a.png"}}, nil
		},
	}
	s := newTestStore(f)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 12, n)

	files, err := s.Attachments(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestScrollAnchor_Restore(t *testing.T) {
	a := ScrollAnchor{Extent: 1000, Offset: 0}
	require.Equal(t, 400.0, a.Restore(1400))

	a = ScrollAnchor{Extent: 1000, Offset: 250}
	require.Equal(t, 650.0, a.Restore(1400))
	require.Equal(t, 0.0, ScrollAnchor{Extent: 500, Offset: 10}.Restore(100))
}
