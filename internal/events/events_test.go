package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/persona-chat/internal/model"
)

func TestSubject(t *testing.T) {
	require.Equal(t, "chat.p1.c1.event.message_sent", Subject("p1", "c1", model.EventMessageSent))
	require.Equal(t, "chat.a_b.__.event.session_failed", Subject("a.b", "*>", model.EventSessionFailed))
	require.Equal(t, "chat._._.event.session_ready", Subject("", "", model.EventSessionReady))
}

func TestNew(t *testing.T) {
	a := New(model.EventReplyCompleted, "p", "c")
	b := New(model.EventReplyCompleted, "p", "c")
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, "p", a.PersonaID)
	require.False(t, a.CreatedAt.IsZero())
}

func TestFuncAndNop(t *testing.T) {
	var got []*model.ClientEvent
	p := OrNop(Func(func(_ context.Context, e *model.ClientEvent) error {
		got = append(got, e)
		return nil
	}))
	require.NoError(t, p.Publish(context.Background(), New(model.EventMessageDeleted, "p", "c")))
	require.Len(t, got, 1)

	require.NoError(t, OrNop(nil).Publish(context.Background(), &model.ClientEvent{}))
}
