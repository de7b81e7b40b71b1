package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessagePageWire_LooseShapes(t *testing.T) {
	raw := `{
		"items": [
			{"id": 41, "content": "hi", "message_type": "TEXT", "is_from_user": true, "created_at": "2024-05-01T10:00:00"},
			{"id": "42", "content": "hello", "message_type": "code", "is_from_user": false, "created_at": "2024-05-01T10:00:01.5Z"}
		],
		"has_previous": true,
		"previous_cursor": 41
	}`

	var w MessagePageWire
	require.NoError(t, json.Unmarshal([]byte(raw), &w))
	page := w.ToPage()

	require.Len(t, page.Items, 2)
	require.Equal(t, "41", page.Items[0].ID)
	require.Equal(t, RoleUser, page.Items[0].Role)
	require.Equal(t, StatusSent, page.Items[0].Status)
	require.Equal(t, MessageTypeText, page.Items[0].Type)
	require.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), page.Items[0].Timestamp)

	require.Equal(t, "42", page.Items[1].ID)
	require.Equal(t, RoleAssistant, page.Items[1].Role)
	require.Equal(t, StatusComplete, page.Items[1].Status)
	require.Equal(t, MessageTypeCode, page.Items[1].Type)

	require.Equal(t, Cursor{HasPrevious: true, PreviousCursor: "41"}, page.Cursor)
}

func TestMessagePageWire_NullItems(t *testing.T) {
	var w MessagePageWire
	require.NoError(t, json.Unmarshal([]byte(`{"items": null, "next_cursor": null}`), &w))
	page := w.ToPage()
	require.NotNil(t, page.Items)
	require.Empty(t, page.Items)
	require.Equal(t, Cursor{}, page.Cursor)
}

func TestSearchPageWire_DerivesHasMore(t *testing.T) {
	var w SearchPageWire
	require.NoError(t, json.Unmarshal([]byte(`{"items": [], "total": 45, "page": 2, "limit": 20}`), &w))
	require.True(t, w.ToPage().HasMore)

	require.NoError(t, json.Unmarshal([]byte(`{"items": [], "total": 45, "page": 3, "limit": 20}`), &w))
	require.False(t, w.ToPage().HasMore)
}

func TestMessageWire_RoundTripThroughBackendShape(t *testing.T) {
	m := Message{
		ID:        "7",
		Role:      RoleUser,
		Content:   "ping",
		Type:      MessageTypeText,
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	b, err := json.Marshal(NewMessageWire(m))
	require.NoError(t, err)

	var w MessageWire
	require.NoError(t, json.Unmarshal(b, &w))
	got := w.ToMessage()
	require.Equal(t, m.ID, got.ID)
	require.Equal(t, m.Timestamp, got.Timestamp)
	require.Equal(t, RoleUser, got.Role)
}

func TestUserWire_DefaultRole(t *testing.T) {
	var w UserWire
	require.NoError(t, json.Unmarshal([]byte(`{"id": 3, "username": "ana"}`), &w))
	u := w.ToUser()
	require.Equal(t, "user", u.Role)
	require.False(t, u.IsAdmin())
	require.Equal(t, "ana", u.DisplayName())
}

func TestParseTimestamp_Unknown(t *testing.T) {
	require.True(t, ParseTimestamp("yesterday").IsZero())
}
