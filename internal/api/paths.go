package api

import (
	"net/url"
)

// Backend routes. Route names label metrics and spans so that ids do not
// explode label cardinality.
const (
	PathLogin         = "/auth/login"
	PathLogout        = "/auth/logout"
	PathMe            = "/auth/me"
	PathRefresh       = "/auth/refresh"
	PathPersonas      = "/personas"
	PathConversations = "/conversations"
)

func personaPath(id string) string {
	return PathPersonas + "/" + url.PathEscape(id)
}

func conversationByPersonaPath(personaID string) string {
	return PathConversations + "/persona/" + url.PathEscape(personaID)
}

func messagesPath(convID string) string {
	return PathConversations + "/" + url.PathEscape(convID) + "/messages"
}

func recentPath(convID string) string {
	return messagesPath(convID) + "/recent"
}

func olderPath(convID string) string {
	return messagesPath(convID) + "/older"
}

func searchPath(convID string) string {
	return messagesPath(convID) + "/search"
}

func countPath(convID string) string {
	return messagesPath(convID) + "/count"
}

func messagePath(convID, msgID string) string {
	return messagesPath(convID) + "/" + url.PathEscape(msgID)
}

func attachmentsPath(convID, msgID string) string {
	return messagePath(convID, msgID) + "/attachments"
}

func replyPath(convID string) string {
	return PathConversations + "/" + url.PathEscape(convID) + "/reply"
}
