package game

// FilterResult enumerates the outcomes of the chat moderation collaborator.
type FilterResult string

const (
	FilterAllowed  FilterResult = "allowed"
	FilterBlocked  FilterResult = "blocked"
	FilterModified FilterResult = "modified"
)

// ChatFilter is the external moderation collaborator consulted before a chat
// message is broadcast. The server never implements filtering itself.
type ChatFilter interface {
	Filter(playerID, text string) (FilterResult, string)
}

// PassthroughFilter allows every message unchanged; the default when no
// moderation collaborator is wired in.
type PassthroughFilter struct{}

// Filter implements ChatFilter by allowing the text untouched.
func (PassthroughFilter) Filter(_ string, text string) (FilterResult, string) {
	return FilterAllowed, text
}
