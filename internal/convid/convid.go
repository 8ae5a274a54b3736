package convid

import "strings"

const directPrefix = "direct_"

// Normalize returns the canonical form of a direct conversation id.
// Ids of shape "direct_<A>_<B>" are re-emitted with the participant
// tokens in lexicographic order, so both sides of a conversation derive
// the same channel key regardless of who initiated it. Anything that is
// not a well-formed direct id passes through unchanged.
func Normalize(id string) string {
	a, b, ok := ExtractParticipants(id)
	if !ok {
		return id
	}
	if a > b {
		a, b = b, a
	}
	return directPrefix + a + "_" + b
}

// ExtractParticipants parses a direct conversation id into its two
// participant tokens. ok is false for non-direct or malformed ids.
func ExtractParticipants(id string) (a, b string, ok bool) {
	if !strings.HasPrefix(id, directPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(id, directPrefix)
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Peer resolves the other participant of a direct conversation relative
// to userID. ok is false when the id is not direct or userID is not a
// participant.
func Peer(id, userID string) (string, bool) {
	a, b, ok := ExtractParticipants(id)
	if !ok {
		return "", false
	}
	switch userID {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}

// IsDirect reports whether id names a two-party conversation.
func IsDirect(id string) bool {
	_, _, ok := ExtractParticipants(id)
	return ok
}
