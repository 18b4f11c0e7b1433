package conversation

import (
	"errors"
	"sort"
	"strings"
)

// ErrInvalidIdentifier is returned when a participant identifier is empty.
var ErrInvalidIdentifier = errors.New("invalid identifier")

const keySeparator = "_"

// ResolveKey returns the canonical key of the conversation between two users.
// The key does not depend on argument order. Both ids being equal is allowed.
func ResolveKey(selfID, otherID string) (string, error) {
	if strings.TrimSpace(selfID) == "" || strings.TrimSpace(otherID) == "" {
		return "", ErrInvalidIdentifier
	}
	participants := []string{selfID, otherID}
	sort.Strings(participants)
	return participants[0] + keySeparator + participants[1], nil
}

const (
	pathPrefix = "conversations/"
	pathSuffix = "/messages"
)

// MessagesPath is the store location of a conversation's message log.
func MessagesPath(key string) string {
	return pathPrefix + key + pathSuffix
}

// KeyFromPath reverses MessagesPath.
func KeyFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, pathPrefix) || !strings.HasSuffix(path, pathSuffix) {
		return "", false
	}
	key := path[len(pathPrefix) : len(path)-len(pathSuffix)]
	return key, key != ""
}

// Counterpart returns the other participant of key as seen by selfID, or
// false when selfID is not part of the conversation.
func Counterpart(key, selfID string) (string, bool) {
	if selfID == "" {
		return "", false
	}
	var candidates []string
	if rest, ok := strings.CutPrefix(key, selfID+keySeparator); ok {
		candidates = append(candidates, rest)
	}
	if rest, ok := strings.CutSuffix(key, keySeparator+selfID); ok {
		candidates = append(candidates, rest)
	}
	// Ids may contain the separator; only a pair that resolves back to key counts.
	for _, other := range candidates {
		if resolved, err := ResolveKey(selfID, other); err == nil && resolved == key {
			return other, true
		}
	}
	return "", false
}
