package models

import (
	"fmt"
	"sort"
	"strings"
)

// ChatID names the conversation between two parties regardless of who asks.
func ChatID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "--")
}

// SplitChatID returns the other party of a chat id, or false when selfID is
// not part of it.
func SplitChatID(chatID, selfID string) (string, bool) {
	ids := strings.Split(chatID, "--")
	if len(ids) != 2 {
		return "", false
	}
	switch selfID {
	case ids[0]:
		return ids[1], ids[1] != ""
	case ids[1]:
		return ids[0], ids[0] != ""
	}
	return "", false
}

// FormatDuration renders seconds as mm:ss.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
