package queue

import (
	"strings"
)

// Separator forces a new outbound segment when it appears inside a message.
const Separator = "{nl}"

// Split breaks message into segments of at most maxLength runes. Line breaks
// are removed, Separator starts a new segment, and long segments are cut at
// the last space before the limit unless that space lies before
// minCut*maxLength, in which case the cut is hard. Empty segments are dropped.
func Split(message string, maxLength int, minCut float64) []string {
	message = strings.NewReplacer("\r", "", "\n", "").Replace(message)

	var out []string
	for _, part := range strings.Split(message, Separator) {
		for _, seg := range splitLong(part, maxLength, minCut) {
			if seg = strings.TrimSpace(seg); seg != "" {
				out = append(out, seg)
			}
		}
	}
	return out
}

func splitLong(message string, maxLength int, minCut float64) []string {
	var out []string
	runes := []rune(strings.TrimSpace(message))
	for maxLength > 0 && len(runes) > maxLength {
		cut := lastSpace(runes[:maxLength])
		if float64(cut) < float64(maxLength)*minCut {
			cut = maxLength
		}
		out = append(out, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	return append(out, string(runes))
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}
