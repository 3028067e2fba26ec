// Package pipeline turns inbound messages into paced, multi-bubble
// replies: dedup, per-conversation serialization, generation,
// fragmentation and delivery with retries.
package pipeline

import (
	"regexp"
	"strings"
)

var blankLines = regexp.MustCompile(`\n\s*\n`)

// Fragment splits a reply into bubbles at paragraph boundaries. Blank
// or whitespace-only paragraphs are dropped. A reply with no paragraph
// breaks comes back as a single bubble; empty input yields no bubbles.
// maxBubbles caps the count — overflow paragraphs are merged into the
// last bubble so no content is lost. maxBubbles <= 0 means no cap.
func Fragment(reply string, maxBubbles int) []string {
	var bubbles []string
	for _, part := range blankLines.Split(reply, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bubbles = append(bubbles, part)
	}

	if maxBubbles > 0 && len(bubbles) > maxBubbles {
		merged := strings.Join(bubbles[maxBubbles-1:], "\n\n")
		bubbles = append(bubbles[:maxBubbles-1], merged)
	}
	return bubbles
}
