package engine

import (
	"fmt"
	"regexp"
)

// Citation is a resolved reference from response text to a retrieval
// source node. Number is 1-based and stable within one response; numbers
// are assigned in first-seen order in the text, not retrieval order.
type Citation struct {
	Number         int            `json:"number"`
	UUID           string         `json:"uuid"`
	Title          string         `json:"title,omitempty"`
	ContentPreview string         `json:"contentPreview,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	URL            string         `json:"url,omitempty"`
}

var citationMarker = regexp.MustCompile(`\[citation:([0-9a-fA-F-]+)\]`)

const previewLen = 200

// ResolveCitations replaces every [citation:uuid] marker in text with its
// assigned [n] reference and returns the rewritten text plus one Citation
// per distinct uuid, numbered in first-seen order. Markers whose uuid has
// no matching source still consume a number so the text stays coherent.
func ResolveCitations(text string, sources []Source) (string, []Citation) {
	byUUID := make(map[string]*Source, len(sources))
	for i := range sources {
		byUUID[sources[i].UUID] = &sources[i]
	}

	numbers := make(map[string]int)
	var citations []Citation

	resolved := citationMarker.ReplaceAllStringFunc(text, func(marker string) string {
		uuid := citationMarker.FindStringSubmatch(marker)[1]

		n, seen := numbers[uuid]
		if !seen {
			n = len(numbers) + 1
			numbers[uuid] = n

			c := Citation{Number: n, UUID: uuid}
			if src, ok := byUUID[uuid]; ok {
				c.Title = src.Title
				c.ContentPreview = preview(src.Content)
				c.Metadata = src.Metadata
				c.URL = src.URL
			}
			citations = append(citations, c)
		}

		return fmt.Sprintf("[%d]", n)
	})

	return resolved, citations
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLen {
		return content
	}
	return string(runes[:previewLen]) + "..."
}
