package analysis

import (
	"fmt"
	"unicode/utf8"
)

// TruncationMarker is appended when document text exceeds the input budget.
const TruncationMarker = "\n\n[Document truncated due to length...]"

var systemPrompt = fmt.Sprintf(`You are an expert document analyst. Read the document and produce a structured summary.

Respond with a single JSON object and nothing else, using exactly these fields:
{
  "title": "a short descriptive title, at most %d characters",
  "executiveSummary": "two or three sentences covering the document's purpose and main message",
  "keyPoints": ["the main points, one per entry"],
  "importantFacts": ["names, dates, figures and other concrete facts"],
  "insights": "implications, recommendations or notable observations",
  "tldr": "a one sentence takeaway, at most %d characters"
}

Every field is required and must not be empty. Do not add other fields.`, MaxTitleLength, MaxTLDRLength)

func userPrompt(filename, text string) string {
	return fmt.Sprintf("Analyze this document titled %q:\n\n%s", filename, text)
}

// Truncate cuts text to at most limit runes and appends TruncationMarker when
// anything was dropped. A non-positive limit disables truncation.
func Truncate(text string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text, false
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i] + TruncationMarker, true
		}
		n++
	}
	return text, false
}
