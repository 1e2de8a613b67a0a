package call

import (
	"regexp"
	"strings"
)

var (
	markdownLink = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	codeFence    = regexp.MustCompile("```[a-zA-Z]*")
	whitespace   = regexp.MustCompile(`\s+`)
)

const maxSpokenRunes = 600

// sanitizeForSpeech strips markup a generator may emit so the synthesized
// audio never reads formatting aloud: links keep their label, fences and
// emphasis markers are removed, list bullets become plain sentences, and
// whitespace collapses to single spaces. Overlong replies are cut at a
// sentence boundary.
func sanitizeForSpeech(text string) string {
	out := markdownLink.ReplaceAllString(text, "$1")
	out = codeFence.ReplaceAllString(out, " ")
	out = strings.NewReplacer(
		"**", "",
		"__", "",
		"`", "",
		"*", "",
		"#", "",
		"_", " ",
	).Replace(out)

	lines := strings.Split(out, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimPrefix(trimmed, "- ")
		trimmed = strings.TrimPrefix(trimmed, "• ")
		lines[i] = trimmed
	}
	out = strings.Join(lines, " ")
	out = whitespace.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)

	runes := []rune(out)
	if len(runes) <= maxSpokenRunes {
		return out
	}
	cut := string(runes[:maxSpokenRunes])
	if idx := strings.LastIndexAny(cut, ".!?"); idx > 0 {
		return strings.TrimSpace(cut[:idx+1])
	}
	return strings.TrimSpace(cut)
}
