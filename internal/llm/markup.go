package llm

import "strings"

var markupReplacer = strings.NewReplacer("*", "", "`", "", "#", "")

// StripMarkup removes markdown emphasis and heading characters so the reply
// can be read aloud.
func StripMarkup(text string) string {
	lines := strings.Split(markupReplacer.Replace(text), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
