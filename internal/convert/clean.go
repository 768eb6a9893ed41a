package convert

import (
	"regexp"
	"strconv"
	"strings"
)

// Cleaning rules for extracted document text. PDF extractors leave dot
// leaders, trailing page numbers, and /uniXXXX escapes behind; these rules
// normalize the text before chunking so the junk never reaches retrieval.
var (
	dotRunRE        = regexp.MustCompile(`\.{2,}`)
	uniEscapeRE     = regexp.MustCompile(`/uni([0-9A-Fa-f]{4})`)
	trailingPageRE  = regexp.MustCompile(`\s+\d+$`)
	junkLineRE      = regexp.MustCompile(`^[.#\s]+$`)
	numberedHeadRE  = regexp.MustCompile(`^(\d+(?:[.\s]\d+)*)\s+(.*)$`)
	sourceMarkerRE  = regexp.MustCompile(`(?m)^## (?:Source|Источник):.*$`)
	collapseSpaceRE = regexp.MustCompile(`[ \t]{2,}`)
)

// CleanText normalizes extracted text: drops source markers and dot runs,
// decodes /uniXXXX escapes, strips trailing page numbers and junk lines,
// and promotes numbered section titles ("1.2 Title") to Markdown headings.
func CleanText(text string) string {
	if text == "" {
		return ""
	}

	text = sourceMarkerRE.ReplaceAllString(text, "")
	text = dotRunRE.ReplaceAllString(text, " ")
	text = uniEscapeRE.ReplaceAllStringFunc(text, decodeUniEscape)

	lines := strings.Split(text, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		line = strings.TrimSpace(trailingPageRE.ReplaceAllString(line, ""))
		if line == "" || junkLineRE.MatchString(line) {
			continue
		}

		if m := numberedHeadRE.FindStringSubmatch(line); m != nil {
			title := strings.TrimSpace(m[2])
			if title == "" || junkLineRE.MatchString(title) {
				continue
			}
			line = "# " + title
		}

		line = collapseSpaceRE.ReplaceAllString(line, " ")
		cleaned = append(cleaned, line)
	}

	return strings.Join(cleaned, "\n")
}

func decodeUniEscape(match string) string {
	code, err := strconv.ParseUint(match[len("/uni"):], 16, 32)
	if err != nil {
		return match
	}
	return string(rune(code))
}
