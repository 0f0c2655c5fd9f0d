package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxTitleRunes caps cleaned titles.
const MaxTitleRunes = 200

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	unsafeRe     = regexp.MustCompile(`[<>:"/\\|?*]`)

	// Version, build, and DLC markers found in release titles.
	releasePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\+\s*\d*\s*(bonus\s+)?(dlcs?|ost|soundtracks?|bonuses|content)\b`),
		regexp.MustCompile(`(?i)\b(build|update|patch|hotfix|rev)\s*[#.]?\s*\d+[\w.]*`),
		regexp.MustCompile(`(?i)\bv\s?\d+[\w.\-]*`),
		regexp.MustCompile(`\b\d+(\.\d+)+[a-zA-Z]?\b`),
	}
	// Packaging noise that never distinguishes two games.
	noisePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bgame of the year\b`),
		regexp.MustCompile(`\b(multi\d+|repack|fitgirl)\b`),
	}
	// Separators that introduce a release suffix in feed titles.
	hardSeparators = []string{" – ", " — "}
	releaseHint    = regexp.MustCompile(`(?i)\b(v\s?\d|build|update|dlc|bonus|edition|repack|\d+\.\d+)`)

	editionTokens = map[string]bool{
		"edition":     true,
		"deluxe":      true,
		"ultimate":    true,
		"complete":    true,
		"definitive":  true,
		"goty":        true,
		"gold":        true,
		"premium":     true,
		"digital":     true,
		"collectors":  true,
		"enhanced":    true,
		"anniversary": true,
		"bundle":      true,
	}
)

// Clean collapses whitespace, strips characters that are unsafe in names and
// paths, and caps the result at MaxTitleRunes.
func Clean(title string) string {
	title = unsafeRe.ReplaceAllString(title, "")
	title = strings.TrimSpace(whitespaceRe.ReplaceAllString(title, " "))
	if r := []rune(title); len(r) > MaxTitleRunes {
		title = strings.TrimSpace(string(r[:MaxTitleRunes]))
	}
	return title
}

// stripReleaseSuffix removes the version/build/DLC tail of a feed title,
// e.g. "Game A – v1.2 + 3 DLCs" becomes "Game A". A plain " - " only counts
// as a separator when the tail looks like release info.
func stripReleaseSuffix(title string) string {
	for _, sep := range hardSeparators {
		if idx := strings.Index(title, sep); idx > 0 {
			title = title[:idx]
		}
	}
	if idx := strings.LastIndex(title, " - "); idx > 0 && releaseHint.MatchString(title[idx:]) {
		title = title[:idx]
	}
	return strings.TrimSpace(title)
}

// DisplayTitle is the human-facing title: cleaned, with the release suffix
// and version tokens removed but case and edition words preserved.
func DisplayTitle(title string) string {
	title = stripReleaseSuffix(Clean(title))
	out := title
	for _, re := range releasePatterns {
		out = re.ReplaceAllString(out, " ")
	}
	out = strings.Trim(whitespaceRe.ReplaceAllString(out, " "), " -–—+,(")
	if out == "" {
		return title
	}
	return out
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize produces the alias form used for comparisons: case folded,
// accents removed, release suffix and edition/version tokens stripped, and
// punctuation collapsed to single spaces.
func Normalize(title string) string {
	title = stripReleaseSuffix(Clean(title))
	folded := cases.Fold().String(title)
	if stripped, _, err := transform.String(foldAccents, folded); err == nil {
		folded = stripped
	}
	for _, re := range releasePatterns {
		folded = re.ReplaceAllString(folded, " ")
	}
	for _, re := range noisePatterns {
		folded = re.ReplaceAllString(folded, " ")
	}
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := words[:0]
	for _, w := range words {
		if editionTokens[w] {
			continue
		}
		tokens = append(tokens, w)
	}
	return strings.Join(tokens, " ")
}

// GameID derives the stable record id from a normalized title. Titles that
// normalize to nothing fall back to a digest of the cleaned raw title.
func GameID(normalized, rawTitle string) string {
	if normalized != "" {
		return strings.ReplaceAll(normalized, " ", "-")
	}
	sum := sha256.Sum256([]byte(strings.ToLower(Clean(rawTitle))))
	return "game-" + hex.EncodeToString(sum[:6])
}
