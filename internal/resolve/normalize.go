package resolve

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are trailing tokens stripped from company names. Tokens are
// compared after punctuation removal, so "L.L.C." arrives here as "llc".
var legalSuffixes = map[string]bool{
	"llc": true, "inc": true, "incorporated": true,
	"corp": true, "corporation": true,
	"ltd": true, "limited": true,
	"lp": true, "llp": true, "pllc": true,
	"pc": true, "pa": true, "plc": true,
	"co": true, "company": true,
	"gmbh": true, "ag": true, "sa": true, "nv": true, "bv": true,
	"na": true, "dba": true,
}

var domainSuffixRe = regexp.MustCompile(`\.(com|net|org|io|co|ai)$`)

// foldAccents decomposes to NFKD and drops combining marks, so "Nestlé"
// and "Nestle" compare equal.
func foldAccents(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName standardizes a company name for matching by:
//  1. Folding accents and compatibility forms
//  2. Lowercasing
//  3. Removing a trailing web domain (.com, .io, ...)
//  4. Stripping punctuation, with "&" spelled out as "and"
//  5. Removing trailing legal suffixes (Inc, LLC, Corp, ...)
//  6. Collapsing whitespace
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(foldAccents(name)))
	if name == "" {
		return ""
	}
	name = domainSuffixRe.ReplaceAllString(name, "")

	tokens := tokenize(name)
	for len(tokens) > 1 && legalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// NormalizeText is NormalizeName without suffix or domain stripping. Used
// for issue mentions.
func NormalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(foldAccents(s)))
	return strings.Join(tokenize(s), " ")
}

// normalizeKind picks the normalizer for an entity kind.
func normalizeKind(issue bool, s string) string {
	if issue {
		return NormalizeText(s)
	}
	return NormalizeName(s)
}

// tokenize splits s into letter/digit tokens. Periods and apostrophes are
// dropped in place ("l.l.c" -> "llc", "o'neil" -> "oneil"); other
// punctuation separates tokens.
func tokenize(s string) []string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.', r == '\'', r == '’':
		case r == '&':
			b.WriteString(" and ")
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Fields(b.String())
}

const edgePunct = "\"'“”‘’`,;:!?()[]{}<>*_-–—/\\|"

// CleanDisplay turns a raw mention into a display name: trimmed, inner
// whitespace collapsed, wrapping punctuation removed, and capitalized when
// the input carries no uppercase letters at all.
func CleanDisplay(raw string) string {
	s := strings.Join(strings.Fields(raw), " ")
	s = strings.Trim(s, edgePunct+" ")
	if s == "" {
		return ""
	}
	if strings.IndexFunc(s, unicode.IsUpper) >= 0 {
		return s
	}

	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
