package extract

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
)

// maxIssueRunes caps the length of a sentence reported as an issue.
const maxIssueRunes = 160

var (
	suffixRe   = regexp.MustCompile(`\b((?:[A-Z][\w&'-]*\s+){0,3}[A-Z][\w&'-]*),?\s+(Inc|LLC|Corp|Corporation|Ltd|Co)\b\.?`)
	sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]*`)
	wordRe     = regexp.MustCompile(`[\p{L}\p{N}][\p{L}\p{N}&'.-]*`)
)

// leadingStopwords are dropped from the front of a capitalized run.
var leadingStopwords = toSet(
	"the", "a", "an", "our", "we", "i", "hi", "hello", "hey", "thanks", "thank",
	"dear", "please", "also", "and", "but", "so", "when", "if", "today", "yesterday",
	"this", "that", "my", "their", "per", "re", "fwd", "update",
)

// nonNames rule a capitalized run out entirely.
var nonNames = toSet(
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	"january", "february", "march", "april", "may", "june", "july", "august",
	"september", "october", "november", "december",
	"api", "ui", "sso", "pdf", "csv", "url", "faq", "asap", "eod", "fyi",
)

// nonCustomerTerms are greetings, roles and product surfaces that read as
// title case but never name a customer.
var nonCustomerTerms = toSet(
	"happy", "new", "year", "merry", "christmas", "holidays", "good", "morning", "afternoon",
	"evening", "regards", "best", "cheers", "welcome", "congrats", "congratulations",
	"manager", "admin", "administrator", "engineer", "engineering", "director", "ceo", "cto",
	"cfo", "vp", "support", "team", "sales", "success", "ops", "lead",
	"customer", "customers", "portal", "dashboard", "account", "login", "page", "app", "settings",
	"feature", "release", "help", "center", "desk", "product", "beta", "console", "billing",
)

// companyMarkers give a capitalized run company context.
var companyMarkers = toSet(
	"inc", "llc", "ltd", "co", "corp", "corporation", "company", "group", "holdings", "systems",
	"technologies", "tech", "labs", "software", "solutions", "bank", "partners", "industries",
	"networks", "analytics", "capital", "logistics", "pharmaceuticals", "financial", "insurance",
	"motors", "airlines", "energy", "services", "consulting", "enterprises", "ventures", "media",
	"health", "platforms", "foods", "retail", "securities", "international", "global",
)

// givenNames are common first names; a two-word run starting with one is a
// person unless the second word is a company marker.
var givenNames = toSet(
	"james", "john", "robert", "michael", "william", "david", "richard", "joseph", "thomas",
	"chris", "daniel", "matthew", "mark", "paul", "steven", "andrew", "kevin", "brian", "jason",
	"ryan", "eric", "peter", "alex", "sam", "tom", "mike", "dave", "ben", "nick", "jake",
	"mary", "patricia", "jennifer", "linda", "elizabeth", "barbara", "susan", "jessica", "sarah",
	"karen", "lisa", "nancy", "emily", "emma", "laura", "rachel", "anna", "amy", "kate", "julia",
	"maria", "olivia", "sophia", "megan", "hannah", "priya", "wei", "raj", "carlos", "ana",
)

// issueTerms is the fixed defect vocabulary.
var issueTerms = toSet(
	"error", "errors", "outage", "outages", "down", "crash", "crashes", "crashed", "crashing",
	"bug", "bugs", "broken", "fail", "fails", "failed", "failing", "failure", "failures",
	"timeout", "timeouts", "latency", "slow", "unable", "cannot", "can't", "exception",
	"degraded", "stuck", "delay", "delayed", "regression", "incorrect", "missing", "blocked",
)

// functionWords do not count as content next to an issue term.
var functionWords = toSet(
	"a", "an", "the", "is", "are", "was", "were", "be", "been", "it", "its", "it's", "this", "that",
	"to", "of", "in", "on", "at", "for", "and", "or", "but", "so", "not", "no", "all", "still",
	"i", "we", "you", "they", "he", "she", "me", "us", "them", "my", "our", "your", "their",
	"again", "now", "just", "very", "really", "too", "also", "any", "some", "getting", "keeps",
	"hi", "hey", "hello", "thanks", "please", "what", "why", "how", "when", "there", "here",
)

// Heuristic is the rule-based backstop extractor. It is safe for
// concurrent use and deterministic.
type Heuristic struct {
	known []knownName
}

type knownName struct {
	name string
	re   *regexp.Regexp
}

// NewHeuristic creates an extractor that also recognizes the given known
// customer spellings, matched on word boundaries. All-caps names match
// case-sensitively, others case-insensitively.
func NewHeuristic(knownCustomers []string) *Heuristic {
	h := &Heuristic{}
	seen := map[string]bool{}
	for _, n := range knownCustomers {
		n = strings.TrimSpace(n)
		if utf8.RuneCountInString(n) < 2 || seen[strings.ToLower(n)] {
			continue
		}
		seen[strings.ToLower(n)] = true
		pattern := `\b` + regexp.QuoteMeta(n) + `\b`
		if strings.ToUpper(n) != n {
			pattern = `(?i)` + pattern
		}
		h.known = append(h.known, knownName{name: n, re: regexp.MustCompile(pattern)})
	}
	return h
}

// Extract scans text for customer and issue candidates.
func (h *Heuristic) Extract(text string) (*model.ExtractionResult, error) {
	if !utf8.ValidString(text) {
		return nil, resilience.Validation("content is not valid UTF-8")
	}
	res := &model.ExtractionResult{
		Customers:  []string{},
		Issues:     []string{},
		Provenance: model.ProvenanceHeuristic,
	}
	if strings.TrimSpace(text) == "" {
		return res, nil
	}

	var customers []string
	for _, m := range suffixRe.FindAllStringSubmatch(text, -1) {
		name := stripLeading(strings.Fields(m[1]))
		if len(name) > 0 {
			customers = append(customers, strings.TrimSpace(strings.Join(name, " ")+" "+m[2]))
		}
	}
	for _, k := range h.known {
		if k.re.MatchString(text) {
			customers = append(customers, k.name)
		}
	}

	var issues []string
	for _, sentence := range sentenceRe.FindAllString(text, -1) {
		customers = append(customers, capitalizedRuns(sentence)...)
		if issue, ok := issueSentence(sentence); ok {
			issues = append(issues, issue)
		}
	}

	res.Customers = dedupe(customers)
	res.Issues = dedupe(issues)
	return res, nil
}

// capitalizedRuns returns sequences of two or more capitalized words. A run
// opening the sentence only counts with a company marker; known spellings
// there are matched by Extract directly.
func capitalizedRuns(sentence string) []string {
	var out []string
	var run []string
	start := 0
	flush := func() {
		words := stripLeading(run)
		leading := start == 0 && len(words) == len(run)
		run = run[:0]
		if len(words) < 2 || !plausibleCustomer(words) {
			return
		}
		if leading && !hasCompanyMarker(words) {
			return
		}
		out = append(out, strings.Join(words, " "))
	}
	for i, w := range strings.Fields(sentence) {
		word := strings.Trim(w, "()\"'")
		word = strings.TrimRight(word, ",;:.!?")
		if isCapitalized(word) {
			if len(run) == 0 {
				start = i
			}
			run = append(run, word)
		} else {
			flush()
			continue
		}
		if strings.ContainsAny(w[len(w)-1:], ",;:)") {
			flush()
		}
	}
	flush()
	return out
}

// plausibleCustomer rejects runs containing dates, issue words, greetings,
// roles or product terms, and First Last person names.
func plausibleCustomer(words []string) bool {
	for _, w := range words {
		lw := strings.ToLower(w)
		if nonNames[lw] || issueTerms[lw] || nonCustomerTerms[lw] {
			return false
		}
	}
	if len(words) == 2 && givenNames[strings.ToLower(words[0])] && !hasCompanyMarker(words[1:]) {
		return false
	}
	return true
}

func hasCompanyMarker(words []string) bool {
	for _, w := range words {
		if companyMarkers[strings.ToLower(w)] {
			return true
		}
	}
	return false
}

func stripLeading(words []string) []string {
	for len(words) > 0 && leadingStopwords[strings.ToLower(words[0])] {
		words = words[1:]
	}
	return words
}

func isCapitalized(w string) bool {
	r, _ := utf8.DecodeRuneInString(w)
	return r != utf8.RuneError && unicode.IsUpper(r)
}

// issueSentence reports a sentence that pairs a defect term with at least
// one other content word.
func issueSentence(sentence string) (string, bool) {
	words := wordRe.FindAllString(strings.ToLower(sentence), -1)
	hasTerm, hasContent := false, false
	for _, w := range words {
		w = strings.TrimRight(w, ".")
		switch {
		case issueTerms[w]:
			hasTerm = true
		case !functionWords[w] && utf8.RuneCountInString(w) >= 3:
			hasContent = true
		}
	}
	if !hasTerm || !hasContent {
		return "", false
	}
	s := strings.Join(strings.Fields(sentence), " ")
	if utf8.RuneCountInString(s) > maxIssueRunes {
		s = strings.TrimSpace(string([]rune(s)[:maxIssueRunes]))
	}
	return s, true
}

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
