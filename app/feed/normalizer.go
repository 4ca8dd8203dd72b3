package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"
)

// FingerprintVersion prefixes every fingerprint. Bump it whenever the hashed
// field set or its encoding changes.
const FingerprintVersion = "v1"

const excerptLength = 300

const blockTags = "br,p,div,li,ul,ol,h1,h2,h3,h4,h5,h6,tr,td,th"

var salaryAmount = regexp.MustCompile(`(\d{1,3}(?:[ ,]\d{3})+|\d+)(?:\.(\d{1,2}))?(\s*[kK]\b)?`)

// CleanText decodes entities, removes control characters, normalizes to NFC
// and collapses runs of whitespace.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	// Some feeds double-encode entities (&amp;amp;).
	s = html.UnescapeString(html.UnescapeString(s))
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r) || r == utf8.RuneError || r == '\ufeff':
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}

// PlainText strips markup from s and returns cleaned text.
func PlainText(s string) string {
	s = CleanText(s)
	if !strings.Contains(s, "<") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("script,style").Remove()
	doc.Find(blockTags).Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml(" ")
	})
	return CleanText(doc.Text())
}

// Truncate cuts s to at most n runes, backing off to the last word boundary.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:n])
	if i := strings.LastIndexByte(cut, ' '); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "..."
}

// ParseSalary extracts a min/max pair from free text like "$45,000 - $55,000"
// or "20-25k".
func ParseSalary(text string) (lo, hi float64, ok bool) {
	matches := salaryAmount.FindAllStringSubmatch(text, -1)
	var amounts []float64
	for _, m := range matches {
		whole := strings.NewReplacer(",", "", " ", "").Replace(m[1])
		v, err := strconv.ParseFloat(whole, 64)
		if err != nil {
			continue
		}
		if m[2] != "" {
			if frac, err := strconv.ParseFloat("0."+m[2], 64); err == nil {
				v += frac
			}
		}
		if strings.TrimSpace(m[3]) != "" {
			v *= 1000
		}
		if v <= 0 {
			continue
		}
		amounts = append(amounts, v)
	}
	if len(amounts) == 0 {
		return 0, 0, false
	}
	lo, hi = amounts[0], amounts[0]
	if len(amounts) > 1 {
		hi = amounts[1]
	}
	// "20-25k": the suffix only follows the upper bound.
	if hi >= 1000 && lo < 1000 && hi/1000 >= lo {
		lo *= 1000
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, true
}

// SalaryCurrency guesses an ISO currency code from free text.
func SalaryCurrency(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "€") || strings.Contains(lower, "eur"):
		return "EUR"
	case strings.Contains(lower, "£") || strings.Contains(lower, "gbp"):
		return "GBP"
	case strings.Contains(lower, "usd") || strings.Contains(lower, "us$"):
		return "USD"
	case strings.Contains(lower, "$") || strings.Contains(lower, "cad"):
		return "CAD"
	}
	return ""
}

// SalaryPeriod maps free text onto hour, week, month or year.
func SalaryPeriod(text string) string {
	key := " " + NormalizeKey(text) + " "
	periods := []struct {
		period string
		words  []string
	}{
		{"hour", []string{" hour ", " hourly ", " hr ", " h ", " heure ", " horaire "}},
		{"week", []string{" week ", " weekly ", " semaine "}},
		{"month", []string{" month ", " monthly ", " mois ", " mensuel "}},
		{"year", []string{" year ", " yearly ", " annual ", " annum ", " an ", " annee ", " annuel "}},
	}
	for _, p := range periods {
		for _, w := range p.words {
			if strings.Contains(key, w) {
				return p.period
			}
		}
	}
	return ""
}

// DomainFromURL returns the bare host of raw, or fallback when raw has none.
func DomainFromURL(raw, fallback string) string {
	if raw == "" {
		return fallback
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return fallback
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Fingerprint hashes the fields that make two postings the same content.
// LastSeenAt and FeedID are deliberately excluded.
func Fingerprint(r Record) string {
	content := strings.Join([]string{
		r.Title,
		r.Company,
		r.Location,
		r.Province,
		r.Excerpt,
		strconv.FormatFloat(r.SalaryMin, 'f', 2, 64),
		strconv.FormatFloat(r.SalaryMax, 'f', 2, 64),
		r.URL,
		r.JobType,
	}, "|")

	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s:%s", FingerprintVersion, hex.EncodeToString(hash[:]))
}
