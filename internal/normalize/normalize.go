// Package normalize turns raw feed entries into canonical articles:
// markup stripped, URLs canonicalized, timestamps in UTC, and the
// dedup identities (URL hash, content fingerprint) computed.
package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/windworldwire/newsbot/internal/fetcher"
	"github.com/windworldwire/newsbot/internal/model"
	"github.com/windworldwire/newsbot/internal/simhash"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// trackingParams are query parameters that carry campaign or click
// attribution and never identify content. Stripping them keeps the
// URL hash stable across syndication channels.
var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {}, "utm_content": {},
	"fbclid": {}, "gclid": {}, "msclkid": {}, "twclid": {}, "_ga": {}, "_gl": {},
	"ref": {}, "referrer": {}, "source": {}, "campaign_id": {}, "ad_id": {},
	"cmpid": {}, "cid": {}, "eid": {}, "ncid": {}, "mc_cid": {}, "mc_eid": {},
}

// CleanText strips markup from HTML or plain text and collapses all
// runs of whitespace to single spaces. Entities are decoded by the
// parser. Plain text passes through unchanged apart from whitespace.
func CleanText(htmlOrText string) string {
	if htmlOrText == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlOrText))
	if err != nil {
		// Fall back to a crude tag strip.
		stripped := regexp.MustCompile(`<[^>]+>`).ReplaceAllString(htmlOrText, " ")
		return whitespaceRe.ReplaceAllString(strings.TrimSpace(stripped), " ")
	}
	doc.Find("script, style").Remove()
	text := doc.Text()
	return whitespaceRe.ReplaceAllString(strings.TrimSpace(text), " ")
}

// NormalizeURL canonicalizes a link for identity purposes: resolves it
// against base when relative, drops the fragment, removes tracking
// parameters, and sorts the remaining query parameters. Unparsable
// input is returned trimmed but otherwise untouched.
func NormalizeURL(raw, base string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if !u.IsAbs() && base != "" {
		if b, berr := url.Parse(base); berr == nil {
			u = b.ResolveReference(u)
		}
	}

	u.Fragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			if _, tracking := trackingParams[strings.ToLower(k)]; tracking {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sb strings.Builder
		for _, k := range keys {
			for _, v := range q[k] {
				if v == "" {
					continue
				}
				if sb.Len() > 0 {
					sb.WriteByte('&')
				}
				sb.WriteString(url.QueryEscape(k))
				sb.WriteByte('=')
				sb.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = sb.String()
	}

	return u.String()
}

// URLHash returns the SHA-1 of the normalized URL, the exact-duplicate
// identity for articles.
func URLHash(normalizedURL string) string {
	if normalizedURL == "" {
		return ""
	}
	sum := sha1.Sum([]byte(normalizedURL))
	return hex.EncodeToString(sum[:])
}

// timeLayouts covers the publish-date formats feeds use in the wild.
// RFC 1123 variants dominate RSS, RFC 3339 dominates Atom.
var timeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC3339Nano,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
}

// ParseTime parses a feed timestamp in any recognized layout and
// returns it in UTC. Empty or unparsable values return the fallback.
func ParseTime(value string, fallback time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	zap.L().Debug("unparsable publish date", zap.String("value", value))
	return fallback
}

// Common function words per language. Short lists are enough: a feed
// summary of a few sentences hits several of them.
var stopwords = map[string][]string{
	"en": {"the", "and", "for", "with", "that", "this", "from", "have", "was", "are", "not", "his", "her", "they", "will"},
	"es": {"el", "la", "los", "las", "de", "del", "que", "en", "por", "para", "con", "una", "uno", "como", "más"},
	"fr": {"le", "la", "les", "des", "une", "dans", "pour", "avec", "que", "qui", "est", "sur", "pas", "aux", "ces"},
	"de": {"der", "die", "das", "und", "ist", "nicht", "mit", "ein", "eine", "für", "von", "auf", "den", "sich", "werden"},
	"pt": {"o", "a", "os", "as", "de", "do", "da", "que", "em", "para", "com", "uma", "não", "mais", "como"},
}

// DetectLang guesses the language of text from function-word counts,
// falling back to the source language when the text is too short or
// no language stands out.
func DetectLang(text, fallback string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	if len(text) < 20 {
		return fallback
	}

	words := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= 'à' && r <= 'ÿ'))
	})
	present := make(map[string]int, len(words))
	for _, w := range words {
		present[w]++
	}

	bestLang, bestHits := fallback, 0
	langs := make([]string, 0, len(stopwords))
	for lang := range stopwords {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	for _, lang := range langs {
		hits := 0
		for _, sw := range stopwords[lang] {
			hits += present[sw]
		}
		if hits > bestHits {
			bestLang, bestHits = lang, hits
		}
	}

	// A single hit is noise, not a signal.
	if bestHits < 2 {
		return fallback
	}
	return bestLang
}

// Normalize converts one fetched entry into a canonical Article. The
// second return is false when the entry is rejected: no usable link,
// or no usable title.
func Normalize(entry fetcher.Entry, src model.Source, now time.Time) (model.Article, bool) {
	title := CleanText(entry.Title)
	link := NormalizeURL(entry.Link, src.URL)

	if link == "" || title == "" {
		zap.L().Debug("entry rejected",
			zap.String("source", src.URL),
			zap.String("title", title),
			zap.String("link", link))
		return model.Article{}, false
	}
	if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
		return model.Article{}, false
	}

	summary := CleanText(entry.Summary)
	publishedAt := ParseTime(entry.Published, now.UTC())

	fpText := title
	if summary != "" {
		fpText = title + " " + summary
	}

	lang := DetectLang(fpText, src.Lang)
	if lang == "" {
		lang = "en"
	}

	return model.Article{
		SourceID:    src.ID,
		Title:       title,
		URL:         link,
		Summary:     summary,
		Lang:        lang,
		PublishedAt: publishedAt,
		FetchedAt:   now.UTC(),
		URLHash:     URLHash(link),
		Fingerprint: simhash.Fingerprint(fpText),
	}, true
}

// Domain extracts the registrable host of an article URL, used for
// cluster domain diversity. The www prefix is dropped so the same
// outlet is not counted twice.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
