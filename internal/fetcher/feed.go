package fetcher

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// rssDoc covers RSS 2.0 (and the common RSS 0.9x shapes).
type rssDoc struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	Encoded     string `xml:"http://purl.org/rss/1.0/modules/content/ encoded"`
	PubDate     string `xml:"pubDate"`
}

type atomDoc struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Summary   string     `xml:"summary"`
	Content   string     `xml:"content"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

func (e atomEntry) link() string {
	for _, l := range e.Links {
		if l.Rel == "" || l.Rel == "alternate" {
			return l.Href
		}
	}
	if len(e.Links) > 0 {
		return e.Links[0].Href
	}
	return ""
}

func newFeedDecoder(r io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "feed: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	return dec
}

// ParseFeed decodes an RSS 2.0 or Atom document into entries. The
// feed flavor is dispatched on the root element. A document that is
// neither is a malformed-feed error; callers treat it as terminal.
func ParseFeed(r io.Reader) ([]Entry, error) {
	dec := newFeedDecoder(r)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, eris.New("feed: no root element")
		}
		if err != nil {
			return nil, eris.Wrap(err, "feed: read token")
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch strings.ToLower(se.Name.Local) {
		case "rss", "rdf":
			var doc rssDoc
			if err := dec.DecodeElement(&doc, &se); err != nil {
				return nil, eris.Wrap(err, "feed: decode rss")
			}
			return rssEntries(doc), nil
		case "feed":
			var doc atomDoc
			if err := dec.DecodeElement(&doc, &se); err != nil {
				return nil, eris.Wrap(err, "feed: decode atom")
			}
			return atomEntries(doc), nil
		default:
			return nil, eris.Errorf("feed: unexpected root element <%s>", se.Name.Local)
		}
	}
}

func rssEntries(doc rssDoc) []Entry {
	entries := make([]Entry, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		summary := it.Encoded
		if summary == "" {
			summary = it.Description
		}
		entries = append(entries, Entry{
			Title:     strings.TrimSpace(it.Title),
			Link:      strings.TrimSpace(it.Link),
			Summary:   summary,
			Published: strings.TrimSpace(it.PubDate),
		})
	}
	return entries
}

func atomEntries(doc atomDoc) []Entry {
	entries := make([]Entry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		summary := e.Content
		if summary == "" {
			summary = e.Summary
		}
		published := e.Published
		if published == "" {
			published = e.Updated
		}
		entries = append(entries, Entry{
			Title:     strings.TrimSpace(e.Title),
			Link:      strings.TrimSpace(e.link()),
			Summary:   summary,
			Published: strings.TrimSpace(published),
		})
	}
	return entries
}
