// Package topic loads topic definitions and compiles their boolean
// keyword queries into reusable predicates.
package topic

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Topic is one configured topic: a key, a set of queries and the
// selection knobs. Loaded once per run, never mutated by the pipeline.
type Topic struct {
	Name         string   `yaml:"name"`
	Key          string   `yaml:"topic_key"`
	Queries      []string `yaml:"queries"`
	AllowDomains []string `yaml:"allow_domains"`
	Lang         string   `yaml:"lang"`
	Priority     float64  `yaml:"priority"`
	MaxPosts     int      `yaml:"max_posts_per_run"`
	Boost        float64  `yaml:"boost_factor"`
	MinScore     float64  `yaml:"min_score"`
	// Enabled defaults to true when the YAML omits it.
	Enabled    bool  `yaml:"-"`
	EnabledRaw *bool `yaml:"enabled"`

	compiled []*Query
}

type topicsFile struct {
	Topics []Topic `yaml:"topics"`
}

// Load reads and compiles topics from a YAML file. Disabled topics are
// kept in the result so callers can report them; use Enabled to skip.
func Load(path string) ([]Topic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "topic: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and compiles topic definitions from YAML bytes.
func Parse(data []byte) ([]Topic, error) {
	var f topicsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "topic: unmarshal")
	}

	for i := range f.Topics {
		t := &f.Topics[i]
		if t.Key == "" {
			t.Key = strings.ReplaceAll(strings.ToLower(t.Name), " ", "_")
		}
		if t.Priority == 0 {
			t.Priority = 1.0
		}
		if t.MaxPosts == 0 {
			t.MaxPosts = 5
		}
		if t.Boost == 0 {
			t.Boost = 1.0
		}
		t.Enabled = t.EnabledRaw == nil || *t.EnabledRaw
		for _, q := range t.Queries {
			compiled, err := Compile(q)
			if err != nil {
				return nil, eris.Wrapf(err, "topic %s", t.Key)
			}
			t.compiled = append(t.compiled, compiled)
		}
	}
	return f.Topics, nil
}

// Matches reports whether any of the topic's queries match text.
func (t *Topic) Matches(text string) bool {
	for _, q := range t.compiled {
		if q.Match(text) {
			return true
		}
	}
	return false
}

// AllowsDomain reports whether the topic accepts content from domain.
// An empty allow list accepts everything.
func (t *Topic) AllowsDomain(domain string) bool {
	if len(t.AllowDomains) == 0 {
		return true
	}
	domain = strings.ToLower(domain)
	for _, d := range t.AllowDomains {
		d = strings.ToLower(d)
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// AllowsLang reports whether the topic accepts content in lang. An
// empty filter accepts every language.
func (t *Topic) AllowsLang(lang string) bool {
	return t.Lang == "" || strings.EqualFold(t.Lang, lang)
}
