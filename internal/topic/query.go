package topic

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	phraseRe = regexp.MustCompile(`"([^"]+)"`)
	nearRe   = regexp.MustCompile(`(?i)(\w+)\s+NEAR/(\d+)\s+(\w+)`)
	boolRe   = regexp.MustCompile(`(?i)\s+(AND|OR)\s+`)
)

// Query is a compiled boolean keyword query. The language supports
// quoted phrases, bare terms joined by AND/OR, and NEAR/n proximity
// pairs. All phrases and all NEAR pairs must match; the remaining
// boolean expression is evaluated left to right.
type Query struct {
	raw     string
	phrases []string
	nears   []nearOp
	terms   []termMatcher
	ops     []string // "AND"/"OR" between consecutive terms
}

type nearOp struct {
	a, b string
	dist int
}

type termMatcher struct {
	term string
	re   *regexp.Regexp
}

// Compile parses a query string into a reusable predicate.
func Compile(q string) (*Query, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, eris.New("topic: empty query")
	}

	c := &Query{raw: q}
	rest := q

	for _, m := range phraseRe.FindAllStringSubmatch(rest, -1) {
		c.phrases = append(c.phrases, strings.ToLower(m[1]))
	}
	rest = phraseRe.ReplaceAllString(rest, " ")

	for _, m := range nearRe.FindAllStringSubmatch(rest, -1) {
		dist, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, eris.Wrapf(err, "topic: bad NEAR distance in %q", q)
		}
		c.nears = append(c.nears, nearOp{a: strings.ToLower(m[1]), b: strings.ToLower(m[3]), dist: dist})
	}
	rest = nearRe.ReplaceAllString(rest, " ")

	// Strip dangling operators left behind by phrase/NEAR removal.
	rest = strings.TrimSpace(rest)
	rest = strings.TrimPrefix(strings.TrimPrefix(rest, "AND "), "OR ")
	rest = strings.TrimSuffix(strings.TrimSuffix(rest, " AND"), " OR")
	rest = strings.TrimSpace(rest)

	if rest != "" {
		terms := boolRe.Split(rest, -1)
		for _, m := range boolRe.FindAllStringSubmatch(rest, -1) {
			c.ops = append(c.ops, strings.ToUpper(m[1]))
		}
		for _, term := range terms {
			term = strings.TrimSpace(term)
			if term == "" {
				continue
			}
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
			if err != nil {
				return nil, eris.Wrapf(err, "topic: bad term %q", term)
			}
			c.terms = append(c.terms, termMatcher{term: strings.ToLower(term), re: re})
		}
	}

	if len(c.phrases) == 0 && len(c.nears) == 0 && len(c.terms) == 0 {
		return nil, eris.Errorf("topic: query %q has no matchable content", q)
	}

	return c, nil
}

// String returns the original query text.
func (c *Query) String() string { return c.raw }

// Match reports whether text satisfies the query.
func (c *Query) Match(text string) bool {
	lower := strings.ToLower(text)

	for _, p := range c.phrases {
		if !strings.Contains(lower, p) {
			return false
		}
	}

	var words []string
	if len(c.nears) > 0 {
		words = strings.Fields(lower)
	}
	for _, n := range c.nears {
		if !matchNear(words, n) {
			return false
		}
	}

	if len(c.terms) == 0 {
		return true
	}

	result := c.terms[0].re.MatchString(text)
	for i := 1; i < len(c.terms); i++ {
		hit := c.terms[i].re.MatchString(text)
		op := "AND"
		if i-1 < len(c.ops) {
			op = c.ops[i-1]
		}
		if op == "OR" {
			result = result || hit
		} else {
			result = result && hit
		}
	}
	return result
}

// matchNear checks whether n.a appears within n.dist tokens of n.b.
func matchNear(words []string, n nearOp) bool {
	var posA, posB []int
	for i, w := range words {
		if wordEquals(w, n.a) {
			posA = append(posA, i)
		}
		if wordEquals(w, n.b) {
			posB = append(posB, i)
		}
	}
	for _, i := range posA {
		for _, j := range posB {
			d := i - j
			if d < 0 {
				d = -d
			}
			if d <= n.dist {
				return true
			}
		}
	}
	return false
}

// wordEquals matches a query word against a text token, tolerating a
// trailing plural s on either side.
func wordEquals(textWord, queryWord string) bool {
	textWord = strings.Trim(textWord, `.,;:!?"'()[]`)
	if textWord == queryWord {
		return true
	}
	if strings.HasSuffix(queryWord, "s") && textWord == queryWord[:len(queryWord)-1] {
		return true
	}
	if strings.HasSuffix(textWord, "s") && queryWord == textWord[:len(textWord)-1] {
		return true
	}
	return false
}
