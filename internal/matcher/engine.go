// Package matcher evaluates channel items against keyword alerts.
//
// Patterns are compiled when an alert is created or updated and the compiled
// form is cached by alert ID. Evaluation never compiles a pattern it has
// already seen with the same text and flags.
package matcher

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// snippetContext is the number of bytes kept on each side of a hit.
const snippetContext = 40

// Hit is one alert that matched an item.
type Hit struct {
	Alert   scraper.Alert
	Snippet string
}

type compiled struct {
	pattern       string
	regex         bool
	caseSensitive bool
	re            *regexp.Regexp
}

func (c compiled) sameAs(a scraper.Alert) bool {
	return c.pattern == a.Pattern && c.regex == a.Regex && c.caseSensitive == a.CaseSensitive
}

// find returns the byte span of the first hit in text.
func (c compiled) find(text string) (int, int, bool) {
	if c.re == nil {
		i := strings.Index(text, c.pattern)
		if i < 0 {
			return 0, 0, false
		}
		return i, i + len(c.pattern), true
	}
	loc := c.re.FindStringIndex(text)
	if loc == nil {
		return 0, 0, false
	}
	return loc[0], loc[1], true
}

// Validate checks an alert before it is persisted.
func Validate(a scraper.Alert) error {
	_, err := compile(a)
	return err
}

func compile(a scraper.Alert) (compiled, error) {
	if strings.TrimSpace(a.Pattern) == "" {
		return compiled{}, scraper.Errorf(scraper.ErrValidation, "validate alert", "pattern is required")
	}
	c := compiled{pattern: a.Pattern, regex: a.Regex, caseSensitive: a.CaseSensitive}
	expr := ""
	switch {
	case a.Regex:
		expr = a.Pattern
	case !a.CaseSensitive:
		expr = regexp.QuoteMeta(a.Pattern)
	default:
		// case-sensitive literal: plain substring test
		return c, nil
	}
	if !a.CaseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return compiled{}, scraper.E(scraper.ErrValidation, "validate alert", fmt.Errorf("invalid regex: %w", err))
	}
	c.re = re
	return c, nil
}

// Engine caches compiled alerts and evaluates items against them.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]compiled
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string]compiled)}
}

// Prepare compiles a and caches it under its ID.
func (e *Engine) Prepare(a scraper.Alert) error {
	c, err := compile(a)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cache[a.ID] = c
	e.mu.Unlock()
	return nil
}

// Forget drops the cached pattern of a deleted alert.
func (e *Engine) Forget(alertID string) {
	e.mu.Lock()
	delete(e.cache, alertID)
	e.mu.Unlock()
}

// Cached reports how many alerts have a compiled pattern.
func (e *Engine) Cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// lookup returns the cached pattern for a, compiling it when the cache is cold
// (alerts persisted before this process started) or the pattern changed.
func (e *Engine) lookup(a scraper.Alert) (compiled, bool) {
	e.mu.RLock()
	c, ok := e.cache[a.ID]
	e.mu.RUnlock()
	if ok && c.sameAs(a) {
		return c, true
	}
	if err := e.Prepare(a); err != nil {
		return compiled{}, false
	}
	e.mu.RLock()
	c = e.cache[a.ID]
	e.mu.RUnlock()
	return c, true
}

// Match evaluates text from channelID against alerts. Inactive alerts and
// alerts scoped to another channel are skipped.
func (e *Engine) Match(alerts []scraper.Alert, channelID, text string) []Hit {
	if text == "" {
		return nil
	}
	var hits []Hit
	for _, a := range alerts {
		if !a.Active {
			continue
		}
		if a.ChannelID != "" && a.ChannelID != channelID {
			continue
		}
		c, ok := e.lookup(a)
		if !ok {
			continue
		}
		start, end, found := c.find(text)
		if !found {
			continue
		}
		hits = append(hits, Hit{Alert: a, Snippet: Snippet(text, start, end)})
	}
	return hits
}

// Snippet cuts the hit [start, end) out of text with some surrounding context,
// never splitting a UTF-8 sequence.
func Snippet(text string, start, end int) string {
	from := start - snippetContext
	if from < 0 {
		from = 0
	}
	to := end + snippetContext
	if to > len(text) {
		to = len(text)
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	out := strings.TrimSpace(text[from:to])
	if from > 0 {
		out = "…" + out
	}
	if to < len(text) {
		out += "…"
	}
	return out
}
