package content

import (
	"errors"
	"fmt"
	"strings"

	"lanmedia/work/catalog"
	"lanmedia/work/profiles"
)

// ErrInvalidCriteria is returned for search criteria that do not parse.
var ErrInvalidCriteria = errors.New("invalid search criteria")

var classes = map[profiles.ItemType]string{
	profiles.ItemUnknown:        "object.item",
	profiles.ItemContainer:      "object.container.storageFolder",
	profiles.ItemPlaylist:       "object.container.playlistContainer",
	profiles.ItemAudio:          "object.item.audioItem",
	profiles.ItemMusic:          "object.item.audioItem.musicTrack",
	profiles.ItemAudioBroadcast: "object.item.audioItem.audioBroadcast",
	profiles.ItemAudioBook:      "object.item.audioItem.audioBook",
	profiles.ItemVideo:          "object.item.videoItem",
	profiles.ItemMovie:          "object.item.videoItem.movie",
	profiles.ItemVideoBroadcast: "object.item.videoItem.videoBroadcast",
	profiles.ItemMusicVideo:     "object.item.videoItem.musicVideoClip",
	profiles.ItemImage:          "object.item.imageItem",
	profiles.ItemPhoto:          "object.item.imageItem.photo",
}

// Class returns the upnp:class of an item type.
func Class(t profiles.ItemType) string {
	if c, ok := classes[t]; ok {
		return c
	}
	return classes[profiles.ItemUnknown]
}

// property reads a searchable property of an entry.
func property(e catalog.Entry, name string) (string, bool) {
	switch name {
	case "dc:title":
		return e.Title, true
	case "upnp:class":
		return Class(e.Type), true
	case "upnp:artist", "dc:creator":
		return e.Artist, true
	case "upnp:album":
		return e.Album, true
	case "dc:date":
		if e.Date.IsZero() {
			return "", true
		}
		return e.Date.Format("2006-01-02"), true
	}
	return "", false
}

// ParseCriteria compiles a search expression such as
//
//	upnp:class derivedfrom "object.item.audioItem" and dc:title contains "live"
//
// into a catalog match. "*" and the empty string match everything.
func ParseCriteria(s string) (catalog.Match, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, nil
	}
	p := &criteriaParser{toks: toks}
	m, err := p.or()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidCriteria, p.peek().text)
	}
	return m, nil
}

type token struct {
	text   string
	quoted bool
}

func tokenize(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')' || c == '*':
			toks = append(toks, token{text: string(c)})
			i++
		case c == '"':
			var b strings.Builder
			i++
			for ; i < len(s) && s[i] != '"'; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
			}
			if i >= len(s) {
				return nil, fmt.Errorf("%w: unterminated string", ErrInvalidCriteria)
			}
			i++
			toks = append(toks, token{text: b.String(), quoted: true})
		default:
			start := i
			for i < len(s) && !strings.ContainsRune(" \t\r\n()\"", rune(s[i])) {
				i++
			}
			toks = append(toks, token{text: s[start:i]})
		}
	}
	return toks, nil
}

type criteriaParser struct {
	toks []token
	pos  int
}

func (p *criteriaParser) done() bool { return p.pos >= len(p.toks) }

func (p *criteriaParser) peek() token {
	if p.done() {
		return token{}
	}
	return p.toks[p.pos]
}

func (p *criteriaParser) next() (token, error) {
	if p.done() {
		return token{}, fmt.Errorf("%w: unexpected end", ErrInvalidCriteria)
	}
	t := p.toks[p.pos]
	p.pos++
	return t, nil
}

func (p *criteriaParser) keyword(word string) bool {
	t := p.peek()
	if !t.quoted && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *criteriaParser) or() (catalog.Match, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(e catalog.Entry) bool { return l(e) || right(e) }
	}
	return left, nil
}

func (p *criteriaParser) and() (catalog.Match, error) {
	left, err := p.primary()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		right, err := p.primary()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(e catalog.Entry) bool { return l(e) && right(e) }
	}
	return left, nil
}

func (p *criteriaParser) primary() (catalog.Match, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	if !t.quoted {
		switch t.text {
		case "*":
			return func(catalog.Entry) bool { return true }, nil
		case "(":
			m, err := p.or()
			if err != nil {
				return nil, err
			}
			if end, err := p.next(); err != nil || end.text != ")" {
				return nil, fmt.Errorf("%w: missing )", ErrInvalidCriteria)
			}
			return m, nil
		}
	}

	name := t.text
	if _, ok := property(catalog.Entry{}, name); !ok {
		return nil, fmt.Errorf("%w: unknown property %q", ErrInvalidCriteria, name)
	}
	op, err := p.next()
	if err != nil {
		return nil, err
	}
	val, err := p.next()
	if err != nil {
		return nil, err
	}
	return compare(name, strings.ToLower(op.text), val)
}

func compare(name, op string, val token) (catalog.Match, error) {
	want := strings.ToLower(val.text)
	get := func(e catalog.Entry) string {
		v, _ := property(e, name)
		return strings.ToLower(v)
	}

	switch op {
	case "contains":
		return func(e catalog.Entry) bool { return strings.Contains(get(e), want) }, nil
	case "doesnotcontain":
		return func(e catalog.Entry) bool { return !strings.Contains(get(e), want) }, nil
	case "derivedfrom":
		return func(e catalog.Entry) bool { return strings.HasPrefix(get(e), want) }, nil
	case "=":
		return func(e catalog.Entry) bool { return get(e) == want }, nil
	case "!=":
		return func(e catalog.Entry) bool { return get(e) != want }, nil
	case "exists":
		if val.quoted || (want != "true" && want != "false") {
			return nil, fmt.Errorf("%w: exists takes true or false", ErrInvalidCriteria)
		}
		exists := want == "true"
		return func(e catalog.Entry) bool { return (get(e) != "") == exists }, nil
	}
	return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidCriteria, op)
}
