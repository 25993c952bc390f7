package markup

import (
	"html"
	"strings"
)

var markerTags = map[string]Kind{
	"del":     KindDelete,
	"ins":     KindInsert,
	"replace": KindReplace,
	"note":    KindNote,
	"good":    KindGood,
	"err":     KindError,
}

// reservedTags are names whose truncated opening tag is held back while streaming
var reservedTags = []string{"del", "ins", "replace", "note", "good", "err", "score", "dim"}

type tagResult int

const (
	noMatch tagResult = iota
	matched
	truncated // input ended before the tag could be decided
)

type openTag struct {
	name        string
	attrs       map[string]string
	end         int // index just past '>'
	selfClosing bool
}

// Tokenize splits annotated feedback into markers.
//
// Unrecognized or malformed markup is kept as literal Text. A tag still open at
// the end of text becomes a trailing Pending marker while isFinal is false; once
// final, the opening tag is kept as text and scanning continues behind it.
func Tokenize(text string, isFinal bool) []Marker {
	var out []Marker
	textStart, i := 0, 0

	for i < len(text) {
		rel := strings.IndexByte(text[i:], '<')
		if rel < 0 {
			break
		}
		pos := i + rel

		m, end, res := matchMarker(text, pos)
		switch res {
		case matched:
			out = appendText(out, text[textStart:pos])
			out = append(out, m)
			i, textStart = end, end
		case truncated:
			if !isFinal {
				out = appendText(out, text[textStart:pos])
				return append(out, m)
			}
			i = pos + 1
		default:
			i = pos + 1
		}
	}

	return appendText(out, text[textStart:])
}

func appendText(out []Marker, s string) []Marker {
	if s == "" {
		return out
	}
	if n := len(out); n > 0 && out[n-1].Kind == KindText {
		out[n-1].Content += s
		return out
	}
	return append(out, Marker{Kind: KindText, Content: s})
}

// matchMarker tries to read a complete marker element starting at s[pos] == '<'
func matchMarker(s string, pos int) (Marker, int, tagResult) {
	tag, res := parseOpenTag(s, pos)
	switch res {
	case truncated:
		return Marker{Kind: KindPending, PendingKind: markerTags[tag.name], Raw: s[pos:]}, len(s), truncated
	case noMatch:
		return Marker{}, pos, noMatch
	}

	kind, ok := markerTags[tag.name]
	if !ok || tag.selfClosing {
		return Marker{}, pos, noMatch
	}

	closeTok := "</" + tag.name + ">"
	rel := strings.Index(s[tag.end:], closeTok)
	if rel < 0 {
		return Marker{
			Kind:        KindPending,
			PendingKind: kind,
			Content:     trimPartialSuffix(s[tag.end:], closeTok),
			Raw:         s[pos:],
		}, len(s), truncated
	}

	content := s[tag.end : tag.end+rel]
	m := Marker{Kind: kind}
	switch kind {
	case KindDelete:
		m.Content = content
		m.Reason = tag.attrs["reason"]
	case KindInsert, KindGood:
		m.Content = content
	case KindReplace:
		m.OldText = content
		m.NewText = tag.attrs["new"]
		m.Reason = tag.attrs["reason"]
	case KindNote:
		m.Content = content
		m.Comment = tag.attrs["comment"]
	case KindError:
		m.Content = content
		m.ErrorType = tag.attrs["type"]
		m.Explanation = tag.attrs["explanation"]
	}
	return m, tag.end + rel + len(closeTok), matched
}

// parseOpenTag reads an opening tag at s[pos] == '<'. Only reserved names match.
func parseOpenTag(s string, pos int) (openTag, tagResult) {
	i := pos + 1
	start := i
	for i < len(s) && s[i] >= 'a' && s[i] <= 'z' {
		i++
	}
	name := s[start:i]
	tag := openTag{name: name}

	if i == len(s) {
		if isReservedPrefix(name) {
			return tag, truncated
		}
		return tag, noMatch
	}
	if name == "" || !isReserved(name) {
		return tag, noMatch
	}

	tag.attrs = make(map[string]string)
	for {
		spaced := false
		for i < len(s) && isSpace(s[i]) {
			i++
			spaced = true
		}
		if i == len(s) {
			return tag, truncated
		}

		switch s[i] {
		case '>':
			tag.end = i + 1
			return tag, matched
		case '/':
			if i+1 == len(s) {
				return tag, truncated
			}
			if s[i+1] != '>' {
				return tag, noMatch
			}
			tag.end = i + 2
			tag.selfClosing = true
			return tag, matched
		}

		if !spaced {
			return tag, noMatch
		}

		attrStart := i
		for i < len(s) && isAttrNameByte(s[i]) {
			i++
		}
		attr := strings.ToLower(s[attrStart:i])
		if i == len(s) {
			return tag, truncated
		}
		if attr == "" {
			return tag, noMatch
		}

		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i == len(s) {
			return tag, truncated
		}
		if s[i] != '=' {
			return tag, noMatch
		}
		i++
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i == len(s) {
			return tag, truncated
		}

		quote := s[i]
		if quote != '"' && quote != '\'' {
			return tag, noMatch
		}
		i++
		end := strings.IndexByte(s[i:], quote)
		if end < 0 {
			return tag, truncated
		}
		tag.attrs[attr] = html.UnescapeString(s[i : i+end])
		i += end + 1
	}
}

func isReserved(name string) bool {
	for _, r := range reservedTags {
		if r == name {
			return true
		}
	}
	return false
}

func isReservedPrefix(name string) bool {
	for _, r := range reservedTags {
		if strings.HasPrefix(r, name) {
			return true
		}
	}
	return false
}

// trimPartialSuffix drops a partially received token from the end of s
func trimPartialSuffix(s, token string) string {
	k := len(token) - 1
	if k > len(s) {
		k = len(s)
	}
	for ; k > 0; k-- {
		if strings.HasSuffix(s, token[:k]) {
			return s[:len(s)-k]
		}
	}
	return s
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isAttrNameByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
}
