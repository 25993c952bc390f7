package markup

import (
	"math"
	"strconv"
	"strings"
)

// Grade is the qualitative band derived from total/max
type Grade string

const (
	GradeExcellent Grade = "excellent"
	GradeGood      Grade = "good"
	GradePass      Grade = "pass"
	GradeFail      Grade = "fail"
)

const scoreClose = "</score>"

// Dimension is one scored rubric criterion
type Dimension struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"maxScore"`
	Comment  string  `json:"comment,omitempty"`
}

// ParsedScore is the structured score embedded in the feedback stream
type ParsedScore struct {
	Total      float64     `json:"total"`
	MaxTotal   float64     `json:"maxTotal"`
	Grade      Grade       `json:"grade"`
	IsComplete bool        `json:"isComplete"`
	Dimensions []Dimension `json:"dimensions"`
}

// Percent returns total as a percentage of max
func (s *ParsedScore) Percent() float64 {
	if s == nil || s.MaxTotal <= 0 {
		return 0
	}
	return s.Total * 100 / s.MaxTotal
}

// GradeFor maps total/max to a grade band. Thresholds are inclusive and
// compared by cross-multiplication so 90% of max is excellent exactly.
func GradeFor(total, max float64) Grade {
	if max <= 0 {
		return GradeFail
	}
	switch {
	case total*100 >= 90*max:
		return GradeExcellent
	case total*100 >= 75*max:
		return GradeGood
	case total*100 >= 60*max:
		return GradePass
	default:
		return GradeFail
	}
}

type scoreBlock struct {
	start, end         int
	bodyStart, bodyEnd int
	total, max         float64
	closed             bool
	partial            bool // opening tag itself is still incomplete
}

// findScoreBlock locates the first well-formed score block. Candidates with a
// non-numeric total or a non-positive max are skipped.
func findScoreBlock(text string) (scoreBlock, bool) {
	i := 0
	for i < len(text) {
		rel := strings.Index(text[i:], "<score")
		if rel < 0 {
			return scoreBlock{}, false
		}
		pos := i + rel

		tag, res := parseOpenTag(text, pos)
		switch res {
		case truncated:
			return scoreBlock{start: pos, end: len(text), partial: true}, true
		case noMatch:
			i = pos + 1
			continue
		}

		total, okTotal := parseNumber(tag.attrs["total"])
		max, okMax := parseNumber(tag.attrs["max"])
		if tag.name != "score" || tag.selfClosing || !okTotal || !okMax || max <= 0 {
			i = pos + 1
			continue
		}

		blk := scoreBlock{start: pos, bodyStart: tag.end, total: total, max: max}
		if c := strings.Index(text[tag.end:], scoreClose); c >= 0 {
			blk.bodyEnd = tag.end + c
			blk.end = blk.bodyEnd + len(scoreClose)
			blk.closed = true
		} else {
			blk.bodyEnd = len(text)
			blk.end = len(text)
		}
		return blk, true
	}
	return scoreBlock{}, false
}

// ExtractScore returns the score carried by text, or nil when no well-formed
// opening tag has arrived yet. Dimensions whose element is not yet complete
// are left out.
func ExtractScore(text string) *ParsedScore {
	blk, ok := findScoreBlock(text)
	if !ok || blk.partial {
		return nil
	}
	return &ParsedScore{
		Total:      blk.total,
		MaxTotal:   blk.max,
		Grade:      GradeFor(blk.total, blk.max),
		IsComplete: blk.closed,
		Dimensions: parseDimensions(text[blk.bodyStart:blk.bodyEnd]),
	}
}

// StripScoreBlock removes the honored score block, or the unclosed remainder of
// one, so score markup never reaches the tokenizer.
func StripScoreBlock(text string) string {
	blk, ok := findScoreBlock(text)
	if !ok {
		return text
	}
	return text[:blk.start] + text[blk.end:]
}

func parseDimensions(body string) []Dimension {
	dims := []Dimension{}
	j := 0
	for j < len(body) {
		rel := strings.Index(body[j:], "<dim")
		if rel < 0 {
			break
		}
		p := j + rel

		tag, res := parseOpenTag(body, p)
		if res == truncated {
			break
		}
		if res == noMatch || tag.name != "dim" {
			j = p + 1
			continue
		}

		score, okScore := parseNumber(tag.attrs["score"])
		max, okMax := parseNumber(tag.attrs["max"])
		name := strings.TrimSpace(tag.attrs["name"])

		next := tag.end
		comment := ""
		if !tag.selfClosing {
			c := strings.Index(body[tag.end:], "</dim>")
			if c < 0 {
				break
			}
			comment = strings.TrimSpace(body[tag.end : tag.end+c])
			next = tag.end + c + len("</dim>")
		}
		j = next

		if name == "" || !okScore || !okMax {
			continue
		}
		dims = append(dims, Dimension{Name: name, Score: score, MaxScore: max, Comment: comment})
	}
	return dims
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
