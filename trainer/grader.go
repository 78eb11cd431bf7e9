package main

import (
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// Rule-based grading of a generated math answer against a reference.
// GradeInfo.Formatted is false when no answer could be extracted at all
// (missing \boxed{}/<answer> tags); the reward is then always 0.

type GradeInfo struct {
	Formatted bool `json:"formatted"`
}

// GradeFunc grades one response against one reference answer.
type GradeFunc func(response, reference string) (GradeInfo, float64)

// extractBoxed returns the content of the last \boxed{...} in s,
// matching braces so nested groups like \boxed{\frac{1}{2}} survive.
func extractBoxed(s string) (string, bool) {
	idx := strings.LastIndex(s, "\\boxed{")
	if idx < 0 {
		return "", false
	}
	start := idx + len("\\boxed{")
	depth := 1
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start:i], true
			}
		}
	}
	// unclosed brace
	return "", false
}

var answerTagRe = regexp.MustCompile(`(?s)<answer>(.*?)</answer>`)

// extractAnswerTag returns the content of the last <answer>...</answer>
// pair. A \boxed{} inside the tag takes precedence.
func extractAnswerTag(s string) (string, bool) {
	matches := answerTagRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return "", false
	}
	content := matches[len(matches)-1][1]
	if boxed, ok := extractBoxed(content); ok {
		return boxed, true
	}
	return content, true
}

var (
	thousandsRe = regexp.MustCompile(`(\d),(\d\d\d)([^\d]|$)`)
	fracRe      = regexp.MustCompile(`^\\d?frac\{([^{}]+)\}\{([^{}]+)\}$`)
	textRe      = regexp.MustCompile(`\\text\{[^{}]*\}`)
)

// normalizeAnswer reduces a final answer to a canonical comparable form.
func normalizeAnswer(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "$")
	s = strings.ReplaceAll(s, "\\left", "")
	s = strings.ReplaceAll(s, "\\right", "")
	s = strings.ReplaceAll(s, "\\!", "")
	s = strings.ReplaceAll(s, "\\,", "")
	s = strings.ReplaceAll(s, "\\%", "")
	s = strings.ReplaceAll(s, "%", "")
	s = strings.ReplaceAll(s, "°", "")
	s = strings.ReplaceAll(s, "\\$", "")
	s = textRe.ReplaceAllString(s, "")
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	// strip thousands separators, repeatedly for numbers like 1,234,567
	for {
		replaced := thousandsRe.ReplaceAllString(s, "$1$2$3")
		if replaced == s {
			break
		}
		s = replaced
	}
	// unwrap a single redundant brace group
	if len(s) >= 2 && s[0] == '{' && s[len(s)-1] == '}' {
		s = s[1 : len(s)-1]
	}
	if m := fracRe.FindStringSubmatch(s); m != nil {
		s = m[1] + "/" + m[2]
	}
	s = strings.Join(strings.Fields(s), " ")
	return s
}

// numericValue parses a normalized answer as a number if possible.
func numericValue(s string) (float64, bool) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, errN := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, errD := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if errN == nil && errD == nil && d != 0 {
			return n / d, true
		}
	}
	return 0, false
}

// rationalValue parses a normalized answer as an exact rational.
// Used by the strict verifier to avoid float comparison artifacts.
func rationalValue(s string) (*big.Rat, bool) {
	r := new(big.Rat)
	if _, ok := r.SetString(strings.ReplaceAll(s, " ", "")); ok {
		return r, true
	}
	return nil, false
}

func answersMatch(candidate, reference string, strict bool) bool {
	// references are usually bare answers, but pairwise comparison feeds
	// a full completion as the reference side
	if boxed, ok := extractBoxed(reference); ok {
		reference = boxed
	}
	candidate = normalizeAnswer(candidate)
	reference = normalizeAnswer(reference)
	if candidate == reference {
		return true
	}
	if strict {
		cr, okC := rationalValue(candidate)
		rr, okR := rationalValue(reference)
		if okC && okR {
			return cr.Cmp(rr) == 0
		}
	}
	cv, okC := numericValue(candidate)
	rv, okR := numericValue(reference)
	if okC && okR {
		return math.Abs(cv-rv) <= 1e-6*math.Max(1, math.Abs(rv))
	}
	return false
}

// boxedReward grades responses that should end with \boxed{answer}
// (qwen_math and "no" templates).
func boxedReward(strict bool) GradeFunc {
	return func(response, reference string) (GradeInfo, float64) {
		answer, ok := extractBoxed(response)
		if !ok {
			return GradeInfo{Formatted: false}, 0
		}
		if answersMatch(answer, reference, strict) {
			return GradeInfo{Formatted: true}, 1
		}
		return GradeInfo{Formatted: true}, 0
	}
}

// answerTagReward grades responses in the r1 template's <answer> format.
func answerTagReward(strict bool) GradeFunc {
	return func(response, reference string) (GradeInfo, float64) {
		answer, ok := extractAnswerTag(response)
		if !ok {
			return GradeInfo{Formatted: false}, 0
		}
		if answersMatch(answer, reference, strict) {
			return GradeInfo{Formatted: true}, 1
		}
		return GradeInfo{Formatted: true}, 0
	}
}

// GradeFuncForTemplate picks the grading rule matching the prompt template.
func GradeFuncForTemplate(template PromptTemplate, verifierVersion string) GradeFunc {
	strict := verifierVersion == "strict"
	if template == PromptTemplateR1 {
		return answerTagReward(strict)
	}
	return boxedReward(strict)
}
