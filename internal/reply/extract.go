package reply

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rahul/cantiere/internal/plan"
)

var ErrNoValue = errors.New("no value recognised")

// Extractor fills open requirements from a free-text reply.
type Extractor interface {
	Extract(text string, open []plan.Requirement) (map[string]any, error)
}

// TypedExtractor reads field=value pairs (or "label: value" lines) and, when
// only one requirement is open, the whole reply. Values are converted by the
// requirement's declared type.
type TypedExtractor struct{}

func NewExtractor() *TypedExtractor {
	return &TypedExtractor{}
}

func (TypedExtractor) Extract(text string, open []plan.Requirement) (map[string]any, error) {
	values := map[string]any{}
	var errs []error

	pairs := Assignments(text)
	for _, line := range strings.Split(text, "\n") {
		key, val, ok := strings.Cut(line, ":")
		if ok && !strings.Contains(key, "=") {
			pairs[strings.TrimSpace(key)] = strings.TrimSpace(val)
		}
	}

	for key, raw := range pairs {
		r, ok := match(open, key)
		if !ok {
			continue
		}
		v, err := Convert(r, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		values[r.Name] = v
	}

	if len(values) == 0 && len(errs) == 0 && len(open) == 1 {
		v, err := Convert(open[0], text)
		if err != nil {
			return nil, err
		}
		values[open[0].Name] = v
	}

	if len(values) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, ErrNoValue
	}
	return values, errors.Join(errs...)
}

func match(open []plan.Requirement, key string) (plan.Requirement, bool) {
	for _, r := range open {
		if r.Name == key || strings.EqualFold(r.Label, key) || strings.EqualFold(r.Name, key) {
			return r, true
		}
	}
	return plan.Requirement{}, false
}

// Convert parses raw according to the requirement type.
func Convert(r plan.Requirement, raw string) (any, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%s: %w", r.DisplayName(), ErrNoValue)
	}

	switch r.Type {
	case plan.FieldNumber:
		n, err := parseNumber(stripSuffix(s, "mq", "m2", "m²", "%"))
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", r.DisplayName(), s)
		}
		return n, nil
	case plan.FieldMoney:
		n, err := parseMoney(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an amount", r.DisplayName(), s)
		}
		return n, nil
	case plan.FieldDate:
		d, err := parseDate(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a date", r.DisplayName(), s)
		}
		return d, nil
	case plan.FieldBool:
		switch strings.ToLower(strings.TrimRight(s, ".!")) {
		case "si", "sì", "yes", "true", "ok", "1", "vero":
			return true, nil
		case "no", "false", "0", "falso":
			return false, nil
		}
		return nil, fmt.Errorf("%s: answer yes or no", r.DisplayName())
	case plan.FieldSelect:
		return selectOption(r, s)
	case plan.FieldList:
		var items []any
		for _, part := range strings.FieldsFunc(s, func(c rune) bool { return c == ',' || c == ';' || c == '\n' }) {
			if p := strings.TrimSpace(part); p != "" {
				items = append(items, p)
			}
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("%s: %w", r.DisplayName(), ErrNoValue)
		}
		return items, nil
	}
	// string, project and untyped fields keep the text.
	return s, nil
}

func selectOption(r plan.Requirement, s string) (any, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 || n > len(r.Options) {
			return nil, fmt.Errorf("%s: choose between 1 and %d", r.DisplayName(), len(r.Options))
		}
		return r.Options[n-1].Value, nil
	}
	for _, o := range r.Options {
		if strings.EqualFold(o.Value, s) || strings.EqualFold(o.Label, s) {
			return o.Value, nil
		}
	}
	return nil, fmt.Errorf("%s: %q is not one of the options", r.DisplayName(), s)
}

func stripSuffix(s string, suffixes ...string) string {
	lower := strings.ToLower(s)
	for _, suf := range suffixes {
		if strings.HasSuffix(lower, suf) {
			return strings.TrimSpace(s[:len(s)-len(suf)])
		}
	}
	return s
}

// parseNumber accepts both 1.234,5 and 1,234.5 styles.
func parseNumber(s string) (float64, error) {
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "'", "")
	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")
	switch {
	case dots > 0 && commas > 0:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case commas == 1:
		s = strings.Replace(s, ",", ".", 1)
	case commas > 1:
		s = strings.ReplaceAll(s, ",", "")
	case dots > 1 || (dots == 1 && thousands(s)):
		s = strings.ReplaceAll(s, ".", "")
	}
	return strconv.ParseFloat(s, 64)
}

// thousands reports whether a single dot separates a group of exactly three digits.
func thousands(s string) bool {
	_, frac, _ := strings.Cut(s, ".")
	return len(frac) == 3
}

func parseMoney(s string) (float64, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	lower = strings.TrimPrefix(lower, "€")
	lower = strings.TrimSuffix(lower, "€")
	lower = stripSuffix(lower, "euro", "eur")

	mult := 1.0
	switch {
	case strings.HasSuffix(lower, "mln"):
		mult, lower = 1e6, strings.TrimSuffix(lower, "mln")
	case strings.HasSuffix(lower, "k"):
		mult, lower = 1e3, strings.TrimSuffix(lower, "k")
	}
	n, err := parseNumber(strings.TrimSpace(lower))
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

var dateLayouts = []string{"2006-01-02", "02/01/2006", "2/1/2006", "02-01-2006", "02.01.2006"}

// parseDate normalises to YYYY-MM-DD.
func parseDate(s string) (string, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognised date %q", s)
}
