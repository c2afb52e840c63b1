package reply

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Kind tags an Intent.
type Kind string

const (
	KindConfirm      Kind = "confirm"
	KindCancel       Kind = "cancel"
	KindRetry        Kind = "retry"
	KindDryRun       Kind = "dryrun"
	KindEdit         Kind = "edit"
	KindSelect       Kind = "select"
	KindProvideValue Kind = "provide_value"
	KindUnknown      Kind = "unknown"
	KindNoop         Kind = "noop"
)

// Intent is the parsed meaning of one user reply.
type Intent struct {
	Kind Kind
	Text string

	// Slash is set when the intent came from the /plan grammar.
	Slash bool
	// Confirm: explicit step acknowledgements, or All for every confirm step.
	StepIDs []string
	All     bool
	// Retry target.
	StepID string
	// Select index, 1-based.
	Index int
	// Edit assignments as typed by the user.
	Values map[string]string
	// Unknown: the verb and what went wrong.
	Verb   string
	Reason string
}

// Parser turns raw text into an Intent. selectOptions is the option count of
// the open selection requirement, 0 when none is open.
type Parser interface {
	Parse(text string, selectOptions int) Intent
}

const slashPrefix = "/plan"

var confirmWords = map[string]bool{
	"ok":       true,
	"conferma": true,
	"vai":      true,
	"si":       true,
	"sì":       true,
	"yes":      true,
	"procedi":  true,
	"esegui":   true,
}

var assignmentRe = regexp.MustCompile(`([A-Za-z_][\w.-]*)\s*=\s*("([^"]*)"|'([^']*)'|\S+)`)

// DefaultParser implements the /plan grammar, digit selection and the
// confirmation vocabulary. Anything else is value provision.
type DefaultParser struct{}

func NewParser() *DefaultParser {
	return &DefaultParser{}
}

func (DefaultParser) Parse(text string, selectOptions int) Intent {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Intent{Kind: KindNoop, Text: text}
	}

	if trimmed == slashPrefix || strings.HasPrefix(trimmed, slashPrefix+" ") {
		return parseSlash(trimmed)
	}

	if n, ok := digit(trimmed); ok && n <= selectOptions {
		return Intent{Kind: KindSelect, Text: text, Index: n}
	}

	if IsConfirmWord(trimmed) {
		return Intent{Kind: KindConfirm, Text: text}
	}

	return Intent{Kind: KindProvideValue, Text: text}
}

// IsConfirmWord reports whether text is in the confirmation vocabulary,
// ignoring case, surrounding space and trailing punctuation.
func IsConfirmWord(text string) bool {
	w := strings.ToLower(strings.TrimSpace(text))
	w = strings.TrimRightFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	return confirmWords[w]
}

func digit(s string) (int, bool) {
	if len(s) != 1 || s[0] < '1' || s[0] > '9' {
		return 0, false
	}
	return int(s[0] - '0'), true
}

func parseSlash(text string) Intent {
	rest := strings.TrimSpace(strings.TrimPrefix(text, slashPrefix))
	verb, args, _ := strings.Cut(rest, " ")
	args = strings.TrimSpace(args)
	in := Intent{Text: text, Slash: true, Verb: verb}

	switch verb {
	case "confirm":
		in.Kind = KindConfirm
		for _, tok := range strings.Fields(args) {
			switch {
			case tok == "all":
				in.All = true
			case strings.HasPrefix(tok, "step:") && len(tok) > len("step:"):
				in.StepIDs = append(in.StepIDs, strings.TrimPrefix(tok, "step:"))
			default:
				return unknown(in, fmt.Sprintf("unexpected argument %q, use step:<id> or all", tok))
			}
		}
	case "retry":
		in.Kind = KindRetry
		fields := strings.Fields(args)
		if len(fields) != 1 || !strings.HasPrefix(fields[0], "step:") || fields[0] == "step:" {
			return unknown(in, "usage: /plan retry step:<id>")
		}
		in.StepID = strings.TrimPrefix(fields[0], "step:")
	case "dryrun":
		in.Kind = KindDryRun
	case "cancel":
		in.Kind = KindCancel
	case "edit":
		in.Kind = KindEdit
		in.Values = Assignments(args)
		if args != "" && len(in.Values) == 0 {
			return unknown(in, "usage: /plan edit field=value ...")
		}
	default:
		if verb == "" {
			return unknown(in, "missing verb")
		}
		return unknown(in, fmt.Sprintf("unknown verb %q", verb))
	}
	return in
}

func unknown(in Intent, reason string) Intent {
	in.Kind = KindUnknown
	in.Reason = reason
	return in
}

func unquote(m []string) string {
	switch {
	case strings.HasPrefix(m[2], `"`):
		return m[3]
	case strings.HasPrefix(m[2], `'`):
		return m[4]
	}
	return m[2]
}

// Assignments extracts field=value pairs from free text.
func Assignments(text string) map[string]string {
	out := map[string]string{}
	for _, m := range assignmentRe.FindAllStringSubmatch(text, -1) {
		out[m[1]] = unquote(m)
	}
	return out
}
