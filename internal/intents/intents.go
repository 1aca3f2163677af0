// Package intents implements the orchestrator's bracketed-directive scanner
// (spec §4.5 Intent handler): it looks for calls like mode('work') or
// memory_add('text', ['a','b'], 'Career') embedded in a message's content,
// triggers the matching side effect, and strips the directive text out of
// the message before it is sent onward.
package intents

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Flags gates which directive families are honored for this call, mirroring
// the admin-only enrichment gate in spec §4.5 step 2.
type Flags struct {
	Mode   bool
	Memory bool
}

// Effects is implemented by the orchestrator and carries out the side
// effects a directive requests. Implementations must be safe to call with
// attacker-controlled strings; a directive with bad arguments should return
// an error rather than panic, and the scanner treats that as "ignore and
// keep scanning".
type Effects interface {
	SetMode(name string) error
	AddMemory(text string, keywords []string, category string) error
	DeleteMemory(id string) error
	SearchMemory(query string) (string, error)
}

// directivePattern matches one recognized call shape: name(args...).
var directivePattern = regexp.MustCompile(`(?s)\b(mode|memory_add|memory_delete|memory_search)\(([^()]*)\)`)

// argPattern extracts comma-separated, possibly-quoted or bracketed-list
// arguments. It is intentionally permissive: malformed argument lists yield
// fewer matches rather than an error.
var argPattern = regexp.MustCompile(`'([^']*)'|\[([^\]]*)\]`)

// Scan walks content for directive calls, applies side effects via eff for
// every directive whose family is enabled in flags, and returns content with
// every recognized directive call removed. Unknown directive names (the
// regex simply never matches them) are left untouched. A directive whose
// side effect errors is logged and skipped; scanning continues.
func Scan(content string, flags Flags, eff Effects) string {
	if eff == nil {
		return content
	}
	return directivePattern.ReplaceAllStringFunc(content, func(call string) string {
		m := directivePattern.FindStringSubmatch(call)
		if m == nil {
			return call
		}
		name, rawArgs := m[1], m[2]
		if err := dispatch(name, rawArgs, flags, eff); err != nil {
			log.Warn().Str("directive", name).Err(err).Msg("intent directive failed, dropping")
		}
		return ""
	})
}

func dispatch(name, rawArgs string, flags Flags, eff Effects) error {
	args := parseArgs(rawArgs)
	switch name {
	case "mode":
		if !flags.Mode {
			return nil
		}
		if len(args) < 1 {
			return nil
		}
		return eff.SetMode(args[0])
	case "memory_add":
		if !flags.Memory {
			return nil
		}
		if len(args) < 1 {
			return nil
		}
		text := args[0]
		var keywords []string
		if len(args) >= 2 {
			keywords = splitList(args[1])
		}
		category := ""
		if len(args) >= 3 {
			category = args[2]
		}
		return eff.AddMemory(text, keywords, category)
	case "memory_delete":
		if !flags.Memory {
			return nil
		}
		if len(args) < 1 {
			return nil
		}
		return eff.DeleteMemory(args[0])
	case "memory_search":
		if !flags.Memory {
			return nil
		}
		if len(args) < 1 {
			return nil
		}
		_, err := eff.SearchMemory(args[0])
		return err
	default:
		return nil // unrecognized directive, ignored
	}
}

// parseArgs splits a raw argument string into top-level tokens, treating a
// '[...]' list as a single token (further split by splitList when needed).
func parseArgs(raw string) []string {
	matches := argPattern.FindAllStringSubmatch(raw, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if m[1] != "" || strings.TrimSpace(m[0]) == "''" {
			out = append(out, m[1])
		} else {
			out = append(out, m[2])
		}
	}
	return out
}

func splitList(raw string) []string {
	parts := argPattern.FindAllStringSubmatch(raw, -1)
	if len(parts) == 0 {
		// Fall back to naive comma split for unquoted lists.
		var out []string
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	out := make([]string, 0, len(parts))
	for _, m := range parts {
		out = append(out, m[1])
	}
	return out
}
