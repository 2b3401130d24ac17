package launch

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/cochaviz/vlab/internal/hub"
	"github.com/cochaviz/vlab/internal/lab"
)

// appendPrefix marks lab.conf keys holding extra kernel parameters.
const appendPrefix = "append"

// Sanitize cleans one lab.conf override value and describes each change
// it made. Whitespace is always removed. Interface values (numeric keys)
// lose underscores, and also commas and dots unless they name a tap
// domain. Sanitize is idempotent.
func Sanitize(key, value string) (string, []string) {
	var changes []string

	if strings.ContainsFunc(value, unicode.IsSpace) {
		value = strings.Join(strings.Fields(value), "")
		changes = append(changes, "contains spaces, these will be removed")
	}
	if !isSlot(key) {
		return value, changes
	}
	if strings.Contains(value, "_") {
		value = strings.ReplaceAll(value, "_", "")
		changes = append(changes, "contains underscores, these will be removed")
	}
	if !hub.IsTap(value) && strings.ContainsAny(value, ",.") {
		value = strings.NewReplacer(",", "", ".", "").Replace(value)
		changes = append(changes, "contains commas or dots, these will be removed")
	}
	return value, changes
}

// TranslateOverrides turns a lab.conf declaration into vhost start
// arguments. Numeric keys become --ethN, keys starting with "append"
// become --append, one-letter keys become short flags and anything else a
// long flag. An empty value yields the flag alone.
func TranslateOverrides(decl lab.Declaration, logger *slog.Logger) []string {
	var args []string
	for _, o := range decl.Overrides {
		value, changes := Sanitize(o.Key, o.Value)
		for _, change := range changes {
			logger.Warn("override argument "+change, "vhost", decl.Name, "key", o.Key)
		}

		switch {
		case isSlot(o.Key):
			args = append(args, "--eth"+o.Key)
		case strings.HasPrefix(o.Key, appendPrefix):
			args = append(args, "--append")
		case len(o.Key) == 1:
			args = append(args, "-"+o.Key)
		default:
			args = append(args, "--"+o.Key)
		}
		if value != "" {
			args = append(args, value)
		}
	}
	return args
}

func isSlot(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
