package plugin

import (
	"strings"
)

// BoolParse parses a boolean plugin argument of the form
// "<name>=on|yes|true|off|no|false", already split into name and value.
// ok is false for any other spelling.
func BoolParse(name, val string) (value, ok bool) {
	switch val {
	case "on", "yes", "true":
		return true, true
	case "off", "no", "false":
		return false, true
	}
	return false, false
}

// SplitArg splits one "name=value" plugin argument. Arguments without '='
// return the whole string as name and an empty value.
func SplitArg(arg string) (name, val string) {
	if i := strings.IndexByte(arg, '='); i >= 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, ""
}
