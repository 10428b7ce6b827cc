package process

import "strings"

// ParseLevel extracts a log level from a child output line. It recognizes a
// leading bracketed level ("[error] msg", "[WARN] msg") and a leading bare
// level followed by a colon or space ("ERROR: msg", "INFO msg"). The level
// is stripped from the message. Lines without a level are info.
func ParseLevel(line string) (level, msg string) {
	if len(line) >= 3 && line[0] == '[' {
		if end := strings.Index(line, "] "); end != -1 {
			if lvl, ok := normalizeLevel(line[1:end]); ok {
				return lvl, line[end+2:]
			}
		}
		return "info", line
	}

	end := strings.IndexAny(line, ": ")
	if end <= 0 {
		return "info", line
	}
	lvl, ok := normalizeLevel(line[:end])
	if !ok {
		return "info", line
	}
	return lvl, strings.TrimLeft(line[end:], ": ")
}

func normalizeLevel(s string) (string, bool) {
	switch strings.ToLower(s) {
	case "fatal", "panic", "critical", "crit":
		return "fatal", true
	case "error", "err":
		return "error", true
	case "warning", "warn":
		return "warning", true
	case "info", "notice":
		return "info", true
	case "debug", "trace", "verbose":
		return "debug", true
	}
	return "", false
}
