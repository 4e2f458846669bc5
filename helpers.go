package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

func parseUint(s, what string) (uint, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return uint(v), nil
}

func parsePID(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return v, nil
}

// parseOptions turns repeated key=value flags into a map.
func parseOptions(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	options := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("option %q is not key=value", pair)
		}
		options[key] = value
	}
	return options, nil
}

// splitFlagArgs splits a pasted argument string such as
// `--dir="/srv/my files" --split=4` into flag/value pairs.
func splitFlagArgs(s string) ([][2]string, error) {
	words, err := shellquote.Split(s)
	if err != nil {
		return nil, fmt.Errorf("split arguments: %w", err)
	}
	pairs := make([][2]string, 0, len(words))
	for _, word := range words {
		if !strings.HasPrefix(word, "-") {
			return nil, fmt.Errorf("argument %q does not start with a dash", word)
		}
		flag, value, _ := strings.Cut(word, "=")
		pairs = append(pairs, [2]string{flag, value})
	}
	return pairs, nil
}

func valueOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func formatPercent(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 1, 64) + "%"
}

func formatDuration(d *time.Duration) string {
	if d == nil {
		return "-"
	}
	return d.String()
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
