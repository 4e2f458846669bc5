package catalog

import (
	"regexp"
	"strings"
)

var (
	definitionRe = regexp.MustCompile(`^\s((?P<short>-\S+?)(,\s)?)?(?P<long>--\S+?)(\[?=\S+?\]?)?\s+(?P<description>.+)$`)
	categoryRe   = regexp.MustCompile(`^\s{30}(?P<key>(Possible\sValues)|(Default)|(Tags)):\s(?P<value>.+)`)
	footerRe     = regexp.MustCompile(`^ [^\s-]`)
)

const (
	categoryPossibleValues = "Possible Values"
	categoryDefault        = "Default"
	categoryTags           = "Tags"
)

// Parsed is one option read from help output, before it is stored.
type Parsed struct {
	LongFlag       string
	ShortFlag      string
	Description    string
	PossibleValues string
	Default        string
	Tags           []string
}

// ParseHelp reads option definitions from the lines of a binary's help
// output. A definition line starts a new option; a line indented 30 columns
// naming Possible Values, Default or Tags fills that field of the current
// option; any other non-empty line continues the current description.
// Lines before the first definition are ignored.
func ParseHelp(lines []string) []Parsed {
	var (
		parsed  []Parsed
		current *Parsed
	)

	flush := func() {
		if current != nil {
			parsed = append(parsed, *current)
		}
	}

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if m := definitionRe.FindStringSubmatch(line); m != nil {
			flush()
			current = &Parsed{
				ShortFlag:   m[definitionRe.SubexpIndex("short")],
				LongFlag:    m[definitionRe.SubexpIndex("long")],
				Description: strings.TrimSpace(m[definitionRe.SubexpIndex("description")]),
			}
			continue
		}

		if current == nil {
			continue
		}

		if m := categoryRe.FindStringSubmatch(line); m != nil {
			value := strings.TrimSpace(m[categoryRe.SubexpIndex("value")])
			switch m[categoryRe.SubexpIndex("key")] {
			case categoryTags:
				current.Tags = splitTags(value)
			case categoryPossibleValues:
				current.PossibleValues = strings.ReplaceAll(value, "#", "")
			case categoryDefault:
				current.Default = strings.ReplaceAll(value, "#", "")
			}
			continue
		}

		current.Description = current.Description + " " + strings.TrimSpace(line)
	}
	flush()

	return parsed
}

func splitTags(value string) []string {
	var tags []string
	for _, tag := range strings.Split(value, ", ") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// HelpBody splits raw help output into lines and drops the trailing usage
// notes that follow the option list (the first line indented by a single
// column that is not a definition).
func HelpBody(out string) []string {
	all := strings.Split(out, "\n")
	started := false
	for i, line := range all {
		if definitionRe.MatchString(line) {
			started = true
			continue
		}
		if started && footerRe.MatchString(line) {
			return all[:i]
		}
	}
	return all
}
