package inputs

import (
	"fmt"
	"regexp"
	"strings"
)

// JobSpecifier addresses a job of some jobset, optionally restricted by
// attribute filters on the matched build.
type JobSpecifier struct {
	Project string
	Jobset  string
	Job     string
	Filter  map[string]string
}

// jobSpecRE matches `[project:]jobset:job[ [attr="val", ...]]`. Job names may
// contain dots for attribute paths.
var jobSpecRE = regexp.MustCompile(`^(?:([A-Za-z_][A-Za-z0-9-_]*):)?([A-Za-z_][A-Za-z0-9-_.]*):([A-Za-z_][A-Za-z0-9-_.]*)\s*(\[.*\])?$`)

// attrRE matches one `name="value"` filter inside the bracket list.
var attrRE = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*=\s*"([^"]*)"`)

// ParseJobSpecifier parses a job specifier, defaulting the project to
// defaultProject when the specifier omits it.
func ParseJobSpecifier(spec, defaultProject string) (*JobSpecifier, error) {
	m := jobSpecRE.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return nil, &ConfigError{Message: fmt.Sprintf("malformed job specifier %q", spec)}
	}

	js := &JobSpecifier{
		Project: m[1],
		Jobset:  m[2],
		Job:     m[3],
	}
	if js.Project == "" {
		js.Project = defaultProject
	}

	if m[4] != "" {
		attrs := strings.TrimSuffix(strings.TrimPrefix(m[4], "["), "]")
		js.Filter = make(map[string]string)
		rest := attrs
		for _, am := range attrRE.FindAllStringSubmatch(attrs, -1) {
			js.Filter[am[1]] = am[2]
			rest = strings.Replace(rest, am[0], "", 1)
		}
		// Anything left over besides separators means the filter list was
		// not well formed.
		if strings.Trim(rest, ", \t") != "" {
			return nil, &ConfigError{Message: fmt.Sprintf("malformed attribute filter in job specifier %q", spec)}
		}
	}

	return js, nil
}
