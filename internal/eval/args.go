package eval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/narvanalabs/buildfarm/internal/inputs"
	"github.com/narvanalabs/buildfarm/internal/models"
)

// InputsToArgs converts the resolved input map into the argument list for the
// external evaluator. Argument order is stable (inputs sorted by name) so an
// invocation is reproducible from its log line.
func InputsToArgs(resolved map[string][]models.InputAlternative) ([]string, error) {
	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)

	var args []string
	for _, name := range names {
		alts := resolved[name]
		if len(alts) == 0 {
			// A sysbuild input may legitimately match nothing; the
			// expression simply does not receive the argument.
			continue
		}
		if len(alts) > 1 {
			return nil, &inputs.ConfigError{Message: fmt.Sprintf(
				"input %q has multiple alternatives, which are no longer supported", name)}
		}
		alt := alts[0]

		switch alt.Type {
		case "string":
			args = append(args, "--argstr", name, alt.Value)
		case "boolean", "nix":
			args = append(args, "--arg", name, alt.Value)
		case "eval":
			args = append(args, "--arg", name, jobsAttrSet(alt.Jobs))
		default:
			args = append(args, "--arg", name, buildAttrSet(&alt))
		}
	}

	return args, nil
}

// jobsAttrSet renders an eval-type input as an inline attribute set mapping
// job name to store path.
func jobsAttrSet(jobs map[string]string) string {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("{ ")
	for _, name := range names {
		fmt.Fprintf(&b, "%s = builtins.storePath %s; ", nixString(name), jobs[name])
	}
	b.WriteString("}")
	return b.String()
}

// buildAttrSet renders a build-like input as a content-addressed path
// reference carrying its metadata.
func buildAttrSet(alt *models.InputAlternative) string {
	var b strings.Builder
	b.WriteString("{ ")
	fmt.Fprintf(&b, "outPath = builtins.storePath %s; ", alt.StorePath)
	fmt.Fprintf(&b, "inputType = %s; ", nixString(alt.Type))
	if alt.OutputName != "" {
		fmt.Fprintf(&b, "outputName = %s; ", nixString(alt.OutputName))
	}
	if alt.DrvPath != "" {
		fmt.Fprintf(&b, "drvPath = %s; ", nixString(alt.DrvPath))
	}
	if alt.Version != "" {
		fmt.Fprintf(&b, "version = %s; ", nixString(alt.Version))
	}
	if alt.URI != "" {
		fmt.Fprintf(&b, "uri = %s; ", nixString(alt.URI))
	}
	if alt.Revision != "" {
		fmt.Fprintf(&b, "rev = %s; ", nixString(alt.Revision))
	}
	b.WriteString("}")
	return b.String()
}

// nixString quotes a value as a Nix string literal.
func nixString(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"$", `\$`,
	)
	return `"` + r.Replace(s) + `"`
}
