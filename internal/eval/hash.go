package eval

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// ContentHash computes the evaluation content hash: a pure function of the
// expression input name, the expression path, and the serialized resolved
// input alternatives. Identical hashes (plus identical flake resolution and
// no forced re-evaluation) make a run a scheduling no-op.
func ContentHash(exprInput, exprPath string, resolved map[string][]models.InputAlternative) string {
	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(exprInput)
	b.WriteByte(0)
	b.WriteString(exprPath)
	b.WriteByte(0)

	for _, name := range names {
		for _, alt := range resolved[name] {
			fmt.Fprintf(&b, "%s\x00%s\x00%s\x00%s\x00%d\x00%d\x00%s\x00%s\x00%s\x00",
				name,
				alt.Type,
				alt.Value,
				alt.StorePath,
				alt.DependencyBuild,
				alt.DependencyEval,
				alt.Version,
				alt.URI,
				alt.Revision,
			)
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
