package nixstore

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestIsStorePath(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhpvn3dpff-hello-2.12.1", true},
		{"/nix/store/00000000000000000000000000000000-x", true},
		{"/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhpvn3dpff-", false}, // empty name
		{"/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhpvn3dpfe-hello", false}, // 'e' not in base32 alphabet
		{"/nix/store/tooshort-hello", false},
		{"/var/store/b6gvzjyb2pg0kjfwrjmg1vfhpvn3dpff-hello", false},
		{"/nix/store/B6GVZJYB2PG0KJFWRJMG1VFHPVN3DPFF-hello", false}, // uppercase
		{"", false},
		{"hello-2.12.1", false},
	}
	for _, tc := range cases {
		if got := IsStorePath(tc.path); got != tc.want {
			t.Errorf("IsStorePath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

// genNixBase32Hash generates a valid 32 character Nix base32 hash.
func genNixBase32Hash() gopter.Gen {
	const alphabet = "0123456789abcdfghijklmnpqrsvwxyz"
	return gen.SliceOfN(32, gen.IntRange(0, len(alphabet)-1)).Map(func(indices []int) string {
		var b strings.Builder
		for _, i := range indices {
			b.WriteByte(alphabet[i])
		}
		return b.String()
	})
}

func TestIsStorePath_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("well-formed paths are accepted", prop.ForAll(
		func(hash, name string) bool {
			return IsStorePath("/nix/store/" + hash + "-" + name)
		},
		genNixBase32Hash(),
		gen.Identifier(),
	))

	properties.Property("hashes containing e o t u are rejected", prop.ForAll(
		func(hash string, pos int, bad int8) bool {
			letters := []byte{'e', 'o', 't', 'u'}
			mutated := []byte(hash)
			mutated[pos%32] = letters[int(bad)%len(letters)]
			return !IsStorePath("/nix/store/" + string(mutated) + "-x")
		},
		genNixBase32Hash(),
		gen.IntRange(0, 31),
		gen.Int8Range(0, 3),
	))

	properties.TestingRun(t)
}
