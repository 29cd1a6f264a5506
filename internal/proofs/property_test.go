package proofs

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDigestProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("digest is deterministic", prop.ForAll(
		func(text string) bool {
			a, errA := Sum(text)
			b, errB := Sum(text)
			return errA == nil && errB == nil && a.Equal(b)
		},
		gen.AnyString(),
	))

	properties.Property("distinct texts give distinct digests", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			da, _ := Sum(a)
			db, _ := Sum(b)
			return !da.Equal(db)
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("appending one byte changes the digest", prop.ForAll(
		func(text string) bool {
			a, _ := Sum(text)
			b, _ := Sum(text + "x")
			return !a.Equal(b)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestCanonicalRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	builder := newTestBuilder()

	properties.Property("decode(encode(r)) re-encodes to the same bytes", prop.ForAll(
		func(prompt, output string, keys, values []string) bool {
			if prompt == "" || output == "" {
				return true
			}
			md := Metadata{}
			seen := map[string]bool{}
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] == "" || seen[keys[i]] {
					continue
				}
				seen[keys[i]] = true
				md = append(md, MetadataEntry{Key: keys[i], Value: values[i]})
			}
			rec, err := builder.Build(prompt, output, md)
			if err != nil {
				return false
			}
			encoded := Encode(rec)
			decoded, err := Decode(encoded)
			if err != nil {
				return false
			}
			return string(Encode(decoded)) == string(encoded)
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
