package scope

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genSegment yields strings matching [a-z][a-z0-9_]*
func genSegment() gopter.Gen {
	return gen.RegexMatch(`[a-z][a-z0-9_]{0,11}`)
}

func TestDomainIsolation_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no grant in one domain satisfies another domain", prop.ForAll(
		func(d1, d2, k1, k2 string, grantWild, reqWild bool) bool {
			if d1 == d2 {
				return true
			}
			granted := "attr." + d1 + "." + k1
			if grantWild {
				granted = "attr." + d1 + ".*"
			}
			requested := "attr." + d2 + "." + k2
			if reqWild {
				requested = "attr." + d2 + ".*"
			}
			return !Satisfies(granted, requested) && !SatisfiesOp(granted, requested, true)
		},
		genSegment(), genSegment(), genSegment(), genSegment(), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestMasterDominance_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("vault.owner satisfies every well formed scope", prop.ForAll(
		func(d, k string, wild bool) bool {
			requested := "attr." + d + "." + k
			if wild {
				requested = "attr." + d + ".*"
			}
			return Satisfies(Master, requested) &&
				Satisfies(Master, d+"."+k) &&
				SatisfiesOp(Master, requested, true)
		},
		genSegment(), genSegment(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestWildcardCoversOwnDomain_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("attr.d.* satisfies every key in d", prop.ForAll(
		func(d, k string) bool {
			return Satisfies("attr."+d+".*", "attr."+d+"."+k)
		},
		genSegment(), genSegment(),
	))

	properties.TestingRun(t)
}

func TestNormalizeIdempotent_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("normalize(normalize(s)) == normalize(s)", prop.ForAll(
		func(s string) bool {
			once := Normalize(s)
			return Normalize(once) == once
		},
		gen.AnyString(),
	))

	properties.Property("normalize preserves already dotted forms", prop.ForAll(
		func(d, k string) bool {
			s := "attr." + d + "." + k
			return Normalize(s) == s
		},
		genSegment(), genSegment(),
	))

	properties.TestingRun(t)
}
