// Package names provides engine.NameGenerator implementations.
//
// WordlistGenerator pairs words from a vocabulary using a PRNG seeded from the
// configured seed and an FNV hash of the domain, so the same domain always
// yields the same sequence and different domains diverge. StarlarkGenerator
// delegates to a user script:
//
//	def candidates(domain, n):
//	    stem = domain.split(".")[0]
//	    return ["%s.%d" % (stem, i) for i in range(n)]
//
// Both generators yield only valid, distinct, lower-case local-parts.
package names
