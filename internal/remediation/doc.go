// Package remediation defines the fix proposals healingd validates and
// deploys, and a memory of past remediations that is searched for hints
// before asking the reasoner for a new fix.
//
// A Proposal is produced by a reasoner, checked once with Validate, and then
// treated as immutable. Rank filters a reasoner's candidates by confidence
// and keeps the best few:
//
//	ranked := remediation.Rank(candidates, 0.7, 3)
//	if len(ranked) == 0 {
//	    // no usable proposal
//	}
//
// Memory indexes the final proposal of every archived session in an
// embedded chromem-go collection keyed by session identity. Search returns
// the most similar past problems together with what was tried and how it
// ended, so that failed fixes are not proposed again.
package remediation
