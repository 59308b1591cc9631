// Package constraint evaluates the safety envelope around healing sessions.
//
// A Manager holds one immutable Policy and answers a single question: may a
// session with this history enter this stage now? Evaluation has no side
// effects, so callers can ask as often as they like. The policy can be
// replaced as a whole while sessions are running; an evaluation sees either
// the old or the new policy, never a mix.
package constraint
