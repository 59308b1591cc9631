// Package healing owns healing sessions: one per problem identity, driven
// through reasoning, sandbox validation, deployment and verification under
// the constraint manager's safety envelope.
//
// The Engine correlates normalized events into sessions and advances one
// session one state at a time under that session's lock. Collaborators
// (reasoner, sandbox, deployer, store, notifier, memory) are interfaces;
// every collaborator failure becomes a recorded failed attempt or a
// terminal state, never a panic or a lost session. Terminal sessions are
// archived as Reports and leave the live registry, so a recurrence of the
// same problem opens a fresh session.
//
// The Scheduler runs Drive for many sessions concurrently and wakes
// sessions whose cooldown has passed.
package healing
