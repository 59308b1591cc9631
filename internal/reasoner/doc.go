// Package reasoner asks a language model for remediation proposals.
//
// Two providers are supported: any OpenAI-compatible chat completion API
// and a local Ollama server. Both share the prompt and the response parser
// in this package, rate limit their calls and pick the best proposal the
// model returned. A model that explicitly declines to propose a fix, or
// whose proposals all fall below the confidence floor, yields ErrNoProposal.
package reasoner
