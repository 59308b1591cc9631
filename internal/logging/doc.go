// Package logging provides structured logging with OpenTelemetry integration.
//
// The Logger wraps Zap with context-aware methods. Fields describing the
// healing session being worked on (session key, attempt number, stage) and
// the active trace are pulled from the context automatically:
//
//	ctx = logging.WithSession(ctx, "pi_4f1c...", 2)
//	ctx = logging.WithStage(ctx, "validating")
//	logger.Info(ctx, "sandbox job finished", zap.Bool("pass", true))
//
// produces
//
//	{"level":"info","msg":"sandbox job finished","session.key":"pi_4f1c...",
//	 "session.attempt":2,"session.stage":"validating","pass":true}
//
// Secrets are redacted at three layers: the config.Secret type, field-name
// filtering in the encoder, and value pattern matching in the encoder.
//
// Errors and above are never sampled. Use NewTestLogger in tests to assert
// on emitted entries.
package logging
