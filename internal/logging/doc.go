// Package logging provides structured zap logging for protocold.
//
// The Logger adds correlation fields from the context to every entry: the
// active span (trace_id, span_id), the protocol instance (protocol.kind,
// session.id), the current phase and the request ID. Output goes to stdout
// or stderr, and optionally to the OpenTelemetry log pipeline through the
// otelzap bridge.
//
// Stderr output matters when protocold serves MCP over stdio, where stdout
// carries the JSON-RPC stream.
//
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//		return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithInstance(ctx, "research", "s1")
//	logger.Info(ctx, "phase transition", zap.String("to", "merge"))
//
// Sensitive keys and value patterns are redacted by the encoder before they
// reach any sink. Errors and above are never sampled.
package logging
