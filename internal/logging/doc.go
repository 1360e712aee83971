// Package logging provides structured logging for devtrace.
//
// # Overview
//
// Logging wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Output to stderr (stdout carries phase results) and optionally to
//     OpenTelemetry through the otelzap bridge
//   - Automatic context field injection (trace_id, phase, task.id)
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithPhase(ctx, "traceLayout")
//	ctx = logging.WithTaskID(ctx, taskID)
//	logger.Info(ctx, "port forward established", zap.Int("port", 8000))
//
// Output includes automatic correlation:
//
//	{
//	  "ts": "2026-10-19T10:15:30Z",
//	  "level": "info",
//	  "msg": "port forward established",
//	  "phase": "traceLayout",
//	  "task.id": "5b0c...",
//	  "port": 8000
//	}
//
// # Configuration Precedence
//
//  1. Defaults (NewDefaultConfig)
//  2. File (devtrace.yaml / devtrace.toml)
//  3. Environment variables (DEVTRACE_LOGGING_*)
//
// # Testing
//
// Use TestLogger for test assertions:
//
//	tl := logging.NewTestLogger()
//	tl.Warn(ctx, "measurement stderr", zap.String("line", "deprecated flag"))
//	tl.AssertLogged(t, zapcore.WarnLevel, "measurement stderr")
//	tl.AssertField(t, "measurement stderr", "line", "deprecated flag")
//
// Logger is safe for concurrent use.
package logging
