// Package logx configures sitepulse's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Runtime reconfiguration (level and sinks) via Service.Apply
package logx
