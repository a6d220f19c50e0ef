// Package logx configures offload's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File and JSON output structured
//   - Levels and sinks hot-reloadable through Service.Apply
package logx
