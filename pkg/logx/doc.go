// Package logx configures tasklet's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Noisy call sites cheap to throttle (Sometimes)
package logx
