// Package logx is planbot's structured logging layer.
//
// It wraps zerolog so call sites stay terse:
//   - console output is human readable (short timestamp, file:line caller)
//   - file output is JSON, one event per line
//   - levels and sinks can be swapped at runtime through Service.Apply
package logx
