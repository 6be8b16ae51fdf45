// Package logx is postflow's structured logging wrapper around zerolog.
//
//   - Console output stays human readable (short timestamp, short caller).
//   - The optional file sink is JSON.
//   - warn+ lines can be forwarded to an AlertSender, rate limited.
package logx
