// Package logx is the structured logging layer of the quiz bot.
//
// logx.Logger wraps zerolog and renders:
//   - console lines with a short timestamp and file:line caller
//   - JSON lines when a log file is configured
//   - warnings and errors to a Telegram log chat (min-level + rate limited)
package logx
