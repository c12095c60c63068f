// Package logx provides structured logging for the bot.
//
// It wraps zerolog behind a small Logger type so call sites stay stable while
// sinks and levels are swapped at runtime via Service.Apply(). The zero Logger
// value is a safe no-op.
package logx
