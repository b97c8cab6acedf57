// Package logx provides a small structured logging facade over zerolog.
//
// The Service owns the sinks (console, file) and can swap them at runtime
// via Apply(); Loggers handed out by the Service stay live across Apply calls.
package logx
