// Package logx is reportpulse's structured logging on top of zerolog.
//
// Console output is short and readable, file output is JSON lines, and
// error-level lines can be forwarded to a chat as alerts. Level and sinks
// are swapped at runtime by Service.Apply on config hot reload.
package logx
