// Package logx is the relay's structured logger, a thin wrapper over zerolog.
//
// Console output is human readable with a short caller, file output is JSON,
// and an optional operator sink forwards warnings and errors to a chat at a
// bounded rate.
package logx
