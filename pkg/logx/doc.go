// Package logx provides a small structured logging facade over zerolog.
//
// It exists so components can hold a Logger value that stays live across
// runtime config reloads: Service.Apply() swaps sinks/levels atomically and
// every Logger derived from the Service picks up the change.
package logx
