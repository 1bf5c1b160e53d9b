// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the engine can log through a small, stable API
// while sinks and levels stay reconfigurable at runtime (config hot-reload
// swaps outputs without touching call sites).
package logx
