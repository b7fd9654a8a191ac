// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the gateway can log through a stable, small API
// while the underlying sinks (console, file, operator alerts) are swapped at
// runtime via Service.Apply() during config hot-reload.
package logx
