// Package logx wraps zerolog behind a small, service-aware logging API.
//
// Components hold a value-type Logger; the Service can swap sinks and levels
// at runtime (config reload) without components having to re-fetch anything.
package logx
