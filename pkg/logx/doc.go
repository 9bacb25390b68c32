// Package logx is matchsync's logging layer over zerolog.
//
// Components take a Logger value and add their own fields with With. The
// console sink prints short key=value lines with the caller's file:line; the
// optional file sink writes JSON. Service.Apply swaps level and sinks while
// the process runs.
package logx
