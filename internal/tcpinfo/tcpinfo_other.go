//go:build !linux

package tcpinfo

import "errors"

// Get is unavailable outside Linux: the select-backed reactor fallback
// (pkg/reactor's backend_select.go) still relays traffic correctly on
// those platforms, it just can't report kernel-sourced TCP health.
func Get(fd int) (Info, error) {
	return Info{}, errors.New("tcpinfo: TCP_INFO not supported on this platform")
}
