//go:build !unix

package record

import "errors"

func setBroadcast(uintptr) error {
	return errors.New("udp broadcast is not supported on this platform")
}
