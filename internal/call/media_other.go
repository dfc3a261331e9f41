//go:build !linux || !cgo

package call

import (
	"fmt"
	"log"
)

// Camera/mic capture via pion/mediadevices requires platform drivers (V4L2
// and malgo on Linux); on other platforms calls proceed receive-only where
// the kind permits it.
func acquireTracks(kind Kind) (TrackSet, error) {
	if !recvOnlyAllowed(kind) {
		return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrDeviceUnavailable)
	}
	log.Printf("CALL: no capture drivers on this platform — %s call is receive-only", kind)
	return recvOnlySet{}, nil
}
