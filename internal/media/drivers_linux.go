//go:build linux

package media

// Camera and microphone capture require platform drivers (V4L2 + malgo);
// they are linked on Linux only. Elsewhere Acquire fails and the call
// core's capture-denied path applies.
import (
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)
