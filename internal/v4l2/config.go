// Package v4l2 captures frames from Video4Linux2 devices using memory-mapped
// streaming I/O. Kernel buffers back the stream's buffer pool directly, so
// frames are never copied.
//
// Sources are registered as "v4l2:<device>[,option...]", e.g.
// "v4l2:/dev/video0,hflip". Options are hflip and vflip.
package v4l2

import (
	"strings"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/camstream/internal/logging"
)

var log = logging.DefaultLogger.WithTag("v4l2")

const DefaultDevice = "/dev/video0"

type Config struct {
	Device string // Device path, e.g. /dev/video0

	HFlip bool // Flip video horizontally
	VFlip bool // Flip video vertically
}

// ParseConfig parses the path part of a v4l2 source spec.
func ParseConfig(spec string) (Config, error) {
	parts := strings.Split(spec, ",")
	cfg := Config{Device: parts[0]}
	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}

	for _, opt := range parts[1:] {
		switch opt {
		case "hflip":
			cfg.HFlip = true
		case "vflip":
			cfg.VFlip = true
		case "":
		default:
			return Config{}, errors.Errorf("v4l2: unknown option %q", opt)
		}
	}
	return cfg, nil
}
