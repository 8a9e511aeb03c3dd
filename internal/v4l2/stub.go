//go:build !(linux && (amd64 || arm64))

package v4l2

import (
	errors "golang.org/x/xerrors"

	"github.com/lanikai/camstream/internal/driver"
)

var errUnsupported = errors.New("v4l2: not supported on this platform")

func init() {
	driver.Register("v4l2", func(path string, f driver.Format) (driver.Driver, error) {
		if _, err := ParseConfig(path); err != nil {
			return nil, err
		}
		return nil, errUnsupported
	})
}
