package driver

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Opener opens a specific source type. The path is the part of the source
// spec after the tag.
type Opener func(path string, f Format) (Driver, error)

// OpenFunc opens a driver for a negotiated format.
type OpenFunc func(f Format) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Opener{}
)

// Register a source type, identified by its tag. Typically called from the
// init function of the package implementing the driver.
func Register(tag string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[tag] = open
}

// Tags lists the registered source types.
func Tags() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var tags []string
	for t := range registry {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Lookup resolves a source spec of the form "tag:path" (the path may be
// empty, e.g. "testsrc:"). A spec without a colon that looks like a device
// node is treated as "v4l2:<spec>".
func Lookup(spec string) (OpenFunc, error) {
	tag, path := splitSpec(spec)

	registryMu.RLock()
	open, found := registry[tag]
	registryMu.RUnlock()

	if !found {
		log.Debug("registered source types: %v", Tags())
		return nil, errors.Wrapf(ErrUnknownSource, "%q", tag)
	}
	return func(f Format) (Driver, error) {
		return open(path, f)
	}, nil
}

func splitSpec(spec string) (tag, path string) {
	if strings.HasPrefix(spec, "/dev/video") {
		return "v4l2", spec
	}
	parts := strings.SplitN(spec, ":", 2)
	tag = parts[0]
	if len(parts) == 2 {
		path = parts[1]
	}
	return
}
