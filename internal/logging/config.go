package logging

import (
	"fmt"
	"os"
	"strings"
)

// Comma-separated "tag=level" directives. A bare level sets the default.
const envVar = "CAMSTREAM_LOG"

type tagLevel struct {
	tag   string
	level Level
}

var tagLevels []tagLevel

func init() {
	configure(os.Getenv(envVar))
	DefaultLogger.Level = defaultLevel
}

func configure(directives string) {
	tagLevels = nil
	for _, d := range strings.Split(directives, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		v := strings.SplitN(d, "=", 2)
		level, err := parseLevel(v[len(v)-1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid %s directive '%s': %s\n", envVar, d, err)
			continue
		}
		if len(v) == 1 {
			defaultLevel = level
		} else {
			tagLevels = append(tagLevels, tagLevel{v[0], level})
		}
	}
}

func determineLevel(tag string, fallback Level) Level {
	for _, e := range tagLevels {
		if e.tag == tag {
			return e.level
		}
	}
	return fallback
}
