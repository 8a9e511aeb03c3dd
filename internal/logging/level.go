package logging

import (
	"errors"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

// Logging level. Higher values indicate more verbosity.
type Level int

const (
	Error Level = iota - 2
	Warn
	Info
	Debug

	// Numeric trace levels go up to 9.
	MaxLevel Level = 9
)

// Default level, overridable through the environment.
var defaultLevel = Info

func parseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "E", "ERROR":
		return Error, nil
	case "W", "WARN":
		return Warn, nil
	case "I", "INFO":
		return Info, nil
	case "D", "DEBUG":
		return Debug, nil
	case "T", "TRACE":
		return MaxLevel, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid logging level: " + s)
	}
	if Level(n) < Error || Level(n) > MaxLevel {
		return 0, errors.New("numeric level out of range: " + s)
	}
	return Level(n), nil
}

func (l Level) String() string {
	switch l {
	case Error:
		return "Error"
	case Warn:
		return "Warn"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return strconv.Itoa(int(l))
	}
}

func (l Level) letter() byte {
	if l <= Debug {
		return "EWID"[l-Error]
	}
	return byte('0' + l)
}

var levelColors = map[Level]*color.Color{
	Error: color.New(color.FgRed, color.Bold),
	Warn:  color.New(color.FgRed),
	Info:  color.New(color.Reset),
	Debug: color.New(color.FgGreen),
}

var traceColor = color.New(color.FgYellow)

func (l Level) color() *color.Color {
	if c, ok := levelColors[l]; ok {
		return c
	}
	return traceColor
}
