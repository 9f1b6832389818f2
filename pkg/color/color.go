// Package color provides terminal color output for agentlock.
// It respects the NO_COLOR environment variable (https://no-color.org/)
// and stays off when stdout is not a terminal.
package color

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-isatty"

	"github.com/jvs-project/agentlock/pkg/model"
)

var state struct {
	once       sync.Once
	enabled    atomic.Bool
	overridden atomic.Bool
}

// Init initializes the color system based on environment and flags.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		if state.overridden.Load() {
			return
		}
		disabled := noColorFlag
		if _, exists := os.LookupEnv("NO_COLOR"); exists {
			disabled = true
		}
		if os.Getenv("TERM") == "dumb" {
			disabled = true
		}
		if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			disabled = true
		}
		state.enabled.Store(!disabled)
	})
}

// Enabled returns true if color output is enabled.
func Enabled() bool {
	Init(false)
	return state.enabled.Load()
}

// Disable turns off color output.
func Disable() {
	state.overridden.Store(true)
	state.enabled.Store(false)
}

// Enable turns on color output.
func Enable() {
	state.overridden.Store(true)
	state.enabled.Store(true)
}

// ANSI color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	DimCode = "\033[2m"

	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Gray   = "\033[90m"
)

type colorFunc func(string) string

func makeColorFunc(codes ...string) colorFunc {
	return func(s string) string {
		if !Enabled() {
			return s
		}
		return strings.Join(codes, "") + s + Reset
	}
}

var (
	Redf    = makeColorFunc(Red)
	Greenf  = makeColorFunc(Green)
	Yellowf = makeColorFunc(Yellow)
	Bluef   = makeColorFunc(Blue)
	Cyanf   = makeColorFunc(Cyan)
	Grayf   = makeColorFunc(Gray)
	Boldf   = makeColorFunc(Bold)
	Dimf    = makeColorFunc(DimCode)
)

// Success formats a success message in green.
func Success(s string) string { return Greenf(s) }

// Successf formats a success message with printf-style arguments.
func Successf(format string, args ...any) string { return Greenf(fmt.Sprintf(format, args...)) }

// Error formats an error message in red.
func Error(s string) string { return Redf(s) }

// Warning formats a warning message in yellow.
func Warning(s string) string { return Yellowf(s) }

// Warningf formats a warning message with printf-style arguments.
func Warningf(format string, args ...any) string { return Yellowf(fmt.Sprintf(format, args...)) }

// Header formats a header in bold.
func Header(s string) string { return Boldf(s) }

// Dim formats secondary information.
func Dim(s string) string { return Dimf(s) }

// Code formats a command the user can run.
func Code(s string) string { return Boldf(s) }

// LockName formats a lock or claim key in cyan.
func LockName(s string) string { return Cyanf(s) }

// Tier colors a tier by how close it is to reclamation.
func Tier(t model.Tier) string {
	switch t {
	case model.TierActive:
		return Greenf(string(t))
	case model.TierIdle:
		return Bluef(string(t))
	case model.TierStale:
		return Yellowf(string(t))
	case model.TierAbandoned:
		return Redf(string(t))
	default:
		return string(t)
	}
}
