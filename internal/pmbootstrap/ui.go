package pmbootstrap

import "github.com/gookit/color"

// Colored console helpers, adapted from the teacher's globals.go color set.
// pmbootstrap has no separate structured-logging dependency: like the
// teacher, console feedback is colorized stdout plus the persisted,
// sequence-numbered run log (runlog.go).
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

// step prints a "-> message" line the way every long-running pmbootstrap
// operation narrates its progress.
func step(format string, args ...any) {
	colArrow.Print("-> ")
	colSuccess.Printf(format+"\n", args...)
}

func warnf(format string, args ...any) {
	colArrow.Print("-> ")
	colWarn.Printf(format+"\n", args...)
}
