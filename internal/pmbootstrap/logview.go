package pmbootstrap

import (
	"fmt"
	"os"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// ShowLog renders the decompressed run log (runlog.go) for `pmbootstrap
// status --logs`: a scrollable pager when stdout is a terminal, a plain
// dump otherwise. Grounded on the teacher's RunPager (pager.go),
// stripped down from its multi-tab build-log viewer since pmbootstrap
// has one run log, not one log per package.
func ShowLog(title string, lines []string) error {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}

	_, height, err := term.GetSize(fd)
	if err == nil && len(lines) <= height-2 {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}

	app := tview.NewApplication()
	view := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true)
	view.SetBorder(true).SetTitle(title)

	for _, line := range lines {
		fmt.Fprintln(view, line)
	}
	view.ScrollToEnd()

	view.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc:
			app.Stop()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
		}
		return event
	})

	return app.SetRoot(view, true).Run()
}
