package cui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/malivvan/cui"

	"github.com/malivvan/bthps3/settings"
)

const help = "up/down select  space toggle  +/- adjust  d default  s save  q quit"

// Execute runs the settings screen until the user quits.
func Execute(version string, s settings.Settings) error {
	values, err := s.Snapshot()
	if err != nil {
		return err
	}
	panel := NewPanel(values)

	app := cui.NewApplication()

	view := cui.NewFlex()
	header := cui.NewTextView()
	header.SetText("BthPS3 settings " + version)
	header.SetTextAlign(cui.AlignLeft)
	body := cui.NewTextView()
	body.SetTextAlign(cui.AlignLeft)
	footer := cui.NewTextView()
	footer.SetTextAlign(cui.AlignLeft)

	redraw := func() {
		body.SetText(panel.Render())
		status := help
		if panel.Message != "" {
			status = panel.Message + "  |  " + help
		}
		footer.SetText(status)
	}
	redraw()

	app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if !HandleKey(panel, s, ev) {
			app.Stop()
			return nil
		}
		redraw()
		return nil
	})

	view.SetDirection(cui.FlexRow)
	view.AddItem(header, 1, 0, false)
	view.AddItem(body, 0, 1, true)
	view.AddItem(footer, 1, 0, false)
	app.SetRoot(view, true)
	return app.Run()
}

// HandleKey applies ev to the panel and reports whether the screen stays open.
func HandleKey(p *Panel, s settings.Settings, ev *tcell.EventKey) bool {
	switch ev.Key() {
	case tcell.KeyUp:
		p.Up()
	case tcell.KeyDown:
		p.Down()
	case tcell.KeyEnter:
		p.Toggle()
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return false
	case tcell.KeyRune:
		switch ev.Rune() {
		case 'k':
			p.Up()
		case 'j':
			p.Down()
		case ' ':
			p.Toggle()
		case '+':
			p.Adjust(1)
		case '-':
			p.Adjust(-1)
		case 'd':
			p.Reset()
		case 's':
			_ = p.Save(s)
		case 'q':
			return false
		}
	}
	return true
}
