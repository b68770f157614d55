package cui

import (
	"fmt"
	"strings"

	"github.com/malivvan/bthps3/settings"
)

// Panel is the view state of the settings screen. It holds a working copy
// of every option; nothing is written until Save.
type Panel struct {
	Values  []settings.Value
	Cursor  int
	Message string

	dirty map[string]bool
}

// NewPanel starts a panel on a snapshot taken by settings.Settings.
func NewPanel(values []settings.Value) *Panel {
	return &Panel{Values: values, dirty: make(map[string]bool)}
}

func (p *Panel) Up() {
	if p.Cursor > 0 {
		p.Cursor--
	}
}

func (p *Panel) Down() {
	if p.Cursor < len(p.Values)-1 {
		p.Cursor++
	}
}

func (p *Panel) current() *settings.Value {
	if len(p.Values) == 0 {
		return nil
	}
	return &p.Values[p.Cursor]
}

func (p *Panel) update(v settings.Value) {
	cur := p.current()
	if cur.Raw == v.Raw {
		return
	}
	*cur = v
	p.dirty[v.Name] = true
	p.Message = ""
}

// Toggle flips the selected boolean option.
func (p *Panel) Toggle() {
	if cur := p.current(); cur != nil && cur.Kind == settings.Bool {
		p.update(settings.Negate(*cur))
	}
}

// Adjust adds delta to the selected unsigned option, saturating at zero.
func (p *Panel) Adjust(delta int) {
	cur := p.current()
	if cur == nil || cur.Kind != settings.Uint {
		return
	}
	v := *cur
	n := int64(v.Raw) + int64(delta)
	switch {
	case n < 0:
		n = 0
	case n > int64(^uint32(0)):
		n = int64(^uint32(0))
	}
	v.Raw = uint32(n)
	p.update(v)
}

// Reset restores the selected option to its default.
func (p *Panel) Reset() {
	if cur := p.current(); cur != nil {
		v := *cur
		v.Raw = v.Default
		p.update(v)
	}
}

func (p *Panel) Dirty() bool { return len(p.dirty) > 0 }

// Save writes the changed options and keeps the ones that failed dirty.
func (p *Panel) Save(s settings.Settings) error {
	var failed []string
	var first error
	for _, v := range p.Values {
		if !p.dirty[v.Name] {
			continue
		}
		if err := s.Set(v); err != nil {
			failed = append(failed, v.Name)
			if first == nil {
				first = err
			}
			continue
		}
		delete(p.dirty, v.Name)
	}
	if first != nil {
		p.Message = fmt.Sprintf("saving %s failed: %v", strings.Join(failed, ", "), first)
		return first
	}
	p.Message = "saved"
	return nil
}

// Render draws the option list, one line per option.
func (p *Panel) Render() string {
	width := 0
	for _, v := range p.Values {
		width = max(width, len(v.Name))
	}
	var b strings.Builder
	for i, v := range p.Values {
		marker := "  "
		if i == p.Cursor {
			marker = "> "
		}
		flag := " "
		if p.dirty[v.Name] {
			flag = "*"
		}
		def := ""
		if v.IsDefault() {
			def = " (default)"
		}
		fmt.Fprintf(&b, "%s%s %-*s  %-6s%s\n", marker, flag, width, v.Name, v, def)
	}
	if cur := p.current(); cur != nil {
		fmt.Fprintf(&b, "\n%s\n", cur.Help)
	}
	return b.String()
}
