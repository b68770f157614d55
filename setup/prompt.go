package setup

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Choice answers a failed radio restart.
type Choice int

const (
	Abort Choice = iota
	Retry
	Ignore
)

func (c Choice) String() string {
	switch c {
	case Retry:
		return "retry"
	case Ignore:
		return "ignore"
	}
	return "abort"
}

// Notice is a message shown once at the end of a successful install.
type Notice int

const (
	NoticeRebootRequired Notice = iota
	NoticeLegacyComplete
)

var noticeText = map[Notice]string{
	NoticeRebootRequired: "A reboot is required to finish the driver installation.",
	NoticeLegacyComplete: "The drivers have been installed. Reboot the machine to load the new Bluetooth stack.",
}

func (n Notice) String() string { return noticeText[n] }

// Prompter mediates the user decisions of an install.
type Prompter interface {
	RestartFailed(err error) Choice
	Notify(n Notice)
}

// Fixed answers every restart failure with Choice and writes notices to Out.
type Fixed struct {
	Choice Choice
	Out    io.Writer // nil discards notices
}

func (f Fixed) RestartFailed(error) Choice { return f.Choice }

func (f Fixed) Notify(n Notice) {
	if f.Out != nil {
		fmt.Fprintln(f.Out, n)
	}
}

// Console asks on Out and reads answers from In. End of input aborts.
type Console struct {
	In  io.Reader
	Out io.Writer

	r *bufio.Reader
}

func (c *Console) RestartFailed(err error) Choice {
	if c.r == nil {
		c.r = bufio.NewReader(c.In)
	}
	fmt.Fprintf(c.Out, "The Bluetooth radio did not come back online: %v\n", err)
	for {
		fmt.Fprint(c.Out, "[a]bort, [r]etry or [i]gnore? ")
		line, err := c.r.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a", "abort":
			return Abort
		case "r", "retry":
			return Retry
		case "i", "ignore":
			return Ignore
		}
		if err != nil {
			fmt.Fprintln(c.Out)
			return Abort
		}
	}
}

func (c *Console) Notify(n Notice) { fmt.Fprintln(c.Out, n) }
