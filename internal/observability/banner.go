package observability

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	ansiReset   = "\033[0m"
	ansiPurple  = "\033[35m"
	ansiCyan    = "\033[96m"
	ansiMagenta = "\033[95m"
)

// Screen rows: logo above statusRow, logs scroll from scrollTop down.
const (
	statusRow = 10
	scrollTop = 12
)

const logo = `
   ______            __  _
  / ____/___ _____  / /_(_)__  ________
 / /   / __ ` + "`" + `/ __ \/ __/ / _ \/ ___/ _ \
/ /___/ /_/ / / / / /_/ /  __/ /  /  __/
\____/\__,_/_/ /_/\__/_/\___/_/   \___/

        >> PLAN . CONFIRM . BUILD <<
`

var spinner = []string{"◜", "◝", "◞", "◟"}

// Dashboard owns the terminal while serving: a logo, a pinned status
// line and a scrolling log region below it. All writes share one mutex
// so a log line never lands inside the status line's cursor dance.
type Dashboard struct {
	mu     sync.Mutex
	out    io.Writer
	status *Status
	frame  int
}

func NewDashboard(status *Status) *Dashboard {
	return &Dashboard{out: os.Stdout, status: status}
}

// Open clears the screen, draws the logo and sets the scroll region.
func (d *Dashboard) Open() {
	d.mu.Lock()
	defer d.mu.Unlock()

	fmt.Fprint(d.out, "\033[2J\033[H")
	width := termWidth()
	for _, l := range strings.Split(logo, "\n") {
		pad := (width - len(l)) / 2
		if pad < 0 {
			pad = 0
		}
		fmt.Fprintf(d.out, "%s%s%s%s\n", strings.Repeat(" ", pad), ansiCyan, l, ansiReset)
	}
	fmt.Fprintf(d.out, "\033[%d;r\033[%d;1H", scrollTop, scrollTop)
}

// Close restores the full-screen scroll region.
func (d *Dashboard) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprint(d.out, "\033[r\033[2J\033[H")
}

// Writer returns an io.Writer for log.SetOutput that serialises with Refresh.
func (d *Dashboard) Writer() io.Writer {
	return logWriter{d}
}

type logWriter struct{ d *Dashboard }

func (w logWriter) Write(p []byte) (int, error) {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	return os.Stderr.Write(p)
}

// Refresh redraws the status line in place.
func (d *Dashboard) Refresh() {
	line := StatusLine(d.status, time.Now())

	d.mu.Lock()
	defer d.mu.Unlock()
	if ids, _, _ := d.status.Snapshot(); len(ids) > 0 {
		line += " " + ansiPurple + spinner[d.frame%len(spinner)] + ansiReset
		d.frame++
	}
	fmt.Fprintf(d.out, "\033[s\033[%d;1H\033[K%s\033[u", statusRow, line)
}

// StatusLine renders heartbeat health, active runs, uptime and heap use.
func StatusLine(st *Status, now time.Time) string {
	ids, steps, lastHB := st.Snapshot()

	health, color := "OFFLINE", ansiMagenta
	switch age := now.Sub(lastHB); {
	case age < 40*time.Second:
		health, color = "HEALTHY", ansiCyan
	case age < 90*time.Second:
		health, color = "LAGGING", ansiPurple
	}

	current := "idle"
	if len(ids) > 0 {
		current = fmt.Sprintf("%s:%s", shortID(ids[0]), steps[ids[0]])
		if len(ids) > 1 {
			current += fmt.Sprintf(" +%d", len(ids)-1)
		}
	}
	if len(current) > 25 {
		current = current[:22] + "..."
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return fmt.Sprintf("[%s] %s%-7s%s | %d runs [%s] | up %v | %.1fMB",
		lastHB.Format("15:04:05"),
		color, health, ansiReset,
		len(ids), current,
		st.Uptime(now).Round(time.Second),
		float64(m.Alloc)/1024/1024,
	)
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
