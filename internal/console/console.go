// Package console defines the pluggable console driver used for panics and
// debug logging (spec.md §6). The service has no real firmware underneath
// it in this reimplementation, so both drivers are stubs: serial writes to
// an io.Writer (os.Stdout by default) and vga writes into an in-memory
// framebuffer, but both honor the same Driver contract a real bare-metal
// driver would.
package console

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/privcheck"
)

// Driver is the minimal console contract the boot path needs: open it,
// write bytes to it one at a time, close it (spec.md §6: "a Driver
// interface with Init, Deinit, Putc").
type Driver interface {
	Init() error
	Deinit() error
	Putc(c byte) error
}

// New returns the driver named by name ("serial" or "vga"), as selected by
// the --output CLI flag or the [console] driver= TOML key.
func New(name string) (Driver, error) {
	switch name {
	case "", "serial":
		return &Serial{Out: os.Stdout}, nil
	case "vga":
		return NewVGA(80, 25), nil
	default:
		return nil, errors.Errorf("console: unknown driver %q", name)
	}
}

// Serial is a stub serial console: every Putc byte is written straight
// through to Out.
type Serial struct {
	Out    io.Writer
	opened bool
}

// Init probes for CAP_SYS_RAWIO the way a real serial driver would need it
// to open a raw UART device node; absence is neither fatal nor reported,
// since Out here is never an actual device. Only a failed probe is an error.
func (s *Serial) Init() error {
	if _, err := privcheck.HasEffective(privcheck.CAP_SYS_RAWIO); err != nil {
		return errors.Wrap(err, "console.Serial.Init: capability probe failed")
	}
	if s.Out == nil {
		s.Out = os.Stdout
	}
	s.opened = true
	return nil
}

func (s *Serial) Deinit() error {
	s.opened = false
	return nil
}

func (s *Serial) Putc(c byte) error {
	if !s.opened {
		return errors.New("console.Serial.Putc: not initialized")
	}
	_, err := s.Out.Write([]byte{c})
	return err
}

// VGA is a stub text-mode console: Putc writes into an 80x25-style
// framebuffer instead of a real memory-mapped device, with a trivial
// cursor/scroll model so Dump has something legible to return.
type VGA struct {
	cols, rows int
	buf        []byte
	col, row   int
	opened     bool
}

// NewVGA returns an unopened VGA driver with a cols x rows framebuffer.
func NewVGA(cols, rows int) *VGA {
	return &VGA{cols: cols, rows: rows, buf: make([]byte, cols*rows)}
}

func (v *VGA) Init() error {
	if _, err := privcheck.HasEffective(privcheck.CAP_SYS_RAWIO); err != nil {
		return errors.Wrap(err, "console.VGA.Init: capability probe failed")
	}
	for i := range v.buf {
		v.buf[i] = ' '
	}
	v.col, v.row = 0, 0
	v.opened = true
	return nil
}

func (v *VGA) Deinit() error {
	v.opened = false
	return nil
}

func (v *VGA) Putc(c byte) error {
	if !v.opened {
		return errors.New("console.VGA.Putc: not initialized")
	}
	if v.row >= v.rows {
		v.scroll()
		v.row = v.rows - 1
	}
	if c == '\n' {
		v.col = 0
		v.row++
		return nil
	}
	v.buf[v.row*v.cols+v.col] = c
	v.col++
	if v.col >= v.cols {
		v.col = 0
		v.row++
	}
	return nil
}

func (v *VGA) scroll() {
	copy(v.buf, v.buf[v.cols:])
	blank := v.buf[len(v.buf)-v.cols:]
	for i := range blank {
		blank[i] = ' '
	}
}

// Dump returns the current framebuffer contents, one line per row, for
// tests and debug tooling.
func (v *VGA) Dump() []string {
	lines := make([]string, v.rows)
	for r := 0; r < v.rows; r++ {
		lines[r] = string(v.buf[r*v.cols : (r+1)*v.cols])
	}
	return lines
}
