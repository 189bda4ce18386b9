package devices

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/KevinKickass/FieldPoller/internal/modbus"
	"github.com/KevinKickass/FieldPoller/internal/types"
)

// Reporter writes one diagnostic block per window read. Blocks of different
// devices never interleave: every block is built first and written under a
// single lock.
type Reporter struct {
	mu  sync.Mutex
	out io.Writer
}

func NewReporter(out io.Writer) *Reporter {
	if out == nil {
		out = os.Stdout
	}
	return &Reporter{out: out}
}

type reportRow struct {
	Register types.RegisterDefinition
	Raw      []uint16
	Value    float64
	Err      error
}

func (r *Reporter) WriteWindow(device types.Device, settings *ProtocolSettings, window modbus.ReadWindow, rows []reportRow) {
	if r == nil {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "---- %s (%s) %s unit=%d order=%s\n",
		device.Name, device.ID, settings.Address(), settings.UnitID, settings.ByteOrder)
	fmt.Fprintf(&b, "window start=%d count=%d registers=%d\n", window.Start, window.Count, len(window.Registers))

	included := make([]string, 0, len(window.Registers))
	for _, pr := range window.Registers {
		included = append(included, fmt.Sprintf("%d->%d(%s/%d)",
			pr.Register.Address, pr.ProtocolAddress, pr.Register.DataType.Normalize(), pr.Words))
	}
	fmt.Fprintf(&b, "included: %s\n", strings.Join(included, " "))

	fmt.Fprintf(&b, "%-8s %-20s %-16s %14s %s\n", "ADDR", "SIGNAL", "RAW", "VALUE", "UNIT")
	for _, row := range rows {
		raw := make([]string, 0, len(row.Raw))
		for _, w := range row.Raw {
			raw = append(raw, fmt.Sprintf("%04X", w))
		}
		if row.Err != nil {
			fmt.Fprintf(&b, "%-8d %-20s %-16s %14s %s\n",
				row.Register.Address, row.Register.SignalLabel(), strings.Join(raw, " "), "ERR", row.Err)
			continue
		}
		fmt.Fprintf(&b, "%-8d %-20s %-16s %14.4f %s\n",
			row.Register.Address, row.Register.SignalLabel(), strings.Join(raw, " "), row.Value, row.Register.Unit)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	io.WriteString(r.out, b.String())
}
