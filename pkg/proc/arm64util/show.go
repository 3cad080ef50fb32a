package arm64util

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// WriteState prints the slots of s as a table. Disabled slots with no
// references are skipped unless all is set.
func WriteState(w io.Writer, s *DebugRegState, all bool) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Slot", "Addr", "Orig", "Ctrl", "Type", "Len", "Refs"})
	table.SetAutoFormatHeaders(false)
	for i := 0; i < s.NumBp; i++ {
		if !all && s.BpRefCount[i] == 0 && s.BpCtrl[i] == 0 {
			continue
		}
		table.Append([]string{
			fmt.Sprintf("BP%d", i),
			fmt.Sprintf("%#x", s.BpAddr[i]),
			"",
			fmt.Sprintf("0x%08x", s.BpCtrl[i]),
			ctrlTypeName(s.BpCtrl[i], true),
			fmt.Sprint(WatchpointLength(s.BpCtrl[i])),
			fmt.Sprint(s.BpRefCount[i]),
		})
	}
	for i := 0; i < s.NumWp; i++ {
		if !all && s.WpRefCount[i] == 0 && s.WpCtrl[i] == 0 {
			continue
		}
		table.Append([]string{
			fmt.Sprintf("WP%d", i),
			fmt.Sprintf("%#x", s.WpAddr[i]),
			fmt.Sprintf("%#x", s.WpAddrOrig[i]),
			fmt.Sprintf("0x%08x", s.WpCtrl[i]),
			ctrlTypeName(s.WpCtrl[i], false),
			fmt.Sprint(WatchpointLength(s.WpCtrl[i])),
			fmt.Sprint(s.WpRefCount[i]),
		})
	}
	table.Render()
}

// ShowState returns the mirror dump logged when debug register logging
// is enabled.
func ShowState(s *DebugRegState, fn string, addr uint64, length int, typ PointType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: addr=%#x, len=%d, type=%s\n", fn, addr, length, typ)
	WriteState(&b, s, false)
	return b.String()
}

func ctrlTypeName(ctrl uint32, bp bool) string {
	if !ctrlEnabled(ctrl) {
		return "disabled"
	}
	if bp {
		return HWExecute.String()
	}
	switch ctrlTypeBits(ctrl) {
	case 1:
		return HWRead.String()
	case 2:
		return HWWrite.String()
	case 3:
		return HWAccess.String()
	}
	return "?"
}
