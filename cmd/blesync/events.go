package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/srg/blesync/internal/control"
	"github.com/srg/blesync/internal/link"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
)

// stateColor picks the color a connection state is printed in.
func stateColor(s link.ConnectionState) *color.Color {
	switch s {
	case link.Connected:
		return green
	case link.Connecting, link.Disconnecting:
		return yellow
	default:
		return red
	}
}

// batteryColor picks the color a battery level is printed in.
func batteryColor(level int) *color.Color {
	switch {
	case level >= 50:
		return green
	case level >= 20:
		return yellow
	default:
		return red
	}
}

// formatEvent renders ev as one human-readable line, without a timestamp.
func formatEvent(ev control.Event) string {
	switch ev.Type {
	case control.EvtStatusChanged:
		return "Status:  " + stateColor(ev.State).Sprint(ev.State.String())
	case control.EvtPeerNameChanged:
		return "Peer:    " + cyan.Sprint(ev.Name)
	case control.EvtBatteryLevelChanged:
		return "Battery: " + batteryColor(ev.Battery).Sprintf("%d%%", ev.Battery)
	case control.EvtLinkFailed:
		return "Failure: " + red.Sprint(ev.Reason)
	default:
		return ev.String()
	}
}

func printEvent(w io.Writer, ev control.Event) {
	fmt.Fprintf(w, "%s %s\n", time.Now().Format(time.TimeOnly), formatEvent(ev))
}
