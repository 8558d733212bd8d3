package main

import (
	"fmt"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/transport/usb"
	"github.com/spf13/cobra"
)

// portsCmd represents the ports command
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports, scanner first",
	Args:  cobra.NoArgs,
	RunE:  runPorts,
}

// listPorts enumerates serial ports (can be overridden in tests).
var listPorts = usb.ListPorts

func runPorts(cmd *cobra.Command, _ []string) error {
	_, cfg, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ports, err := listPorts()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cfg) {
		return printJSON(out, ports)
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports found")
		return nil
	}
	for _, p := range ports {
		marker := " "
		if p.IsScanner {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, p)
	}
	return nil
}
