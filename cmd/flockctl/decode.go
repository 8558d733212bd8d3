package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/transport"
	"github.com/spf13/cobra"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode [hex...]",
	Short: "Decode captured protocol bytes offline",
	Long: `Feeds hex-encoded bytes through the same reassembler and decoder the
transports use and prints every message found. Arguments are concatenated, so
a frame may be split across them. Separators (spaces, colons, dashes) are
ignored. With no arguments, hex is read from stdin.

Examples:
  flockctl decode 01 03 08 00 00 E1 F5 11 00 19 48 37
  flockctl decode 01000000 -o json
  xxd -p capture.bin | flockctl decode`,
	RunE: runDecode,
}

func runDecode(cmd *cobra.Command, args []string) error {
	logger, cfg, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	input := strings.Join(args, "")
	if len(args) == 0 {
		if cmd.InOrStdin() == io.Reader(os.Stdin) && !stdinIsPiped() {
			return fmt.Errorf("no input: pass hex bytes as arguments or pipe them on stdin")
		}
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		input = string(data)
	}
	raw, err := parseHex(input)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	var printErr error
	rx := transport.NewReceiver(logger)
	rx.SetHandler(func(msg protocol.Message) {
		if printErr != nil {
			return
		}
		if wantJSON(cfg) {
			printErr = printJSONLine(out, decodedMessage{Type: msg.Type().String(), Message: msg})
			return
		}
		fmt.Fprintf(out, "%s %+v\n", msg.Type(), msg)
	})
	rx.Feed(raw)
	if printErr != nil {
		return printErr
	}

	st := rx.Stats()
	fmt.Fprintf(cmd.ErrOrStderr(), "%d frame(s), %d decode error(s), %d record(s) skipped", st.Frames, st.DecodeErrors, st.RecordsSkipped)
	if n := rx.Buffered(); n > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), ", %d trailing byte(s) incomplete", n)
	}
	fmt.Fprintln(cmd.ErrOrStderr())
	return nil
}

type decodedMessage struct {
	Type    string           `json:"type"`
	Message protocol.Message `json:"message"`
}

// parseHex accepts hex with arbitrary separators.
func parseHex(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':', '-', ',':
			return -1
		}
		return r
	}, s)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return data, nil
}

// stdinIsPiped reports whether stdin is redirected rather than a terminal.
func stdinIsPiped() bool {
	info, err := os.Stdin.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice == 0
}
