package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/rashkobg/hexloader/embedded"
	"github.com/rashkobg/hexloader/internal/boot"
	"github.com/rashkobg/hexloader/internal/client"
	"github.com/rashkobg/hexloader/internal/detect"
	"github.com/rashkobg/hexloader/internal/engine"
	"github.com/rashkobg/hexloader/internal/flash"
	"github.com/rashkobg/hexloader/internal/serial"
	"github.com/rashkobg/hexloader/internal/uart"
)

var (
	version = "1.0"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag      string
	baudFlag      int
	stdioFlag     bool
	flashSizeFlag int
	pageSizeFlag  int
	deadmanFlag   time.Duration
	demoFlag      bool
	lineDelayFlag time.Duration
	probeFlag     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hexloader",
		Short: "Serial Intel-HEX bootloader simulator and flashing client",
		Long: `Hexloader is a serial bootloader that accepts an Intel-HEX image over a
UART, writes it into program flash page by page, verifies it against a second
paste of the image and hands control to the flashed application.

The 'run' command attaches a simulated device to a serial port or stdio, so
host flashers can be developed against it exactly as against hardware. The
'send' command is the host side: it streams a hex image through the device's
flash and verify passes.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bootloader device on a serial port or stdio",
		Long: `Run the bootloader device: boot handoff, flash pass, verify pass,
reboot, until control transfers to the application.

The device starts as if its reset line was pulled, which is what drops real
hardware into the bootloader.`,
		RunE: runRun,
	}
	runCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port to attach the device to")
	runCmd.Flags().IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate")
	runCmd.Flags().BoolVar(&stdioFlag, "stdio", false, "Attach the device to stdin/stdout instead of a port")
	runCmd.Flags().IntVar(&flashSizeFlag, "flash-size", flash.DefaultSize, "Flash size in bytes")
	runCmd.Flags().IntVar(&pageSizeFlag, "page-size", flash.DefaultPageSize, "Flash page size in bytes")
	runCmd.Flags().DurationVar(&deadmanFlag, "deadman", 0, "Watchdog deadman timeout once traffic starts (0 disables)")

	sendCmd := &cobra.Command{
		Use:   "send <image.hex>",
		Short: "Flash an Intel-HEX image to a device running the bootloader",
		Long: `Send an Intel-HEX image to a hexloader device: the image is streamed once
for the flash pass and once more for the verify pass, following the device's
progress reports.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runSend,
	}
	sendCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	sendCmd.Flags().IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate")
	sendCmd.Flags().BoolVar(&demoFlag, "demo", false, "Send the built-in 256-byte demo image")
	sendCmd.Flags().DurationVar(&lineDelayFlag, "line-delay", 0, "Pause after each sent line, for slow links")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}
	listCmd.Flags().BoolVar(&probeFlag, "probe", false, "Probe each port for a responding hexloader")
	listCmd.Flags().IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate for probing")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hexloader %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(runCmd, sendCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// stdioWire exposes stdin/stdout as the device's serial wire.
type stdioWire struct{}

func (stdioWire) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioWire) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func runRun(cmd *cobra.Command, args []string) error {
	var wire io.ReadWriter
	switch {
	case stdioFlag:
		wire = stdioWire{}
	case portFlag != "":
		port, err := serial.Open(portFlag, baudFlag)
		if err != nil {
			return err
		}
		defer port.Close()
		wire = port
		fmt.Fprintf(os.Stderr, "device on %s @ %d baud\n", portFlag, baudFlag)
	default:
		return fmt.Errorf("specify --port or --stdio")
	}

	board := boot.NewBoard(boot.WithExternalReset(), boot.WithDeadman(deadmanFlag))
	defer board.Clock.Stop()

	u := uart.New(wire, uart.Config{}, board.WD.Kick)
	board.WD.OnFire(u.Trip)

	dev := flash.NewMem(flashSizeFlag, pageSizeFlag)

	if err := engine.Supervise(u, dev, board, engine.Config{Version: version}); err != nil {
		return err
	}

	programmed := 0
	for _, b := range dev.Bytes() {
		if b != flash.ErasedByte {
			programmed++
		}
	}
	fmt.Fprintf(os.Stderr, "control transferred to application (%d non-erased bytes in flash)\n", programmed)
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	var image []byte
	switch {
	case demoFlag:
		image = embedded.Demo()
		fmt.Println("Image: built-in demo (256-byte ramp)")
	case len(args) == 1:
		var err error
		image, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read image file: %w", err)
		}
		fmt.Printf("Image: %s (%d bytes)\n", args[0], len(image))
	default:
		return fmt.Errorf("provide an image file or --demo")
	}

	lines, err := client.SplitImage(image)
	if err != nil {
		return err
	}
	total := client.Total(lines)

	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.DetectDevice(baudFlag)
		if err != nil {
			return fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found hexloader on %s\n", portName)
	}

	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	fmt.Printf("Port: %s @ %d baud\n", portName, baudFlag)

	// One bar across both passes: flash fills the first half, verify the
	// second.
	bar := progressbar.NewOptions(total*2,
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	sender := client.New(port,
		client.WithLineDelay(lineDelayFlag),
		client.WithProgress(func(p client.Progress) {
			if p.Phase == client.PhaseVerify {
				bar.Describe("Verifying")
				bar.Set(total + p.Bytes)
			} else {
				bar.Set(p.Bytes)
			}
		}),
	)

	if err := sender.Send(context.Background(), image); err != nil {
		fmt.Println()
		return err
	}

	bar.Finish()
	fmt.Printf("\nFlashed and verified %d bytes. Device is running the application.\n", total)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if probeFlag {
			if _, err := detect.DetectOnPort(p, baudFlag); err == nil {
				fmt.Printf("  %s (hexloader)\n", p)
				continue
			}
		}
		fmt.Printf("  %s\n", p)
	}

	return nil
}
