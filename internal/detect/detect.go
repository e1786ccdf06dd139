// Package detect finds serial ports with a live hexloader on the other end
// by poking the line reader and watching for the prompt.
package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/rashkobg/hexloader/internal/serial"
)

// Result represents a detected hexloader device.
type Result struct {
	Port string
}

// Markers of hexloader output: the prompt and the banner.
var markers = []string{">: ", "hexloader", "Paste your hex"}

// DetectDevice tries every available port and returns the first one with a
// responding hexloader.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no hexloader device found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no hexloader device found")
}

// DetectOnPort checks a specific port for a responding hexloader.
func DetectOnPort(portName string, baudRate int) (*Result, error) {
	return tryPort(portName, baudRate)
}

func tryPort(portName string, baudRate int) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	port.Drain()

	// ESC cancels the current line without side effects and completes as
	// an empty command, which makes the loader re-display its prompt.
	if _, err := port.Write([]byte{0x1B}); err != nil {
		return nil, fmt.Errorf("probe write failed: %w", err)
	}

	var seen strings.Builder
	buf := make([]byte, 256)
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		n, err := port.ReadWithTimeout(buf, 100*time.Millisecond)
		if n > 0 {
			seen.Write(buf[:n])
			for _, m := range markers {
				if strings.Contains(seen.String(), m) {
					return &Result{Port: portName}, nil
				}
			}
		}
		if err != nil {
			break
		}
	}

	return nil, fmt.Errorf("no hexloader prompt on %s", portName)
}
