package transport

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// pollInterval bounds each blocking port read so deadlines are honoured.
	pollInterval = 50 * time.Millisecond
	// postOpenDelay lets the logger's USB-UART settle after DTR toggles.
	postOpenDelay = 100 * time.Millisecond
)

// SerialConfig holds connection settings for a serial-attached logger.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// Serial is a Channel over a local serial port.
type Serial struct {
	Guard

	path    string
	baud    int
	port    serial.Port
	pending []byte
	log     zerolog.Logger
}

// OpenSerial opens the port 8N1 and clears any boot output.
func OpenSerial(cfg SerialConfig, log zerolog.Logger) (*Serial, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial: failed to set timeout: %w", err)
	}

	s := &Serial{
		path: cfg.PortPath,
		baud: cfg.BaudRate,
		port: port,
		log:  log.With().Str("component", "serial").Str("port", cfg.PortPath).Logger(),
	}
	s.log.Info().Int("baud", cfg.BaudRate).Msg("opened")

	time.Sleep(postOpenDelay)
	if err := s.Reset(); err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

func (s *Serial) Write(p []byte) (int, error) {
	n, err := s.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("serial: write %s: %w", s.path, err)
	}
	return n, nil
}

func (s *Serial) ReadLine(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := append([]byte(nil), s.pending[:i+1]...)
			s.pending = s.pending[i+1:]
			return line, nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		n, err := s.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("serial: read %s: %w", s.path, err)
		}
		s.pending = append(s.pending, buf[:n]...)
	}
	line := s.pending
	s.pending = nil
	return line, nil
}

func (s *Serial) ReadFull(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	out := make([]byte, 0, n)
	if len(s.pending) > 0 {
		k := min(n, len(s.pending))
		out = append(out, s.pending[:k]...)
		s.pending = s.pending[k:]
	}
	buf := make([]byte, 4096)
	for len(out) < n && time.Now().Before(deadline) {
		want := min(n-len(out), len(buf))
		got, err := s.port.Read(buf[:want])
		if err != nil {
			return out, fmt.Errorf("serial: read after %d/%d bytes: %w", len(out), n, err)
		}
		out = append(out, buf[:got]...)
	}
	if len(out) < n {
		s.log.Debug().Int("got", len(out)).Int("want", n).Msg("short read")
	}
	return out, nil
}

// Reset flushes both directions and drops any bytes buffered locally.
func (s *Serial) Reset() error {
	s.pending = nil
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("serial: reset input: %w", err)
	}
	if err := s.port.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("serial: reset output: %w", err)
	}
	return nil
}

func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.log.Info().Msg("closed")
	return err
}

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name         string `json:"name"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts enumerates serial ports on this host.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial: enumerate ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

// BestGuess picks a port: the hint if it is still present, else the last
// USB port, else the last port listed. Empty if there are none.
func BestGuess(ports []PortInfo, hint string) string {
	if len(ports) == 0 {
		return ""
	}
	for _, p := range ports {
		if hint != "" && p.Name == hint {
			return hint
		}
	}
	for i := len(ports) - 1; i >= 0; i-- {
		if ports[i].USB {
			return ports[i].Name
		}
	}
	return ports[len(ports)-1].Name
}
