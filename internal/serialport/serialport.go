// Package serialport guesses which COM port the card reader sits on, so
// installs don't need the right com_port in config.ini before first run.
package serialport

import (
	"sort"
	"strconv"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/cliniops/nhi-agent/internal/logging"
)

// PortInfo is one candidate port with its heuristic score. Higher scores
// look more like a card reader.
type PortInfo struct {
	Name    string `json:"name"`
	Number  int    `json:"number"` // COM number, -1 when not parseable
	Product string `json:"product,omitempty"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Score   int    `json:"score"`
}

// listPorts is swapped by tests.
var listPorts = func() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}

// Product-string fragments that indicate a reader, strongest first.
// Castles and GNT build the common NHI terminals; the bridge chips score
// low because every USB-serial dongle reports them.
var productScores = []struct {
	fragment string
	score    int
}{
	{"castles", 100},
	{"ezusb", 90},
	{"card reader", 80},
	{"smart card", 80},
	{"reader", 40},
	{"usb serial", 10},
	{"ch340", 10},
	{"cp210", 10},
	{"ftdi", 10},
}

func scorePort(d *enumerator.PortDetails) int {
	if !d.IsUSB {
		return 0
	}
	p := strings.ToLower(d.Product)
	for _, ps := range productScores {
		if strings.Contains(p, ps.fragment) {
			return ps.score
		}
	}
	return 1 // USB but anonymous: still a better guess than onboard UARTs
}

// portNumber extracts the trailing number from a port name ("COM3",
// "/dev/ttyUSB0"); -1 when there is none.
func portNumber(name string) int {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return -1
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return -1
	}
	return n
}

// List enumerates ports sorted by descending score, then name.
func List() ([]PortInfo, error) {
	details, err := listPorts()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:    d.Name,
			Number:  portNumber(d.Name),
			Product: d.Product,
			VID:     d.VID,
			PID:     d.PID,
			Score:   scorePort(d),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// DetectReaderPort returns the COM number of the best-looking candidate.
// ok is false when no port scores above the anonymous-USB floor, because
// guessing a bare bridge chip misdirects more than it helps.
func DetectReaderPort() (int, bool) {
	ports, err := List()
	if err != nil {
		logging.Warn(logging.CatSerial, "Port enumeration failed", map[string]any{
			"error": err.Error(),
		})
		return 0, false
	}
	for _, p := range ports {
		if p.Score > 1 && p.Number >= 0 {
			logging.Info(logging.CatSerial, "Reader port detected", map[string]any{
				"port":    p.Name,
				"product": p.Product,
				"score":   p.Score,
			})
			return p.Number, true
		}
	}
	return 0, false
}

// openPort is swapped by tests.
var openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(name, mode)
}

// Probe opens and immediately closes the port at the reader's line
// settings. It confirms the port exists and nothing else holds it; it does
// not talk to the card.
func Probe(name string) error {
	p, err := openPort(name, &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return err
	}
	return p.Close()
}
