package hal

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Discovered is one candidate device found by a discovery provider: the
// protocol-type tag to build it with and a ready-to-use configuration.
type Discovered struct {
	ProtocolType string
	Config       ProtocolConfig
}

// Discoverer enumerates attached candidate devices. Providers must fail
// gracefully: no devices found is an empty result, not an error.
type Discoverer interface {
	Discover(ctx context.Context) ([]Discovered, error)
}

// DiscoverFunc adapts a function to the Discoverer interface.
type DiscoverFunc func(ctx context.Context) ([]Discovered, error)

func (f DiscoverFunc) Discover(ctx context.Context) ([]Discovered, error) { return f(ctx) }

// SerialDiscoverer enumerates USB serial ports on the host, optionally
// filtered to a known vendor id, and yields serial protocol candidates.
type SerialDiscoverer struct {
	// VendorID restricts discovery to ports whose USB VID matches
	// (case-insensitive hex string, e.g. "2341"). Empty matches all USB ports.
	VendorID string

	// BaudRate applies to every discovered port. Zero uses the serial default.
	BaudRate int

	// list is swappable for tests.
	list func() ([]*enumerator.PortDetails, error)
}

// NewSerialDiscoverer creates a discoverer over the host's USB serial ports.
func NewSerialDiscoverer(vendorID string, baudRate int) *SerialDiscoverer {
	return &SerialDiscoverer{
		VendorID: vendorID,
		BaudRate: baudRate,
		list:     enumerator.GetDetailedPortsList,
	}
}

// Discover returns one serial candidate per matching USB port. A host with no
// matching ports yields an empty slice and no error.
func (d *SerialDiscoverer) Discover(ctx context.Context) ([]Discovered, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ports, err := d.list()
	if err != nil {
		// enumeration failure is a degraded host, not a fatal condition;
		// report no devices and let the caller's health policy decide
		halLogf("discovery: port enumeration failed: %v", err)
		return nil, nil
	}

	var found []Discovered
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		if d.VendorID != "" && !strings.EqualFold(port.VID, d.VendorID) {
			continue
		}
		found = append(found, Discovered{
			ProtocolType: ProtocolSerial,
			Config: ProtocolConfig{
				Name: fmt.Sprintf("serial-%s", port.Name),
				Serial: &SerialParams{
					Port:     port.Name,
					BaudRate: d.BaudRate,
				},
			},
		})
	}
	return found, nil
}
