// Package usbtransport implements obex.Endpoint over a USB bulk endpoint
// pair using gousb, the way internal/driver/device's USB backend in the
// teacher repo opens a vendor device, claims its interface, and reads and
// writes raw endpoints directly.
package usbtransport

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/gousb"
)

// VendorID and ProductID identify exword dictionaries on USB (spec.md §3).
const (
	VendorID  gousb.ID = 0x07cf
	ProductID gousb.ID = 0x6101
)

// Default interface/endpoint numbers. Casio dictionaries expose a single
// bulk IN/OUT pair plus an interrupt IN endpoint on interface 0; these are
// descriptor-discovered at Open time rather than hardcoded further than
// picking interface 0, alt-setting 0, and the endpoint directions.
const (
	interfaceNum = 0
	altSetting   = 0
)

// Transport owns a USB device handle and its claimed interface, exposing
// blocking bulk writes/reads plus an interrupt-driven presence watchdog.
type Transport struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	out    *gousb.OutEndpoint
	in     *gousb.InEndpoint
	watch  *gousb.InEndpoint

	logger     *log.Logger
	present    atomic.Bool
	watchdogFn context.CancelFunc
}

// Open enumerates and claims the first exword device found, matching
// OpenUSBDevice's claim/config/endpoint sequence in the teacher's USB
// backend. A nil logger discards log output.
func Open(logger *log.Logger) (*Transport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: open device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: device not found (VID:%#04x PID:%#04x)", VendorID, ProductID)
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: set auto-detach: %w", err)
	}

	config, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: claim config: %w", err)
	}

	intf, err := config.Interface(interfaceNum, altSetting)
	if err != nil {
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: claim interface: %w", err)
	}

	outEP, inEP, err := discoverBulkEndpoints(intf)
	if err != nil {
		intf.Close()
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, err
	}

	watchEP, err := discoverInterruptEndpoint(intf)
	if err != nil {
		intf.Close()
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, err
	}

	t := &Transport{
		ctx:    ctx,
		dev:    dev,
		config: config,
		intf:   intf,
		out:    outEP,
		in:     inEP,
		watch:  watchEP,
		logger: logger,
	}
	t.present.Store(true)
	return t, nil
}

// discoverBulkEndpoints walks the claimed interface's descriptor for the
// first bulk-OUT and bulk-IN endpoint, since endpoint numbers vary across
// exword models rather than being fixed like the teacher's ASIC backend.
func discoverBulkEndpoints(intf *gousb.Interface) (*gousb.OutEndpoint, *gousb.InEndpoint, error) {
	var outAddr, inAddr gousb.EndpointAddress
	var haveOut, haveIn bool
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut && !haveOut {
			outAddr, haveOut = ep.Address, true
		}
		if ep.Direction == gousb.EndpointDirectionIn && !haveIn {
			inAddr, haveIn = ep.Address, true
		}
	}
	if !haveOut || !haveIn {
		return nil, nil, fmt.Errorf("usbtransport: no bulk endpoint pair on interface %d", interfaceNum)
	}
	outEP, err := intf.OutEndpoint(int(outAddr))
	if err != nil {
		return nil, nil, fmt.Errorf("usbtransport: open OUT endpoint: %w", err)
	}
	inEP, err := intf.InEndpoint(int(inAddr))
	if err != nil {
		return nil, nil, fmt.Errorf("usbtransport: open IN endpoint: %w", err)
	}
	return outEP, inEP, nil
}

// discoverInterruptEndpoint walks the claimed interface's descriptor for
// the first interrupt-IN endpoint, used by StartWatchdog to detect unplug
// without polling a control transfer.
func discoverInterruptEndpoint(intf *gousb.Interface) (*gousb.InEndpoint, error) {
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType == gousb.TransferTypeInterrupt && ep.Direction == gousb.EndpointDirectionIn {
			watchEP, err := intf.InEndpoint(int(ep.Address))
			if err != nil {
				return nil, fmt.Errorf("usbtransport: open interrupt IN endpoint: %w", err)
			}
			return watchEP, nil
		}
	}
	return nil, fmt.Errorf("usbtransport: no interrupt IN endpoint on interface %d", interfaceNum)
}

// Send writes one OBEX packet to the bulk OUT endpoint.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	n, err := t.out.WriteContext(ctx, data)
	if err != nil {
		t.noteFailure(err)
		return fmt.Errorf("usbtransport: bulk write: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("usbtransport: short write: wrote %d of %d bytes", n, len(data))
	}
	return nil
}

// maxPacket is the largest OBEX packet this driver ever frames (the
// 16-bit length field caps it at 65535); read buffers are sized to match.
const maxPacket = 1 << 16

// Recv reads one OBEX packet from the bulk IN endpoint.
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	buf := make([]byte, maxPacket)
	n, err := t.in.ReadContext(ctx, buf)
	if err != nil {
		t.noteFailure(err)
		return nil, fmt.Errorf("usbtransport: bulk read: %w", err)
	}
	return buf[:n], nil
}

// Connected reports whether the device is still believed present. It
// goes false once a transfer has failed in a way consistent with
// unplugging (as opposed to a protocol-level error the device itself
// returned).
func (t *Transport) Connected() bool {
	return t.present.Load()
}

func (t *Transport) noteFailure(err error) {
	if isDisconnectError(err) {
		t.present.Store(false)
		if t.logger != nil {
			t.logger.Printf("usbtransport: device disconnected: %v", err)
		}
	}
}

// isDisconnectError reports whether err indicates the device itself went
// away (unplugged, reset) rather than a transient transfer error. gousb
// surfaces both as generic errors, so this matches on the libusb error
// text the way the teacher's polling loop matched on syscall errno text
// for its kernel-device backend.
func isDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"no such device", "device not found", "i/o error", "device disconnected"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Close releases the interface, config, device handle, and context, in
// that order, matching the teacher's USB backend Close.
func (t *Transport) Close() error {
	t.StopWatchdog()
	if t.intf != nil {
		t.intf.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}

// watchdogTimeout bounds each interrupt-in read StartWatchdog issues; a
// read that times out without data is not a failure, just an empty poll,
// and is re-submitted immediately.
const watchdogTimeout = 3000 * time.Millisecond

// watchdogBufSize is the scratch buffer each interrupt-in read fills.
const watchdogBufSize = 16

// StartWatchdog launches a goroutine that issues blocking interrupt-in
// reads against the watchdog endpoint in a loop, covering the "unplugged
// while idle" case spec.md §4.C asks PollDisconnect to surface. A read
// that fails with a disconnect-shaped error flips Connected() to false and
// invokes onUnplug exactly once before the loop exits; a read that merely
// times out is re-issued. The loop exits early if ctx is canceled.
func (t *Transport) StartWatchdog(ctx context.Context, onUnplug func()) {
	if t.watchdogFn != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.watchdogFn = cancel
	go func() {
		buf := make([]byte, watchdogBufSize)
		for {
			readCtx, cancelRead := context.WithTimeout(loopCtx, watchdogTimeout)
			_, err := t.watch.ReadContext(readCtx, buf)
			cancelRead()
			if loopCtx.Err() != nil {
				return
			}
			if err == nil {
				continue
			}
			if isDisconnectError(err) {
				t.noteFailure(err)
				if onUnplug != nil {
					onUnplug()
				}
				return
			}
			// A plain timeout carries context.DeadlineExceeded; re-issue
			// the read rather than treating it as a failure.
		}
	}()
}

// StopWatchdog stops the goroutine started by StartWatchdog, if any.
func (t *Transport) StopWatchdog() {
	if t.watchdogFn == nil {
		return
	}
	t.watchdogFn()
	t.watchdogFn = nil
}
