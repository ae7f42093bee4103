package probe

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/gousb"

	"teleprobe/internal/chipdb"
	"teleprobe/internal/elfinfo"
)

// CMSIS-DAP-family debug probes teleprobe knows how to talk to. Real farms
// carry a handful of probe models (J-Link, DAPLink, ST-Link-v2.1 in
// CMSIS-DAP mode); this list covers the ones seen in the wild at
// embassy-rs's own probe farm.
var knownProbeVIDPIDs = [][2]uint16{
	{0x1366, 0x0101}, // SEGGER J-Link
	{0x1366, 0x0105},
	{0x0d28, 0x0204}, // ARM mbed DAPLink
	{0x0483, 0x3748}, // ST-Link/V2
	{0x0483, 0x374b}, // ST-Link/V2-1
}

// Cortex-M debug register addresses (ARMv7-M Architecture Reference
// Manual, Debug chapter). These are architectural constants, not
// probe-specific.
const (
	regDHCSR = 0xE000EDF0
	regDCRSR = 0xE000EDF4
	regDCRDR = 0xE000EDF8
	regDEMCR = 0xE000EDFC

	dhcscDbgKey   = 0xA05F0000
	dhcscCDebugen = 1 << 0
	dhcscCHalt    = 1 << 1
	dhcscSRegRdy  = 1 << 16
	dhcscSHalt    = 1 << 17
	dcrsrRegWNR   = 1 << 16

	regFPCTRL  = 0xE0002000
	regFPCOMP0 = 0xE0002008
)

// usbTransport wraps the bulk-transfer endpoints used to exchange raw
// debug-probe command packets, following the same gousb context/device/
// config/interface/endpoint lifecycle the rest of this codebase uses for
// USB device access.
type usbTransport struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
}

// USBLister enumerates and opens CMSIS-DAP-compatible probes over gousb.
type USBLister struct {
	ctx *gousb.Context
}

// NewUSBLister creates a probe lister bound to a fresh gousb context. The
// caller should arrange for Close to run at process shutdown.
func NewUSBLister() *USBLister {
	return &USBLister{ctx: gousb.NewContext()}
}

func (l *USBLister) Close() error {
	return l.ctx.Close()
}

// ListProbes enumerates every USB device matching a known probe VID:PID,
// mirroring probe-rs's Lister::list_all.
func (l *USBLister) ListProbes() ([]ProbeInfo, error) {
	var probes []ProbeInfo
	devices, err := l.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, vp := range knownProbeVIDPIDs {
			if uint16(desc.Vendor) == vp[0] && uint16(desc.Product) == vp[1] {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		serial, _ := d.SerialNumber()
		probes = append(probes, ProbeInfo{
			VID:    uint16(d.Desc.Vendor),
			PID:    uint16(d.Desc.Product),
			Serial: serial,
		})
		d.Close()
	}
	return probes, nil
}

// Open claims the USB interface for the given probe and attaches to chip,
// returning a Session. chip/speed/underReset select the attach sequence
// exactly as probe::connect does: attach_under_reset vs plain attach.
func (l *USBLister) Open(info ProbeInfo, speed *uint32, chip string, underReset bool) (Session, error) {
	devices, err := l.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == info.VID && uint16(desc.Product) == info.PID
	})
	if err != nil {
		return nil, err
	}
	var device *gousb.Device
	for _, d := range devices {
		serial, _ := d.SerialNumber()
		if serial == info.Serial {
			device = d
			continue
		}
		d.Close()
	}
	if device == nil {
		return nil, fmt.Errorf("probe %04x:%04x serial %s vanished before open", info.VID, info.PID, info.Serial)
	}

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("set usb config: %w", err)
	}
	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		return nil, fmt.Errorf("claim usb interface: %w", err)
	}
	epOut, err := intf.OutEndpoint(1)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		return nil, fmt.Errorf("open out endpoint: %w", err)
	}
	epIn, err := intf.InEndpoint(1)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		return nil, fmt.Errorf("open in endpoint: %w", err)
	}

	t := &usbTransport{ctx: l.ctx, device: device, config: config, intf: intf, epOut: epOut, epIn: epIn}
	target, err := chipdb.Lookup(chip)
	if err != nil {
		t.Close()
		return nil, err
	}
	sess := &usbSession{transport: t, target: target}
	if underReset {
		if err := sess.attachUnderReset(); err != nil {
			t.Close()
			return nil, err
		}
	} else if err := sess.attach(); err != nil {
		t.Close()
		return nil, err
	}
	return sess, nil
}

func (t *usbTransport) Close() error {
	t.intf.Close()
	t.config.Close()
	return t.device.Close()
}

// writeReg32 and readReg32 implement a minimal command framing for
// single-register memory access: [op(1)][addr(4 LE)][data(4 LE)],
// response mirrors the request with the read value filled in. Real
// CMSIS-DAP/J-Link wire protocols carry more transfer batching; teleprobe
// only needs single-word granularity since run.rs never batches accesses.
const (
	opReadWord  = 0x01
	opWriteWord = 0x02
)

func (t *usbTransport) writeReg32(addr, val uint32) error {
	buf := make([]byte, 9)
	buf[0] = opWriteWord
	binary.LittleEndian.PutUint32(buf[1:5], addr)
	binary.LittleEndian.PutUint32(buf[5:9], val)
	if _, err := t.epOut.Write(buf); err != nil {
		return fmt.Errorf("usb write: %w", err)
	}
	ack := make([]byte, 1)
	if _, err := t.epIn.Read(ack); err != nil {
		return fmt.Errorf("usb ack: %w", err)
	}
	return nil
}

func (t *usbTransport) readReg32(addr uint32) (uint32, error) {
	buf := make([]byte, 5)
	buf[0] = opReadWord
	binary.LittleEndian.PutUint32(buf[1:5], addr)
	if _, err := t.epOut.Write(buf); err != nil {
		return 0, fmt.Errorf("usb write: %w", err)
	}
	resp := make([]byte, 4)
	if _, err := t.epIn.Read(resp); err != nil {
		return 0, fmt.Errorf("usb read: %w", err)
	}
	return binary.LittleEndian.Uint32(resp), nil
}

// usbSession is the real, hardware-backed Session implementation.
type usbSession struct {
	transport *usbTransport
	target    TargetInfo
}

func (s *usbSession) Target() TargetInfo { return s.target }
func (s *usbSession) ListCores() []int {
	cores := make([]int, s.target.NumCores)
	for i := range cores {
		cores[i] = i
	}
	return cores
}

func (s *usbSession) Core(i int) (Core, error) {
	if i < 0 || i >= s.target.NumCores {
		return nil, fmt.Errorf("core %d out of range (target has %d)", i, s.target.NumCores)
	}
	return &usbCore{transport: s.transport, coreIndex: i}, nil
}

func (s *usbSession) FlashLoader() FlashLoader {
	return &usbFlashLoader{transport: s.transport, target: s.target, core: &usbCore{transport: s.transport, coreIndex: 0}}
}

func (s *usbSession) Close() error { return s.transport.Close() }

func (s *usbSession) attach() error {
	return s.transport.writeReg32(regDEMCR, 1<<0) // VC_CORERESET primed for halt-on-reset attach paths
}

func (s *usbSession) attachUnderReset() error {
	if err := s.transport.writeReg32(regDHCSR, dhcscDbgKey|dhcscCDebugen|dhcscCHalt); err != nil {
		return err
	}
	return s.attach()
}

type usbCore struct {
	transport *usbTransport
	coreIndex int
}

func (c *usbCore) Reset() error {
	return c.transport.writeReg32(regDEMCR, 0)
}

func (c *usbCore) Halt(timeout time.Duration) error {
	if err := c.transport.writeReg32(regDHCSR, dhcscDbgKey|dhcscCDebugen|dhcscCHalt); err != nil {
		return err
	}
	return c.waitFlag(timeout, dhcscSHalt, true)
}

func (c *usbCore) ResetAndHalt(timeout time.Duration) error {
	if err := c.transport.writeReg32(regDHCSR, dhcscDbgKey|dhcscCDebugen|dhcscCHalt); err != nil {
		return err
	}
	if err := c.Reset(); err != nil {
		return err
	}
	return c.waitFlag(timeout, dhcscSHalt, true)
}

func (c *usbCore) Run() error {
	return c.transport.writeReg32(regDHCSR, dhcscDbgKey|dhcscCDebugen)
}

func (c *usbCore) WaitForCoreHalted(timeout time.Duration) error {
	return c.waitFlag(timeout, dhcscSHalt, true)
}

func (c *usbCore) CoreHalted() (bool, error) {
	v, err := c.transport.readReg32(regDHCSR)
	if err != nil {
		return false, err
	}
	return v&dhcscSHalt != 0, nil
}

func (c *usbCore) waitFlag(timeout time.Duration, mask uint32, want bool) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := c.transport.readReg32(regDHCSR)
		if err != nil {
			return err
		}
		if (v&mask != 0) == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for core state")
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *usbCore) ReadWord32(addr uint32) (uint32, error)    { return c.transport.readReg32(addr) }
func (c *usbCore) WriteWord32(addr uint32, val uint32) error { return c.transport.writeReg32(addr, val) }

func (c *usbCore) Read32(addr uint32, out []uint32) error {
	for i := range out {
		v, err := c.transport.readReg32(addr + uint32(i*4))
		if err != nil {
			return err
		}
		out[i] = v
	}
	return nil
}

func (c *usbCore) ReadBlock(addr uint32, out []byte) (int, error) {
	words := make([]uint32, (len(out)+3)/4)
	if err := c.Read32(addr, words); err != nil {
		return 0, err
	}
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	n := copy(out, buf)
	return n, nil
}

func (c *usbCore) Write8(addr uint32, data []byte) error {
	word := make([]byte, 4)
	copy(word, data)
	return c.transport.writeReg32(addr&^3, binary.LittleEndian.Uint32(word))
}

func (c *usbCore) ReadCoreReg(reg RegisterID) (uint32, error) {
	if err := c.transport.writeReg32(regDCRSR, uint32(reg)); err != nil {
		return 0, err
	}
	if err := c.waitFlag(time.Second, dhcscSRegRdy, true); err != nil {
		return 0, err
	}
	return c.transport.readReg32(regDCRDR)
}

func (c *usbCore) WriteCoreReg(reg RegisterID, val uint32) error {
	if err := c.transport.writeReg32(regDCRDR, val); err != nil {
		return err
	}
	if err := c.transport.writeReg32(regDCRSR, uint32(reg)|dcrsrRegWNR); err != nil {
		return err
	}
	return c.waitFlag(time.Second, dhcscSRegRdy, true)
}

func (c *usbCore) AvailableBreakpointUnits() (int, error) {
	v, err := c.transport.readReg32(regFPCTRL)
	if err != nil {
		return 0, err
	}
	// FP_CTRL: NUM_CODE[3:0] at bits 7:4 and NUM_CODE[6:4] at bits 14:12,
	// per ARMv7-M FPB.
	numCode := int((v>>4)&0xf) | int((v>>8)&0x70)
	return numCode, nil
}

func (c *usbCore) SetHWBreakpoint(addr uint32) error {
	slot := regFPCOMP0
	return c.transport.writeReg32(uint32(slot), (addr&^3)|1)
}

func (c *usbCore) ClearHWBreakpoint(addr uint32) error {
	slot := regFPCOMP0
	return c.transport.writeReg32(uint32(slot), 0)
}

type usbFlashLoader struct {
	transport *usbTransport
	target    TargetInfo
	core      *usbCore
}

// LoadAndCommit programs elfBytes' loadable sections into NVM, streaming
// each section's words through the core's debug-register write path
// (no dedicated flash algorithm download, unlike probe-rs's loader) and
// reading each word back when verify is set; a trailing partial word is
// written with Write8 and not read back. internal/flashboot only
// calls this in flash mode; in RAM mode it writes the same sections
// straight to RAM instead, bypassing NVM programming entirely.
func (l *usbFlashLoader) LoadAndCommit(elfBytes []byte, verify bool) error {
	sections, err := elfinfo.LoadableSections(elfBytes)
	if err != nil {
		return fmt.Errorf("parse loadable sections: %w", err)
	}
	for _, sect := range sections {
		i := 0
		for ; i+4 <= len(sect.Data); i += 4 {
			addr := sect.Addr + uint32(i)
			word := binary.LittleEndian.Uint32(sect.Data[i : i+4])
			if err := l.core.WriteWord32(addr, word); err != nil {
				return fmt.Errorf("write %s+%#x: %w", sect.Name, i, err)
			}
			if verify {
				got, err := l.core.ReadWord32(addr)
				if err != nil {
					return fmt.Errorf("verify %s+%#x: %w", sect.Name, i, err)
				}
				if got != word {
					return fmt.Errorf("verify %s+%#x: wrote %#x, read back %#x", sect.Name, i, word, got)
				}
			}
		}
		if i < len(sect.Data) {
			if err := l.core.Write8(sect.Addr+uint32(i), sect.Data[i:]); err != nil {
				return fmt.Errorf("write %s+%#x: %w", sect.Name, i, err)
			}
		}
	}
	return nil
}
