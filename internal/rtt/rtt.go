// Package rtt attaches to a SEGGER RTT control block at a known address
// and reads its up-channel-0 ring buffer. Grounded on run.rs's
// setup_logging_channel (bounded-retry exact-address attach) and the RTT
// control block layout used throughout the embedded ecosystem: a 16-byte
// "SEGGER RTT" signature, up/down channel counts, then fixed-size channel
// descriptor arrays.
package rtt

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"teleprobe/internal/logcapture"
	"teleprobe/internal/probe"
)

var log = logcapture.New("rtt")

// numRetries is probe-rs's NUM_RETRIES: 11 total attempts (0 through 10
// inclusive), no sleep between them.
const numRetries = 10

var controlBlockID = []byte("SEGGER RTT\x00\x00\x00\x00\x00\x00")

// errControlBlockNotFound is the only attach failure Attach retries.
var errControlBlockNotFound = errors.New("control block not found")

const (
	idLen           = 16
	upCountOffset   = 16
	downCountOffset = 20
	channelsOffset  = 24
	channelDescSize = 24
	// flagsFieldOffset is the offset of the `flags` field within a channel
	// descriptor (namePtr, buf, size, wrOff, rdOff, flags).
	flagsFieldOffset = 20
	blockIfFullFlag  = 2
	// up0FlagsAddrOffset is the offset from the control block's base
	// address to up-channel 0's flags field; equals 44, matching the
	// spec's literal constant for the BLOCK_IF_FULL write.
	up0FlagsAddrOffset = channelsOffset + flagsFieldOffset
)

// Handle is an attached RTT session, holding the up-channel-0 ring
// buffer's location.
type Handle struct {
	controlBlockAddr uint32
	up0BufferAddr    uint32
	up0BufferSize    uint32
}

// Attach attempts, at most numRetries+1 times, to read and validate the
// RTT control block at exactly rttAddr. Any signature mismatch is treated
// as "not initialized yet" and retried immediately (no sleep, mirroring
// the original's unexplained no-sleep retry loop); once the retries are
// exhausted the attach fails. Any other error ends the attach at once.
func Attach(ctx context.Context, core probe.Core, rttAddr uint32) (*Handle, error) {
	var lastErr error
	for attempt := 0; attempt <= numRetries; attempt++ {
		h, err := tryAttach(core, rttAddr)
		if err == nil {
			log.Debug(ctx, "successfully attached RTT at %#x", rttAddr)
			return h, nil
		}
		if !errors.Is(err, errControlBlockNotFound) {
			return nil, fmt.Errorf("rtt: attach at %#x: %w", rttAddr, err)
		}
		lastErr = err
		if attempt < numRetries {
			log.Trace(ctx, "could not attach because the target's RTT control block isn't initialized (yet), retrying")
		}
	}
	log.Error(ctx, "max number of RTT attach retries exceeded")
	return nil, fmt.Errorf("rtt: control block not found at %#x after %d retries: %w", rttAddr, numRetries, lastErr)
}

func tryAttach(core probe.Core, rttAddr uint32) (*Handle, error) {
	id := make([]byte, idLen)
	if _, err := core.ReadBlock(rttAddr, id); err != nil {
		return nil, fmt.Errorf("read control block id: %w", err)
	}
	if !bytes.Equal(id, controlBlockID) {
		return nil, errControlBlockNotFound
	}

	upCount, err := core.ReadWord32(rttAddr + upCountOffset)
	if err != nil {
		return nil, fmt.Errorf("read up channel count: %w", err)
	}
	if upCount == 0 {
		return nil, fmt.Errorf("rtt: no up channels")
	}

	descAddr := rttAddr + channelsOffset
	bufPtr, err := core.ReadWord32(descAddr + 4)
	if err != nil {
		return nil, fmt.Errorf("read up channel 0 buffer ptr: %w", err)
	}
	bufSize, err := core.ReadWord32(descAddr + 8)
	if err != nil {
		return nil, fmt.Errorf("read up channel 0 buffer size: %w", err)
	}

	return &Handle{controlBlockAddr: rttAddr, up0BufferAddr: bufPtr, up0BufferSize: bufSize}, nil
}

// SetBlockIfFull writes the BLOCK_IF_FULL flag to up-channel 0's flags
// field, at the fixed offset 44 from the control block's base address.
// This is a raw memory write at a known address, not a method on Handle,
// because the runner performs it before RTT has been attached at all
// (mirroring run.rs, which pokes offset 44 directly via core.write_word_32
// ahead of calling setup_logging_channel).
func SetBlockIfFull(core probe.Core, rttAddr uint32) error {
	return core.WriteWord32(rttAddr+up0FlagsAddrOffset, blockIfFullFlag)
}

// ReadUp0 drains whatever bytes are currently available in up-channel 0
// into buf, returning how many bytes were read (0 means "nothing new").
func (h *Handle) ReadUp0(core probe.Core, buf []byte) (int, error) {
	descAddr := h.controlBlockAddr + channelsOffset
	wrOff, err := core.ReadWord32(descAddr + 12)
	if err != nil {
		return 0, fmt.Errorf("read write offset: %w", err)
	}
	rdOff, err := core.ReadWord32(descAddr + 16)
	if err != nil {
		return 0, fmt.Errorf("read read offset: %w", err)
	}
	if wrOff == rdOff || h.up0BufferSize == 0 {
		return 0, nil
	}

	var available uint32
	if wrOff > rdOff {
		available = wrOff - rdOff
	} else {
		available = h.up0BufferSize - rdOff + wrOff
	}
	n := uint32(len(buf))
	if available < n {
		n = available
	}

	read := uint32(0)
	for read < n {
		chunk := n - read
		if rdOff+chunk > h.up0BufferSize {
			chunk = h.up0BufferSize - rdOff
		}
		got, err := core.ReadBlock(h.up0BufferAddr+rdOff, buf[read:read+chunk])
		if err != nil {
			return int(read), fmt.Errorf("read up channel 0 buffer: %w", err)
		}
		read += uint32(got)
		rdOff = (rdOff + uint32(got)) % h.up0BufferSize
		if uint32(got) < chunk {
			break
		}
	}

	if err := core.WriteWord32(descAddr+16, rdOff); err != nil {
		return int(read), fmt.Errorf("write read offset: %w", err)
	}
	return int(read), nil
}
