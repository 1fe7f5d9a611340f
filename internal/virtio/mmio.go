// Package virtio implements the guest-side half of a virtio 1.0 network
// device over the MMIO transport: register probe and feature negotiation,
// split-virtqueue descriptor management, and a polled send/receive datapath.
//
// The package deliberately knows nothing about Ethernet or anything above
// it; frames are opaque byte slices.
package virtio

import "errors"

// Transport is the device-register interface the driver runs on. A real
// implementation maps MMIO pages; tests use an in-process device model.
type Transport interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)

	// ReadConfig8 reads one byte of the device-specific configuration
	// space (the region after RegConfig). Config fields are read
	// byte-by-byte, as the virtio spec permits for MMIO.
	ReadConfig8(off uint32) uint8
}

// Virtio MMIO register offsets (virtio spec 4.2.2).
const (
	RegMagicValue        = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptAck      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegConfig            = 0x100
)

// MagicValue is "virt" little-endian, present in every virtio MMIO window.
const MagicValue = 0x74726976

// DeviceIDNet identifies a network card in RegDeviceID.
const DeviceIDNet = 1

// Device status bits (RegStatus).
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusFailed      = 1 << 7
)

// Virtqueue descriptor flags.
const (
	DescFNext  = 1
	DescFWrite = 2
)

// Network device feature bits. Only MAC, STATUS and MTU are acted on; the
// offload bits are tracked during negotiation but never requested.
const (
	FeatureNetCSUM   = uint64(1) << 0
	FeatureNetMTU    = uint64(1) << 3
	FeatureNetMAC    = uint64(1) << 5
	FeatureNetStatus = uint64(1) << 16
)

// Link status bits in the config-space status field.
const netStatusLinkUp = 1

// Device-specific config space offsets for virtio-net.
const (
	cfgMAC    = 0
	cfgStatus = 6
	cfgMTU    = 10
)

var (
	// ErrNoDevice reports that probe found no usable virtio-net device
	// behind the transport.
	ErrNoDevice = errors.New("virtio: no network device")
	// ErrBadDevice reports a device that failed the handshake.
	ErrBadDevice = errors.New("virtio: device rejected initialization")
	// ErrQueueFull is transient backpressure: the queue has too few free
	// descriptors for the requested chain. Retry after reclaiming.
	ErrQueueFull = errors.New("virtio: no free descriptors")
	// ErrInvalidArgument rejects oversize, empty or nil packets.
	ErrInvalidArgument = errors.New("virtio: invalid argument")
	// ErrTimeout reports a transmit the device never completed.
	ErrTimeout = errors.New("virtio: device timeout")
)
