//go:build linux && (amd64 || arm64)

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Request encoding from <asm-generic/ioctl.h>.
const (
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | 'V'<<iocTypeShift | nr<<iocNRShift
}

func ior(nr, size uintptr) uintptr  { return ioc(iocRead, nr, size) }
func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

var (
	vidiocQueryCap  = ior(0, unsafe.Sizeof(v4l2Capability{}))
	vidiocGetFmt    = iowr(4, unsafe.Sizeof(v4l2Format{}))
	vidiocSetFmt    = iowr(5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqBufs   = iowr(8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQueryBuf  = iowr(9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQBuf      = iowr(15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDQBuf     = iowr(17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamOn  = iow(18, unsafe.Sizeof(int32(0)))
	vidiocStreamOff = iow(19, unsafe.Sizeof(int32(0)))
	vidiocSetParm   = iowr(22, unsafe.Sizeof(v4l2StreamParm{}))
	vidiocSetCtrl   = iowr(28, unsafe.Sizeof(v4l2Control{}))
	vidiocSetInput  = iowr(39, unsafe.Sizeof(int32(0)))
)

const (
	bufTypeVideoCapture = 1
	memoryMMAP          = 1
	fieldNone           = 1

	capVideoCapture = 0x00000001
	capStreaming    = 0x04000000
	capDeviceCaps   = 0x80000000

	bufFlagError = 0x00000040

	captureTimePerFrame = 0x1000
)

// Control IDs.
const (
	cidBase            = 0x00980900
	cidHFlip           = cidBase + 20
	cidVFlip           = cidBase + 21
	cidCameraClassBase = 0x009a0900
	cidExposureAuto    = cidCameraClassBase + 1
	cidExposureAbs     = cidCameraClassBase + 2 // 100 µs units
	cidISO             = cidCameraClassBase + 23
	cidISOAuto         = cidCameraClassBase + 24

	exposureManual = 1
	isoManual      = 0
)

// Layouts below match the kernel's on 64-bit little-endian targets.

type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

type v4l2Format struct {
	typ uint32
	_   uint32 // union is pointer-aligned
	fmt [200]byte
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.fmt[0]))
}

type v4l2Fract struct {
	numerator   uint32
	denominator uint32
}

type v4l2CaptureParm struct {
	capability   uint32
	capturemode  uint32
	timeperframe v4l2Fract
	extendedmode uint32
	readbuffers  uint32
	reserved     [4]uint32
}

type v4l2StreamParm struct {
	typ  uint32
	parm [200]byte
}

func (p *v4l2StreamParm) capture() *v4l2CaptureParm {
	return (*v4l2CaptureParm)(unsafe.Pointer(&p.parm[0]))
}

type v4l2RequestBuffers struct {
	count    uint32
	typ      uint32
	memory   uint32
	reserved [2]uint32
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	_         uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	offset    uint64 // union m; the mmap offset occupies the low word
	length    uint32
	reserved2 uint32
	requestFD int32
	_         uint32
}

type v4l2Control struct {
	id    uint32
	value int32
}

func ioctl(fd int, request uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}
