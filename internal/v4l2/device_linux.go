//go:build linux && (amd64 || arm64)

package v4l2

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	errors "golang.org/x/xerrors"
)

// Returned by wait when the device flags an error. Some kernels do so
// whenever no buffer is queued.
var errPollError = errors.New("v4l2: device signalled POLLERR")

// A V4L2 capture device using memory-mapped streaming I/O.
type device struct {
	// Device path, usually "/dev/video0".
	path string

	// File descriptor of v4l2 device, opened non-blocking.
	fd int

	// Memory-mapped kernel buffers, by buffer index.
	mmaps [][]byte
}

func openDevice(path string) (*device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Errorf("v4l2: open %s: %w", path, err)
	}

	dev := &device{path: path, fd: fd}

	var caps v4l2Capability
	if err := ioctl(fd, vidiocQueryCap, unsafe.Pointer(&caps)); err != nil {
		unix.Close(fd)
		return nil, errors.Errorf("v4l2: %s is not a video device: %w", path, err)
	}
	have := caps.capabilities
	if have&capDeviceCaps != 0 {
		have = caps.deviceCaps
	}
	if have&capVideoCapture == 0 || have&capStreaming == 0 {
		unix.Close(fd)
		return nil, errors.Errorf("v4l2: %s cannot stream video capture (caps %#x)", path, have)
	}

	log.Debug("%s: %s (%s)", path, cstring(caps.card[:]), cstring(caps.driver[:]))
	return dev, nil
}

func (dev *device) close() error {
	return unix.Close(dev.fd)
}

func (dev *device) ioctl(request uintptr, arg unsafe.Pointer) error {
	return ioctl(dev.fd, request, arg)
}

func (dev *device) selectInput(index int) error {
	input := int32(index)
	return dev.ioctl(vidiocSetInput, unsafe.Pointer(&input))
}

// setFormat negotiates the frame layout and returns what the driver chose,
// including the size of one image.
func (dev *device) setFormat(width, height int, fourcc uint32) (v4l2PixFormat, error) {
	f := v4l2Format{typ: bufTypeVideoCapture}
	pix := f.pix()
	pix.width = uint32(width)
	pix.height = uint32(height)
	pix.pixelformat = fourcc
	pix.field = fieldNone

	if err := dev.ioctl(vidiocSetFmt, unsafe.Pointer(&f)); err != nil {
		return v4l2PixFormat{}, err
	}
	return *f.pix(), nil
}

// setFrameRate requests a frame interval. Drivers without the capability
// keep their own rate.
func (dev *device) setFrameRate(fps int) error {
	p := v4l2StreamParm{typ: bufTypeVideoCapture}
	c := p.capture()
	c.capability = captureTimePerFrame
	c.timeperframe = v4l2Fract{numerator: 1, denominator: uint32(fps)}
	return dev.ioctl(vidiocSetParm, unsafe.Pointer(&p))
}

func (dev *device) setControl(id uint32, value int32) error {
	ctrl := v4l2Control{id: id, value: value}
	return dev.ioctl(vidiocSetCtrl, unsafe.Pointer(&ctrl))
}

// setExposure fixes the shutter speed. The control takes 100 µs units.
func (dev *device) setExposure(d time.Duration) error {
	if err := dev.setControl(cidExposureAuto, exposureManual); err != nil {
		return err
	}
	return dev.setControl(cidExposureAbs, int32(d/(100*time.Microsecond)))
}

func (dev *device) setISO(iso int) error {
	if err := dev.setControl(cidISOAuto, isoManual); err != nil {
		return err
	}
	return dev.setControl(cidISO, int32(iso))
}

// requestBuffers asks for count kernel buffers and returns how many were
// granted. Zero frees them.
func (dev *device) requestBuffers(count int) (int, error) {
	rb := v4l2RequestBuffers{
		count:  uint32(count),
		typ:    bufTypeVideoCapture,
		memory: memoryMMAP,
	}
	if err := dev.ioctl(vidiocReqBufs, unsafe.Pointer(&rb)); err != nil {
		return 0, err
	}
	return int(rb.count), nil
}

// Query buffer parameters.
func (dev *device) queryBuffer(index int) (length int, offset int64, err error) {
	qb := v4l2Buffer{
		index:  uint32(index),
		typ:    bufTypeVideoCapture,
		memory: memoryMMAP,
	}
	if err = dev.ioctl(vidiocQueryBuf, unsafe.Pointer(&qb)); err != nil {
		return
	}
	return int(qb.length), int64(uint32(qb.offset)), nil
}

// mapMemory allocates count kernel buffers and maps them into our address
// space.
func (dev *device) mapMemory(count int) ([][]byte, error) {
	if dev.mmaps != nil {
		panic("v4l2 device: memory already mapped")
	}

	granted, err := dev.requestBuffers(count)
	if err != nil {
		return nil, errors.Errorf("v4l2: request %d buffers: %w", count, err)
	}
	if granted < count {
		dev.requestBuffers(0)
		return nil, errors.Errorf("v4l2: driver granted %d of %d buffers", granted, count)
	}

	dev.mmaps = make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		length, offset, err := dev.queryBuffer(i)
		if err == nil {
			var m []byte
			m, err = unix.Mmap(dev.fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err == nil {
				dev.mmaps = append(dev.mmaps, m)
				continue
			}
		}
		dev.unmapMemory()
		return nil, errors.Errorf("v4l2: map buffer %d: %w", i, err)
	}
	return dev.mmaps, nil
}

func (dev *device) unmapMemory() error {
	var first error
	for _, m := range dev.mmaps {
		if err := unix.Munmap(m); err != nil && first == nil {
			first = err
		}
	}
	dev.mmaps = nil

	if _, err := dev.requestBuffers(0); err != nil && first == nil {
		first = err
	}
	return first
}

func (dev *device) enqueue(index int) error {
	qbuf := v4l2Buffer{
		typ:    bufTypeVideoCapture,
		memory: memoryMMAP,
		index:  uint32(index),
	}
	return dev.ioctl(vidiocQBuf, unsafe.Pointer(&qbuf))
}

// dequeue takes the next filled buffer. It returns EAGAIN if none is ready.
func (dev *device) dequeue() (v4l2Buffer, error) {
	dqbuf := v4l2Buffer{
		typ:    bufTypeVideoCapture,
		memory: memoryMMAP,
	}
	err := dev.ioctl(vidiocDQBuf, unsafe.Pointer(&dqbuf))
	return dqbuf, err
}

func (dev *device) enableStream() error {
	typ := int32(bufTypeVideoCapture)
	return dev.ioctl(vidiocStreamOn, unsafe.Pointer(&typ))
}

// Disable stream (dequeues any outstanding buffers as well).
func (dev *device) disableStream() error {
	typ := int32(bufTypeVideoCapture)
	return dev.ioctl(vidiocStreamOff, unsafe.Pointer(&typ))
}

// wait blocks until a buffer can be dequeued or timeout passes.
func (dev *device) wait(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(dev.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	switch {
	case err == unix.EINTR:
		return false, nil
	case err != nil:
		return false, err
	case n == 0:
		return false, nil
	case fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0:
		return false, errPollError
	}
	return true, nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
