// Package mp4file replays the H.264 track of an MP4 file as a camera. Each
// frame is one access unit in Annex-B form, with SPS and PPS ahead of every
// key frame. Frames are paced by their presentation times.
//
// Registered as "mp4:<file>[,loop]". With loop the file restarts at the end;
// otherwise the driver reports end of stream.
package mp4file

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/mp4"
	"github.com/pkg/errors"

	"github.com/lanikai/camstream/internal/driver"
	"github.com/lanikai/camstream/internal/logging"
)

var log = logging.DefaultLogger.WithTag("mp4")

var startCode = []byte{0, 0, 0, 1}

const (
	naluTypeSEI = 6
)

func init() {
	driver.Register("mp4", func(path string, f driver.Format) (driver.Driver, error) {
		return Open(path, f)
	})
}

type File struct {
	driver.Port

	file    *os.File
	demuxer *mp4.Demuxer
	video   int // Stream index of the H.264 track
	codec   h264parser.CodecData
	loop    bool

	// Wall clock time of the first packet.
	start time.Time
}

// Open an MP4 file for replay.
func Open(spec string, f driver.Format) (*File, error) {
	parts := strings.Split(spec, ",")
	name := parts[0]
	if name == "" {
		return nil, errors.New("mp4: no file name")
	}

	m := &File{video: -1}
	for _, opt := range parts[1:] {
		switch opt {
		case "loop":
			m.loop = true
		default:
			return nil, errors.Errorf("mp4: unknown option %q", opt)
		}
	}

	log.Info("Opening file %s", name)
	file, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "mp4")
	}

	m.file = file
	m.demuxer = mp4.NewDemuxer(file)

	codecs, err := m.demuxer.Streams()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "mp4: %s", name)
	}
	for i, codec := range codecs {
		if cd, ok := codec.(h264parser.CodecData); ok && m.video < 0 {
			m.video = i
			m.codec = cd
			log.Info("%v stream: %dx%d", cd.Type(), cd.Width(), cd.Height())
			continue
		}
		log.Debug("Skipping %v stream", codec.Type())
	}
	if m.video < 0 {
		file.Close()
		return nil, errors.Errorf("mp4: %s has no H.264 stream", name)
	}
	if f.Width > 0 && (f.Width != m.codec.Width() || f.Height != m.codec.Height()) {
		log.Warn("%s is %dx%d, not the requested %dx%d", name, m.codec.Width(), m.codec.Height(), f.Width, f.Height)
	}

	m.Port.Capture = m.capture
	return m, nil
}

func (m *File) Name() string {
	return "mp4:" + m.file.Name()
}

// BufferSize allows for a frame as large as raw 4:2:0 video.
func (m *File) BufferSize() int {
	return m.codec.Width() * m.codec.Height() * 3 / 2
}

func (m *File) Codec() av.VideoCodecData {
	return m.codec
}

func (m *File) EnableOutput(h driver.Handler) error {
	m.start = time.Time{}
	return m.Port.EnableOutput(h)
}

func (m *File) Close() error {
	m.Port.DisableOutput()
	return m.file.Close()
}

// capture reads the next video packet into buf once it is due.
func (m *File) capture(quit <-chan struct{}, buf []byte) (int, error) {
	for {
		pkt, err := m.demuxer.ReadPacket()
		if err == io.EOF && m.loop {
			if err := m.demuxer.SeekToTime(0); err != nil {
				return 0, errors.Wrap(err, "mp4: rewind")
			}
			// Play the file again after a short pause.
			m.start = time.Now().Add(50 * time.Millisecond)
			continue
		}
		if err != nil {
			return 0, err
		}
		if int(pkt.Idx) != m.video {
			continue
		}

		if m.start.IsZero() {
			m.start = time.Now().Add(-pkt.Time)
		}
		select {
		case <-quit:
			return 0, driver.ErrInterrupted
		case <-time.After(time.Until(m.start.Add(pkt.Time))):
		}

		n, ok := m.accessUnit(buf, pkt)
		if !ok {
			log.Warn("Dropping %d byte frame at %v, larger than buffer", len(pkt.Data), pkt.Time)
			continue
		}
		return n, nil
	}
}

// accessUnit writes pkt into buf in Annex-B form.
func (m *File) accessUnit(buf []byte, pkt av.Packet) (int, bool) {
	var nalus [][]byte
	if pkt.IsKeyFrame {
		nalus = append(nalus, m.codec.SPS(), m.codec.PPS())
	}
	split, _ := h264parser.SplitNALUs(pkt.Data)
	nalus = append(nalus, split...)

	n := 0
	for _, nalu := range nalus {
		if len(nalu) == 0 || nalu[0]&0x1f == naluTypeSEI {
			continue
		}
		if n+len(startCode)+len(nalu) > len(buf) {
			return 0, false
		}
		n += copy(buf[n:], startCode)
		n += copy(buf[n:], nalu)
	}
	return n, true
}
