package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/lanikai/camstream"
)

var (
	flagInput     string
	flagRight     string
	flagWidth     int
	flagHeight    int
	flagFPS       int
	flagFormat    string
	flagBuffers   int
	flagWatchdog  time.Duration
	flagShutter   time.Duration
	flagISO       int
	flagCamera    int
	flagMaxFrames int
	flagRestart   bool
	flagPreview   string
	flagMetrics   string
	flagHelp      bool
	flagVersion   bool
)

func init() {
	flag.StringVarP(&flagInput, "input", "i", "v4l2:/dev/video0", "Video source")
	flag.StringVarP(&flagRight, "right", "r", "", "Second video source for stereo capture")
	flag.IntVarP(&flagWidth, "width", "x", camstream.DefaultWidth, "Video width")
	flag.IntVarP(&flagHeight, "height", "y", camstream.DefaultHeight, "Video height")
	flag.IntVarP(&flagFPS, "fps", "f", camstream.DefaultFPS, "Frame rate")
	flag.StringVarP(&flagFormat, "format", "", camstream.DefaultPixelFormat, "Pixel format (FourCC)")
	flag.IntVarP(&flagBuffers, "buffers", "n", camstream.DefaultBufferCount, "Number of frame buffers")
	flag.DurationVarP(&flagWatchdog, "watchdog", "w", camstream.DefaultWatchdogTimeout, "Stall timeout")
	flag.DurationVarP(&flagShutter, "shutter", "", 0, "Fixed shutter speed")
	flag.IntVarP(&flagISO, "iso", "", 0, "Fixed ISO")
	flag.IntVarP(&flagCamera, "camera", "", 0, "Camera index")
	flag.IntVarP(&flagMaxFrames, "max-frames", "t", 0, "Exit after this many frames")
	flag.BoolVarP(&flagRestart, "restart", "", false, "Restart after a stall or driver fault")
	flag.StringVarP(&flagPreview, "preview", "p", "", "Serve a websocket preview on this address")
	flag.StringVarP(&flagMetrics, "metrics", "m", "", "Serve Prometheus metrics on this address")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Latest-frame camera capture

Usage: camstream [OPTION]...

Video source:
  -i, --input=SPEC       Video source (default: v4l2:/dev/video0)
  -r, --right=SPEC       Second source; frames are consumed in pairs
  -x, --width=NUM        Set video width (default: 1280)
  -y, --height=NUM       Set video height (default: 720)
  -f, --fps=NUM          Set frame rate (default: 30)
      --format=FOURCC    Set pixel format (default: YU12)
      --shutter=DURATION Fix the shutter speed, e.g. 8ms (default: automatic)
      --iso=NUM          Fix the ISO (default: automatic)
      --camera=NUM       Select the camera on multi-sensor boards (default: 0)

  Sources are v4l2:DEVICE[,hflip][,vflip], webcam:DEVICE, mp4:FILE[,loop]
  and testsrc:[stall=DURATION]. A bare /dev/video* path means v4l2.

Capture:
  -n, --buffers=NUM      Number of frame buffers (default: 4)
  -w, --watchdog=DURATION
                         Stop when no frame arrives for this long (default: 4s)
      --restart          Restart after a stall or driver fault
  -t, --max-frames=NUM   Exit after this many frames (default: unlimited)

Monitoring:
  -p, --preview=ADDR     Serve frames over websocket at ws://ADDR/ws
  -m, --metrics=ADDR     Serve Prometheus metrics at http://ADDR/metrics

  Set CAMSTREAM_LOG=level or tag=level,... to adjust logging.

Miscellaneous:
  -h, --help             Prints this help message and exits
  -v, --version          Prints version information and exits

Please report bugs to: aloha@lanikailabs.com`

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	b := color.New(color.FgCyan)

	//                                _
	//   ___  __ _  _ __ ___    ___ | |_  _ __  ___   __ _  _ __ ___
	//  / __|/ _` || '_ ` _ \  / __|| __|| '__|/ _ \ / _` || '_ ` _ \
	// | (__| (_| || | | | | | \__ \| |_ | |  |  __/| (_| || | | | | |
	//  \___|\__,_||_| |_| |_| |___/ \__||_|   \___| \__,_||_| |_| |_|

	// Line 1
	r.Printf("                       ")
	b.Println("     _                                    ")

	// Line 2
	r.Printf("  ___  __ _  _ __ ___  ")
	b.Println("  ___ | |_  _ __  ___   __ _  _ __ ___   ")

	// Line 3
	r.Printf(" / __|/ _` || '_ ` _ \\ ")
	b.Println(" / __|| __|| '__|/ _ \\ / _` || '_ ` _ \\  ")

	// Line 4
	r.Printf("| (__| (_| || | | | | |")
	b.Println(" \\__ \\| |_ | |  |  __/| (_| || | | | | | ")

	// Line 5
	r.Printf(" \\___|\\__,_||_| |_| |_|")
	b.Println(" |___/ \\__||_|   \\___| \\__,_||_| |_| |_| ")

	fmt.Println(helpString)
}
