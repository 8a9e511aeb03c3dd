package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/lanikai/camstream"
	"github.com/lanikai/camstream/internal/driver"
	_ "github.com/lanikai/camstream/internal/driver/mp4file"
	_ "github.com/lanikai/camstream/internal/driver/testsrc"
	_ "github.com/lanikai/camstream/internal/driver/webcam"
	"github.com/lanikai/camstream/internal/logging"
	"github.com/lanikai/camstream/internal/metrics"
	"github.com/lanikai/camstream/internal/preview"
	_ "github.com/lanikai/camstream/internal/v4l2"
	"github.com/lanikai/camstream/stereo"
)

var log = logging.DefaultLogger.WithTag("main")

// Populated via -ldflags="-X ...".
var GitRevisionId string

// version displays information and exits successfully (GNU convention)
func version() {
	fmt.Println("camstream", GitRevisionId)
	fmt.Println("Copyright 2019 Lanikai Labs LLC. All rights reserved.")
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	params := camstream.Params{
		Width:           flagWidth,
		Height:          flagHeight,
		FPS:             flagFPS,
		PixelFormat:     flagFormat,
		BufferCount:     flagBuffers,
		WatchdogTimeout: flagWatchdog,
		ShutterSpeed:    flagShutter,
		ISO:             flagISO,
		Camera:          flagCamera,
	}

	src, err := open(params)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Destroy(); err != nil {
			log.Warn("%v", err)
		}
	}()

	c := &consumer{
		src:       src,
		maxFrames: flagMaxFrames,
		restart:   flagRestart,
	}

	if flagPreview != "" {
		c.preview = preview.NewServer(flagPreview, flagWidth, flagHeight, flagFormat)
		go func() {
			if err := c.preview.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("preview: %v", err)
			}
		}()
		defer c.preview.Shutdown(context.Background())
	}

	if flagMetrics != "" {
		collector := metrics.NewCollector()
		for _, s := range src.streams() {
			collector.Add(s)
		}
		prometheus.MustRegister(collector)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: flagMetrics, Handler: mux}
		go func() {
			log.Info("Metrics available at http://%s/metrics", flagMetrics)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics: %v", err)
			}
		}()
		defer server.Shutdown(context.Background())
	}

	if err := src.Start(); err != nil {
		return err
	}

	daemon.SdNotify(false, daemon.SdNotifyReady)
	defer daemon.SdNotify(false, daemon.SdNotifyStopping)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go c.pingSystemd(ctx, interval/2)
	}

	return c.consume(ctx)
}

// open creates a single stream, or a stereo pair when a right source is given.
func open(p camstream.Params) (source, error) {
	left, err := create(flagInput, p)
	if err != nil || flagRight == "" {
		return mono{left}, err
	}

	right, err := create(flagRight, p)
	if err != nil {
		left.Destroy()
		return nil, err
	}
	return pair{stereo.New(left, right)}, nil
}

func create(spec string, p camstream.Params) (*camstream.Stream, error) {
	openDriver, err := driver.Lookup(spec)
	if err != nil {
		return nil, err
	}
	return camstream.Create(p, openDriver)
}

// pingSystemd feeds the systemd watchdog while frames keep being consumed.
func (c *consumer) pingSystemd(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n := c.consumed(); n != last {
			last = n
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
