package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("devicebridge v%s\n", version)
	fmt.Println("Home automation device bridge for X10 (heyu), iTach IR and GPIO")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  devicebridge [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that serializes commands to an X10 power-line controller (via heyu)")
	fmt.Println("  and an iTach IR blaster (via a persistent TCP socket), polls GPIO pins, and")
	fmt.Println("  pushes observed state changes to remote listeners over HTTP, MQTT and a")
	fmt.Println("  local websocket.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (optional)")
	fmt.Println()
	fmt.Println("  -heyu string")
	fmt.Printf("        Path to the heyu binary (default %q)\n", defaultHeyuCommand)
	fmt.Println()
	fmt.Println("  -ir-host string")
	fmt.Println("        iTach host; enables IR when set")
	fmt.Println()
	fmt.Println("  -ir-port int")
	fmt.Printf("        iTach TCP port (default %d)\n", defaultIRPort)
	fmt.Println()
	fmt.Println("  -http-port int")
	fmt.Printf("        REST API / websocket / metrics port, 0 disables (default %d)\n", defaultHTTPPort)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultSocketPath)
	fmt.Println()
	fmt.Println("  -listener-url string")
	fmt.Println("        Add an event listener (http(s):// for POST, mqtt:// for MQTT)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with a config file")
	fmt.Println("  devicebridge -config /etc/devicebridge.yaml")
	fmt.Println()
	fmt.Println("  # Forward events to a SmartThings-style hub")
	fmt.Println("  devicebridge -config /etc/devicebridge.yaml -listener-url http://hub.local:39500/")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - The iTach connection is opened at startup; startup fails if it is unreachable")
	fmt.Println("  - GPIO access needs write permission on /sys/class/gpio")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath  = flag.String("config", "", "Path to YAML config file (optional)")
		heyuPath    = flag.String("heyu", defaultHeyuCommand, "Path to the heyu binary")
		irHost      = flag.String("ir-host", "", "iTach host; enables IR when set")
		irPort      = flag.Int("ir-port", defaultIRPort, "iTach TCP port")
		httpPort    = flag.Int("http-port", defaultHTTPPort, "REST API / websocket / metrics port, 0 disables")
		ipcSocket   = flag.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
		listenerURL = flag.String("listener-url", "", "Add an event listener URL")
		logLevelStr = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		_           = flag.Bool("version", false, "Print version and exit")
		_           = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given explicitly override the config file.
	var o FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "heyu":
			o.HeyuPath = heyuPath
		case "ir-host":
			o.IRHost = irHost
		case "ir-port":
			o.IRPort = irPort
		case "http-port":
			o.HTTPPort = httpPort
		case "ipc-socket":
			o.IPCSocketPath = ipcSocket
		case "listener-url":
			o.ListenerURL = listenerURL
		case "log-level":
			o.LogLevel = logLevelStr
		}
	})
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := setupLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("devicebridge stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("devicebridge stopped")
}

// run constructs every component, then runs them until ctx is canceled or one
// of them fails.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	logger.Debug("starting devicebridge", "version", version)

	metrics := NewMetrics()
	hub := NewHub(logger, HubConfig{})

	listeners := []Listener{hub}
	for _, lc := range cfg.Listeners {
		l, closeFn, err := newListener(lc, logger)
		if err != nil {
			return fmt.Errorf("listener %s: %w", lc.Name, err)
		}
		if closeFn != nil {
			defer closeFn()
		}
		listeners = append(listeners, l)
	}
	bridge := NewEventBridge(listeners, 0, logger, metrics)

	toggleHold := time.Duration(cfg.GPIO.ToggleHoldMS) * time.Millisecond
	api := &APIServer{Events: hub, Metric: metrics.Handler(), ToggleHold: toggleHold, Logger: logger}
	ipc := &IPCServer{ToggleHold: toggleHold, Logger: logger}

	var tasks []func(context.Context) error

	if cfg.X10.Enabled {
		pt := NewProcessTransport(cfg.X10.Heyu, logger)
		q := NewCommandQueue("x10", pt, logger, metrics)
		x10 := NewX10Service(q, pt, cfg.X10.KnownCodes, bridge, logger, metrics)
		x10.Start(ctx)

		api.X10, ipc.X10 = x10, x10
		tasks = append(tasks, func(ctx context.Context) error { return q.Run(ctx) })
		if cfg.X10.Monitor {
			tasks = append(tasks, func(ctx context.Context) error {
				if err := x10.Monitor(ctx); err != nil {
					logger.Error("x10 monitor stopped; no further x10 events", "error", err)
				}
				return nil
			})
		}
	}

	if cfg.IR.Enabled {
		addr := net.JoinHostPort(cfg.IR.Host, strconv.Itoa(cfg.IR.Port))
		st, err := DialSocketTransport(ctx, addr, cfg.IR, logger, metrics)
		if err != nil {
			return fmt.Errorf("ir: %w", err)
		}
		defer st.Close()

		q := NewCommandQueue("ir", st, logger, metrics)
		ir := NewIRService(q)
		api.IR, ipc.IR = ir, ir

		tasks = append(tasks,
			func(ctx context.Context) error { return q.Run(ctx) },
			func(ctx context.Context) error {
				select {
				case <-ctx.Done():
				case <-st.Done():
					logger.Error("ir connection lost; ir commands fail until restart", "addr", addr)
				}
				return nil
			},
		)
	}

	if cfg.GPIO.Enabled {
		interval := time.Duration(cfg.GPIO.PollIntervalMS) * time.Millisecond
		poller, err := NewGPIOPoller(NewSysfsDriver(cfg.GPIO.SysfsRoot), cfg.GPIO.Pins, interval, bridge, logger)
		if err != nil {
			return fmt.Errorf("gpio: %w", err)
		}
		api.GPIO, ipc.GPIO = poller, poller
		tasks = append(tasks, poller.Run)
	}

	if len(cfg.Temp.Sensors) > 0 {
		if cfg.Temp.LoadModules {
			modprobe := NewProcessTransport("modprobe", logger)
			for _, mod := range []string{"w1-gpio", "w1-therm"} {
				if err := modprobe.Run(ctx, mod); err != nil {
					logger.Warn("modprobe failed", "module", mod, "error", err)
				}
			}
		}
		api.Temp = NewTemperatureReader(cfg.Temp, logger)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { hub.Run(ctx); return nil })
	g.Go(func() error { return bridge.Run(ctx) })
	for _, task := range tasks {
		g.Go(func() error { return task(ctx) })
	}
	if cfg.HTTP.Port > 0 {
		g.Go(func() error { return runHTTPServer(ctx, cfg.HTTP.Port, api.Router(), logger) })
	}
	if cfg.IPC.SocketPath != "" {
		g.Go(func() error { return ipc.Run(ctx, ExpandPath(cfg.IPC.SocketPath)) })
	}

	logger.Info("devicebridge running",
		"x10", cfg.X10.Enabled,
		"ir", cfg.IR.Enabled,
		"gpio", cfg.GPIO.Enabled,
		"temp_sensors", len(cfg.Temp.Sensors),
		"listeners", bridge.Listeners(),
		"http_port", cfg.HTTP.Port,
		"ipc", cfg.IPC.SocketPath,
	)

	return g.Wait()
}

// newListener builds the listener for lc. The returned close function, when
// non-nil, releases the listener's connection.
func newListener(lc ListenerConfig, logger *slog.Logger) (Listener, func(), error) {
	u, err := url.Parse(lc.URL)
	if err != nil {
		return nil, nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPListener(lc.Name, lc.URL, nil), nil, nil
	default:
		l, err := DialMQTTListener(lc.Name, lc.URL, lc.Topic, logger)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	}
}
