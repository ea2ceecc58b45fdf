package main

import (
	"bufio"
	"context"
	"crossing/console"
	"crossing/display"
	"crossing/metrics"
	"crossing/node"
	"crossing/radio/link"
	"crossing/util/config"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

type options struct {
	transport   string
	addr        uint
	hardware    bool
	host        string
	basePort    int
	loss        float64
	scale       int
	arrivals    time.Duration
	emergencies float64
	logLevel    string
	metricsAddr string
	console     bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.transport, "transport", "sim", "radio transport: sim (all four nodes in this process) or udp (one node)")
	flag.UintVar(&o.addr, "addr", 0, "address of the node to run with -transport udp")
	flag.BoolVar(&o.hardware, "hw", false, "use the deployed mote addresses instead of the simulator ones")
	flag.StringVar(&o.host, "host", "127.0.0.1", "udp host")
	flag.IntVar(&o.basePort, "port", config.DEFAULT_RADIO_PORT, "udp base port, each node listens on port+addr")
	flag.Float64Var(&o.loss, "loss", 0, "frame loss rate of the simulated medium")
	flag.IntVar(&o.scale, "scale", 1, "divide every protocol interval by this factor")
	flag.DurationVar(&o.arrivals, "arrivals", 0, "mean time between simulated vehicles per gate, 0 disables")
	flag.Float64Var(&o.emergencies, "emergencies", 0.1, "share of simulated vehicles that are emergencies")
	flag.StringVar(&o.logLevel, "log", "info", "log level")
	flag.StringVar(&o.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	flag.BoolVar(&o.console, "console", true, "read the operator console from stdin on the sink")
	flag.Parse()
	return o
}

func main() {
	o := parseFlags()
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "crossing",
		Level: hclog.LevelFromString(o.logLevel),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, o, logger); err != nil {
		logger.Error("stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, logger hclog.Logger) error {
	topo := config.SimTopology()
	if o.hardware {
		topo = config.HardwareTopology()
	}
	timing := config.DefaultTiming().Scaled(o.scale)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var links []link.Link
	switch o.transport {
	case "sim":
		medium := link.NewSimMedium(o.loss, uint64(time.Now().UnixNano()))
		for _, addr := range topo.All() {
			links = append(links, medium.Attach(addr))
		}
	case "udp":
		addr := config.Address(o.addr)
		if _, err := topo.Lookup(addr); err != nil {
			return err
		}
		l, err := link.ListenUDP(addr, link.UDPConfig{Host: o.host, BasePort: o.basePort, Nodes: topo.All()}, logger)
		if err != nil {
			return err
		}
		links = append(links, l)
	default:
		return fmt.Errorf("unknown transport %q", o.transport)
	}

	g, ctx := errgroup.WithContext(ctx)
	var stdinUsed bool
	for _, l := range links {
		info, err := topo.Lookup(l.Addr())
		if err != nil {
			return err
		}
		press := make(chan struct{}, 4)
		n, err := node.New(l, node.Config{
			Topology: topo,
			Timing:   timing,
			Detector: press,
			Output:   display.New(os.Stdout, fmt.Sprintf("%s %v", info.Kind, info.Addr)),
		}, logger, m)
		if err != nil {
			return err
		}
		g.Go(func() error { return n.Run(ctx) })

		switch {
		case n.Sink() != nil && o.console:
			stdinUsed = true
			c := console.New(n.Sink().SetBanner, logger)
			g.Go(func() error { return ignoreEOF(c.Run(ctx, os.Stdin, os.Stdout)) })
		case o.transport == "udp" && !stdinUsed:
			// each line on stdin is one detector activation
			stdinUsed = true
			g.Go(func() error { return readPresses(ctx, os.Stdin, press) })
		}
		if info.Kind == config.GateNode && o.arrivals > 0 {
			seed := uint64(info.Addr)
			g.Go(func() error { return simulateTraffic(ctx, o.arrivals, o.emergencies, seed, press) })
		}
	}

	if o.metricsAddr != "" {
		srv := &http.Server{Addr: o.metricsAddr, Handler: metrics.Handler(reg)}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", o.metricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}
	return g.Wait()
}

func readPresses(ctx context.Context, in io.Reader, press chan<- struct{}) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case press <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}

// simulateTraffic presses the detector for vehicles arriving at random.
// An emergency vehicle presses twice in quick succession.
func simulateTraffic(ctx context.Context, mean time.Duration, emergencies float64, seed uint64, press chan<- struct{}) error {
	rng := rand.New(rand.NewPCG(seed, uint64(time.Now().UnixNano())))
	for {
		wait := time.Duration(rng.ExpFloat64() * float64(mean))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		n := 1
		if rng.Float64() < emergencies {
			n = 2
		}
		for i := 0; i < n; i++ {
			select {
			case press <- struct{}{}:
			default:
			}
		}
	}
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
