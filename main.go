/*
Command line front-end of the resource engine: mounts the archives listed in
a configuration file and resolves, reads or writes asset paths through them.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spaghettifunk/anima-resources/engine"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"go.uber.org/multierr"
)

var (
	configFile  = flag.String("config", "anima.toml", "configuration file")
	logLevel    = flag.String("log-level", "", "overrides log.level of the configuration file")
	metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address and wait for a signal")
	outFile     = flag.String("out", "", "write the output of 'read' to this file instead of stdout")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: %s [flags] <command> [args]

commands:
  mounts                    list mounted archives
  resolve <path>            print the archive holding path
  read <path>...            print the content of one or more paths
  write <mount> <path> <file>
                            copy file into the mounted archive

flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	flag.Parse()
	if flag.NArg() == 0 && *metricsAddr == "" {
		flag.Usage()
		return errors.New("missing command")
	}

	config, err := engine.LoadConfig(*configFile)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		config.Log.Level = *logLevel
	}

	// signal channel to capture system calls
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	reg := prometheus.NewRegistry()
	e, err := engine.New(config, reg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, e.Shutdown(context.Background()))
	}()

	if err := e.Initialize(ctx); err != nil {
		return err
	}

	if flag.NArg() > 0 {
		if err := execute(ctx, e, flag.Arg(0), flag.Args()[1:]); err != nil {
			return err
		}
	}

	if *metricsAddr != "" {
		return serveMetrics(ctx, *metricsAddr, reg)
	}
	return nil
}

func execute(ctx context.Context, e *engine.Engine, command string, args []string) error {
	am := e.Archives()

	switch command {
	case "mounts":
		for _, name := range am.Mounts() {
			a, ok := am.Mount(name)
			if !ok {
				continue
			}
			fmt.Printf("%-16s %-10s %s\n", name, a.ArchiveType(), a.Location())
		}
		return nil

	case "resolve":
		if len(args) != 1 {
			return fmt.Errorf("resolve takes one path: %w", core.ErrInvalidParameter)
		}
		a, err := am.GetArchive(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", a.Name(), a.ArchiveType(), a.Location())
		return nil

	case "read":
		if len(args) == 0 {
			return fmt.Errorf("read takes at least one path: %w", core.ErrInvalidParameter)
		}
		contents, err := am.ReadAll(ctx, args...)
		if err != nil {
			return err
		}
		var out io.Writer = os.Stdout
		if *outFile != "" {
			f, err := os.Create(*outFile)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		for _, data := range contents {
			if _, err := out.Write(data); err != nil {
				return err
			}
		}
		return nil

	case "write":
		if len(args) != 3 {
			return fmt.Errorf("write takes a mount, a path and a file: %w", core.ErrInvalidParameter)
		}
		data, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		return am.Write(ctx, args[0], args[1], data)

	default:
		flag.Usage()
		return fmt.Errorf("unknown command '%s': %w", command, core.ErrInvalidParameter)
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	// start shutdown goroutine
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	core.LogInfo("Serving metrics on %s.", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
