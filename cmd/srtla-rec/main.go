package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/openirl/srtla-rec/internal/config"
	"github.com/openirl/srtla-rec/rec"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path of an optional yaml config file")
		srtlaPort   = flag.Uint("srtla_port", 5000, "port to bind the srtla socket to")
		srtHostname = flag.String("srt_hostname", "127.0.0.1", "hostname of the downstream srt server")
		srtPort     = flag.Uint("srt_port", 4001, "port of the downstream srt server")
		verbose     = flag.Bool("verbose", false, "enable verbose logging")
		logPath     = flag.String("log", "", "log file path, stdout when empty")
	)
	flag.Parse()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// flags take precedence over file values
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["srtla_port"] && cfg.SRTLAPort != 0 {
			*srtlaPort = uint(cfg.SRTLAPort)
		}
		if !set["srt_hostname"] && cfg.SRTHostname != "" {
			*srtHostname = cfg.SRTHostname
		}
		if !set["srt_port"] && cfg.SRTPort != 0 {
			*srtPort = uint(cfg.SRTPort)
		}
		if !set["verbose"] {
			*verbose = cfg.Verbose
		}
		if !set["log"] && cfg.LogPath != "" {
			*logPath = cfg.LogPath
		}
	}

	opts := &slog.HandlerOptions{}
	if *verbose {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))

	srtAddr, _, err := rec.ResolveSRTAddr(*srtHostname, uint16(*srtPort), logger)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	r, err := rec.New(uint16(*srtlaPort), srtAddr, &rec.Config{
		Verbose: *verbose,
		LogPath: *logPath,
	})
	if err != nil {
		os.Exit(1)
	}

	if err := r.Serve(); err != nil {
		os.Exit(1)
	}
}
