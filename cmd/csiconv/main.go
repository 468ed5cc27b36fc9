package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basekick-labs/csiconv/internal/config"
	"github.com/basekick-labs/csiconv/internal/csi"
	"github.com/basekick-labs/csiconv/internal/decoder"
	"github.com/basekick-labs/csiconv/internal/logger"
	"github.com/basekick-labs/csiconv/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

const usage = `Usage: csiconv <command> [flags]

Commands:
  convert   decode a datalogger file into Parquet or msgpack output
  dump      print the first records of a datalogger file as text
  version   print the version

Run "csiconv <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "convert":
		err = runConvert(ctx, os.Args[2:])
	case "dump":
		err = runDump(ctx, os.Args[2:])
	case "version":
		fmt.Println("csiconv", Version)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error : %s\n", diagnostic(err))
		os.Exit(1)
	}
}

// diagnostic renders err as one line, leading with the decode position
// when there is one.
func diagnostic(err error) string {
	var derr *csi.DecodeError
	if errors.As(err, &derr) {
		return derr.Error()
	}
	return strings.ReplaceAll(err.Error(), "\n", " ")
}

// listFlag collects a flag given several times.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, " ") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// commonFlags are shared by convert and dump and override the configuration.
type commonFlags struct {
	input      string
	inputType  string
	configFile string
	sloppy     bool
	blockSize  string
	logLevel   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.input, "i", "", "input file, - for standard input (gzip and zstd are decompressed)")
	fs.StringVar(&c.inputType, "type", "", "input type: auto, final, text, tob1, tob2, tob3")
	fs.StringVar(&c.configFile, "config", "", "configuration file (default: csiconv.toml if present)")
	fs.BoolVar(&c.sloppy, "sloppy", false, "log and skip recoverable stream anomalies")
	fs.StringVar(&c.blockSize, "block-size", "", "read size, e.g. 4KB")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
}

// load reads the configuration and applies the flags that were given.
func (c *commonFlags) load(fs *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return nil, err
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "type":
			cfg.Decode.InputType = strings.ToLower(c.inputType)
		case "sloppy":
			cfg.Decode.Sloppy = c.sloppy
		case "block-size":
			n, err := config.ParseSize(c.blockSize)
			if err != nil {
				flagErr = fmt.Errorf("invalid -block-size: %w", err)
				return
			}
			cfg.Decode.BlockSize = int(n)
		case "log-level":
			cfg.Log.Level = c.logLevel
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if c.input == "" {
		return nil, fmt.Errorf("no input file given (-i)")
	}
	return cfg, nil
}

func runConvert(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	var common commonFlags
	common.register(fs)

	var filters listFlag
	definition := fs.String("f", "", "definition file (.yaml/.yml or line format)")
	output := fs.String("o", "", "output name without extension, - writes msgpack to standard output")
	outFormat := fs.String("format", "", "output format: parquet or msgpack")
	fs.Var(&filters, "c", "filter condition, e.g. \"a101c2>10 && a101c3<5\" (repeatable, all must hold)")
	start := fs.String("start", "", "condition that starts the output, once true")
	stopCond := fs.String("stop", "", "condition that ends the output, once true")
	overwrite := fs.Bool("overwrite", false, "replace existing output objects")
	metricsFile := fs.String("metrics-file", "", "write Prometheus counters to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	if *outFormat != "" {
		cfg.Output.Format = strings.ToLower(*outFormat)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if *metricsFile != "" {
		cfg.Metrics.TextfilePath = *metricsFile
	}

	rec := logger.Setup(cfg.Log.Level, cfg.Log.Format)
	metrics.Init(logger.Get("metrics"))
	log.Debug().Str("version", Version).Msg("Starting csiconv")

	opts := decoder.Options{
		Input:          common.input,
		DefinitionPath: *definition,
		Output:         *output,
		Filters:        filters,
		Start:          *start,
		Stop:           *stopCond,
		Overwrite:      *overwrite,
		Config:         cfg,
		Logger:         log.Logger,
	}
	if *output == "-" {
		cfg.Output.Format = "msgpack"
		opts.Output = ""
		opts.MsgpackWriter = os.Stdout
	}

	_, err = decoder.Run(ctx, opts)
	if n := rec.Warnings(); n > 0 {
		log.Warn().Int("warnings", n).Msg("Anomalies were skipped, output may be incomplete")
	}
	return err
}

func runDump(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	n := fs.Int64("n", 20, "number of records to print, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	_, err = decoder.Dump(ctx, decoder.Options{
		Input:  common.input,
		Config: cfg,
		Logger: log.Logger,
	}, *n, os.Stdout)
	return err
}
