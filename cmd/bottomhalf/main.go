package main

import (
	"fmt"
	"log"
	"os"

	"github.com/evanphx/bottomhalf/config"
	clog "github.com/evanphx/bottomhalf/log"
	"github.com/spf13/pflag"
)

var (
	fConfig  = pflag.StringP("config", "c", "", "HCL configuration file")
	fVerbose = pflag.BoolP("verbose", "v", false, "dump raw structures")
	fTicks   = pflag.IntP("ticks", "t", 100, "timer ticks to simulate")
	fRaises  = pflag.IntP("raises", "n", 1000, "interrupts raised per cpu during simulate")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: bottomhalf [flags] <command> [args]

commands:
  dump <image>              print the fault table in an image
  lookup <image> <addr>...  resolve fault addresses against an image
  encode <out> <insn:fixup>...
                            write a raw table image
  simulate                  drive the dispatchers with synthetic interrupts

flags:
`)
	pflag.PrintDefaults()
}

func loadConfig() (*config.Config, error) {
	if *fConfig == "" {
		return config.Default(), nil
	}

	return config.LoadFile(*fConfig)
}

func main() {
	pflag.Usage = usage
	pflag.Parse()

	if *fVerbose {
		clog.EnableDebug()
	}

	args := pflag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error

	switch args[0] {
	case "dump":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		err = dump(args[1], *fVerbose)
	case "lookup":
		if len(args) < 3 {
			usage()
			os.Exit(2)
		}
		err = lookup(args[1], args[2:])
	case "encode":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		err = encode(args[1], args[2:])
	case "simulate":
		var cfg *config.Config
		cfg, err = loadConfig()
		if err == nil {
			err = simulate(cfg, *fTicks, *fRaises)
		}
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal(err)
	}
}
