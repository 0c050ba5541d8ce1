package main

import (
	"fmt"
	"io"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/consensus-shipyard/go-topdown/lib/topdownlog"
)

var log = logging.Logger("proof-cache")

func main() {
	topdownlog.SetupLogLevels()

	if err := newApp().Run(os.Args); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

// printError reports a fatal command error. TOPDOWN_DEV switches to the full
// error chain in the log.
func printError(w io.Writer, err error) {
	if os.Getenv("TOPDOWN_DEV") != "" {
		log.Warnf("%+v", err)
		return
	}
	_, _ = fmt.Fprintf(w, "ERROR: %s\n\n", err)
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "proof-cache",
		Usage: "Run and inspect the F3 proof cache of a topdown node",
		Commands: []*cli.Command{
			inspectCmd,
			statsCmd,
			getCmd,
			runCmd,
			configCmd,
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Before: func(cctx *cli.Context) error {
			return logging.SetLogLevel("proof-cache", cctx.String("log-level"))
		},
	}
}
