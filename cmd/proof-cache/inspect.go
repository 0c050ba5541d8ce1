package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ipfs/go-datastore"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/consensus-shipyard/go-topdown/proofs"
	"github.com/consensus-shipyard/go-topdown/proofs/cache"
)

var outputFlag = &cli.StringFlag{
	Name:  "output",
	Usage: "output format: text or json",
	Value: "text",
}

var inspectCmd = &cli.Command{
	Name:      "inspect",
	Usage:     "List the entries of a persisted proof cache",
	ArgsUsage: "<db_path>",
	Flags:     []cli.Flag{outputFlag},
	Action: func(cctx *cli.Context) error {
		return withCache(cctx, 1, func(ds datastore.Batching) error {
			entries, err := cache.LoadAllEntries(cctx.Context, ds)
			if err != nil {
				return err
			}
			committed, ok, err := cache.LoadLastCommitted(cctx.Context, ds)
			if err != nil {
				return err
			}

			out := cctx.App.Writer
			if cctx.String("output") == "json" {
				summaries := make([]entrySummary, len(entries))
				for i, e := range entries {
					summaries[i] = summarize(e)
				}
				res := struct {
					LastCommitted *uint64
					Entries       []entrySummary
				}{Entries: summaries}
				if ok {
					res.LastCommitted = &committed
				}
				return printJSON(out, res)
			}

			if ok {
				_, _ = fmt.Fprintf(out, "last committed instance: %d\n", committed)
			} else {
				_, _ = fmt.Fprintln(out, "last committed instance: unknown")
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(out, "no cached entries")
				return nil
			}

			tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "INSTANCE\tEPOCHS\tSTORAGE\tEVENTS\tBLOCKS\tGENERATED\tSOURCE")
			for _, e := range entries {
				s := summarize(e)
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\t%s\n",
					s.InstanceID, epochRange(e), s.StorageProofs, s.EventProofs, s.Blocks,
					humanize.Time(e.GeneratedAt), e.SourceRPC)
			}
			return tw.Flush()
		})
	},
}

var statsCmd = &cli.Command{
	Name:      "stats",
	Usage:     "Summarize a persisted proof cache",
	ArgsUsage: "<db_path>",
	Flags:     []cli.Flag{outputFlag},
	Action: func(cctx *cli.Context) error {
		return withCache(cctx, 1, func(ds datastore.Batching) error {
			st, err := cache.LoadStats(cctx.Context, ds)
			if err != nil {
				return err
			}

			out := cctx.App.Writer
			if cctx.String("output") == "json" {
				return printJSON(out, st)
			}

			_, _ = fmt.Fprintf(out, "entries: %d\n", st.Entries)
			if st.Entries > 0 {
				_, _ = fmt.Fprintf(out, "instances: %d - %d\n", st.Lowest, st.Highest)
			}
			_, _ = fmt.Fprintf(out, "payload size: %s\n", humanize.IBytes(st.PayloadBytes))
			if st.HasCommitted {
				_, _ = fmt.Fprintf(out, "last committed instance: %d\n", st.LastCommitted)
			}
			return nil
		})
	},
}

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "Print the proof bundle cached for an instance",
	ArgsUsage: "<db_path> <instance_id>",
	Flags:     []cli.Flag{outputFlag},
	Action: func(cctx *cli.Context) error {
		instance, err := strconv.ParseUint(cctx.Args().Get(1), 10, 64)
		if err != nil {
			return xerrors.Errorf("parsing instance id %q: %w", cctx.Args().Get(1), err)
		}
		return withCache(cctx, 2, func(ds datastore.Batching) error {
			e, ok, err := cache.LoadEntry(cctx.Context, ds, instance)
			if err != nil {
				return err
			}
			if !ok {
				return xerrors.Errorf("instance %d is not cached", instance)
			}

			out := cctx.App.Writer
			if cctx.String("output") == "json" {
				return printJSON(out, e)
			}

			c := e.Certificate
			_, _ = fmt.Fprintf(out, "instance: %d\n", e.InstanceID)
			_, _ = fmt.Fprintf(out, "finalized epochs: %s\n", epochRange(e))
			_, _ = fmt.Fprintf(out, "generated: %s (%s)\n", e.GeneratedAt.Format(time.RFC3339), humanize.Time(e.GeneratedAt))
			_, _ = fmt.Fprintf(out, "source: %s\n", e.SourceRPC)
			_, _ = fmt.Fprintf(out, "power table: %s\n", c.PowerTableCID)
			_, _ = fmt.Fprintf(out, "signers: %v\n", c.Signers)
			_, _ = fmt.Fprintf(out, "signature: %x\n", c.Signature)

			b := e.ProofBundle
			_, _ = fmt.Fprintf(out, "storage proofs: %d\n", len(b.StorageProofs))
			for _, sp := range b.StorageProofs {
				_, _ = fmt.Fprintf(out, "  epoch %d: actor %d head %s state %s\n", sp.Epoch, sp.ActorID, sp.ActorHead, sp.StateRoot)
			}
			_, _ = fmt.Fprintf(out, "event proofs: %d\n", len(b.EventProofs))
			for _, ep := range b.EventProofs {
				_, _ = fmt.Fprintf(out, "  epoch %d: message %d event %d emitter %d entries %d\n", ep.Epoch, ep.MessageIndex, ep.EventIndex, ep.Emitter, len(ep.Entries))
			}
			_, _ = fmt.Fprintf(out, "witness blocks: %d\n", len(b.Blocks))
			return nil
		})
	},
}

type entrySummary struct {
	InstanceID    uint64
	FirstEpoch    int64
	LastEpoch     int64
	StorageProofs int
	EventProofs   int
	Blocks        int
	GeneratedAt   time.Time
	SourceRPC     string
}

func summarize(e *proofs.CacheEntry) entrySummary {
	s := entrySummary{
		InstanceID:    e.InstanceID,
		StorageProofs: len(e.ProofBundle.StorageProofs),
		EventProofs:   len(e.ProofBundle.EventProofs),
		Blocks:        len(e.ProofBundle.Blocks),
		GeneratedAt:   e.GeneratedAt,
		SourceRPC:     e.SourceRPC,
	}
	if n := len(e.FinalizedEpochs); n > 0 {
		s.FirstEpoch = int64(e.FinalizedEpochs[0])
		s.LastEpoch = int64(e.FinalizedEpochs[n-1])
	}
	return s
}

func epochRange(e *proofs.CacheEntry) string {
	switch n := len(e.FinalizedEpochs); n {
	case 0:
		return "-"
	case 1:
		return fmt.Sprint(e.FinalizedEpochs[0])
	default:
		return fmt.Sprintf("%d-%d", e.FinalizedEpochs[0], e.FinalizedEpochs[n-1])
	}
}

func withCache(cctx *cli.Context, nargs int, cb func(ds datastore.Batching) error) error {
	if cctx.NArg() != nargs {
		return xerrors.Errorf("expected %d arguments, got %d", nargs, cctx.NArg())
	}
	switch o := cctx.String("output"); o {
	case "text", "json":
	default:
		return xerrors.Errorf("unknown output format %q", o)
	}

	ds, err := cache.OpenReadOnly(cctx.Args().First())
	if err != nil {
		return err
	}
	defer ds.Close() //nolint:errcheck

	return cb(ds)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
