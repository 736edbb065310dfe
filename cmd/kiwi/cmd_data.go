package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/kiwi/internal/export"
	"github.com/shaunagostinho/kiwi/internal/kiwi"
	"github.com/shaunagostinho/kiwi/internal/monitor"
	"github.com/shaunagostinho/kiwi/internal/record"
	"github.com/shaunagostinho/kiwi/internal/store"
	"github.com/shaunagostinho/kiwi/web"
)

var (
	extractAll       bool
	extractOverwrite bool
	extractStop      bool
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Copy the logger's memory to disk",
	Long: `Read the flash memory in CRC-checked chunks into
<data_dir>/<id>/<id>_<start>.bin and record the run in the .config sidecar
next to it. Reading stops at the first erased chunk unless --all is given.
Interrupting keeps every chunk read so far.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		out := cmd.OutOrStdout()

		logging, err := d.IsLogging(ctx)
		if err != nil {
			return err
		}
		var hostStop *int64
		if logging {
			if !extractStop {
				return errors.New("logger is still logging; rerun with --stop")
			}
			now := time.Now().Unix()
			hostStop = &now
			if err := d.StopLogging(ctx); err != nil {
				return err
			}
		}

		c, err := d.Config(ctx, false)
		if err != nil {
			return err
		}
		vbatt, err := d.BatteryVoltage(ctx)
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Extract.DataDir, log)
		if err != nil {
			return err
		}
		run := st.Run(c.ID, c.Start)
		f, err := st.CreateDump(run, extractOverwrite)
		if err != nil {
			return err
		}

		e := cfg.Extractor(log)
		if extractAll {
			e.StopOnEmpty = false
		}
		e.Progress = func(ch kiwi.Chunk, r kiwi.Result) {
			fmt.Fprintf(out, "\r0x%06X  %6.2f%%  %d KiB", ch.End, 100*float64(ch.End+1)/record.FlashSize, r.Bytes/1024)
		}
		res, xerr := d.ExtractAll(ctx, e, f)
		fmt.Fprintln(out)
		if err := f.Close(); err != nil && xerr == nil {
			xerr = err
		}

		meta := store.Metadata{
			Config:          c,
			Version:         d.Version(),
			VbattPost:       &vbatt,
			StopLoggingTime: hostStop,
			Extract: &store.ExtractInfo{
				At:     time.Now().UTC(),
				Status: res.Status.String(),
				Bytes:  res.Bytes,
				Next:   res.Next,
			},
		}
		if err := st.SaveMetadata(run, meta); err != nil {
			log.Error().Err(err).Msg("could not save sidecar")
		}

		fmt.Fprintf(out, "%s: %d bytes, %s\n", run.Dump, res.Bytes, res.Status)
		return xerr
	},
}

var (
	decodeID  string
	decodeOut string
)

var decodeCmd = &cobra.Command{
	Use:   "decode [DUMP.bin]",
	Short: "Convert a dump to CSV",
	Long: `Decode a dump written by extract, using its .config sidecar for the
record layout and time axis. Without a path the most recent dump of --id
(default: the last logger used) is decoded.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dump string
		if len(args) == 1 {
			dump = args[0]
		} else {
			id := decodeID
			if id == "" {
				id = cfg.Hints.LastID
			}
			if id == "" {
				return errors.New("give a dump path or --id")
			}
			st, err := store.Open(cfg.Extract.DataDir, log)
			if err != nil {
				return err
			}
			run, err := st.Latest(id)
			if err != nil {
				return err
			}
			dump = run.Dump
		}

		meta, err := store.LoadMetadata(store.SidecarFor(dump))
		if err != nil {
			return err
		}
		if meta.IntervalMS <= 0 {
			return fmt.Errorf("%s: sidecar has no sampling interval", store.SidecarFor(dump))
		}
		buf, err := os.ReadFile(dump)
		if err != nil {
			return err
		}

		schema := meta.Schema()
		samples := record.Stamp(record.Decode(buf, schema), meta.StartTime(), meta.Interval())

		target := decodeOut
		if target == "" {
			target = strings.TrimSuffix(dump, ".bin") + ".csv"
		}
		var w io.Writer = cmd.OutOrStdout()
		if target != "-" {
			f, err := os.Create(target)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if err := export.WriteSamples(w, samples, schema); err != nil {
			return err
		}
		if target != "-" {
			log.Info().Str("path", target).Int("samples", len(samples)).Msg("decoded")
		}
		return nil
	},
}

var overviewN int

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Sample the recorded data without extracting it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		samples, err := d.Overview(ctx, overviewN)
		if err != nil {
			return err
		}
		if len(samples) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "memory is empty")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tTIME\tT °C\tP kPa\tALS\t")
		for _, s := range samples {
			als := "-"
			if s.Light != nil {
				als = fmt.Sprint(s.Light.ALS)
			}
			fmt.Fprintf(w, "%d\t%s\t%.3f\t%.2f\t%s\t\n", s.Index, s.Time.Format(time.RFC3339), s.Temperature, s.Pressure, als)
		}
		return w.Flush()
	},
}

var monitorRecord bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve live readings over HTTP and WebSocket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		c, err := d.Config(ctx, true)
		if err != nil {
			return err
		}
		logging, err := d.IsLogging(ctx)
		if err != nil {
			return err
		}

		rec := export.NewRecorder(export.RecorderConfig{
			Enabled:  cfg.Monitor.Record || monitorRecord,
			Dir:      cfg.Monitor.RecordDir,
			Prefix:   c.ID,
			Interval: cfg.PollInterval() / 2,
		}, log)

		info := monitor.Info{
			Name:     c.Name,
			ID:       c.ID,
			Version:  d.Version(),
			Schema:   c.Schema().String(),
			Interval: c.IntervalMS,
			Logging:  logging,
		}
		srv := monitor.New(monitor.Config{
			ListenAddr: cfg.Monitor.ListenAddr,
			Poll:       cfg.PollInterval(),
		}, d, info, web.FS, rec, log)
		return srv.Run(ctx)
	},
}

func init() {
	extractCmd.Flags().BoolVar(&extractAll, "all", false, "read the whole flash, past erased chunks")
	extractCmd.Flags().BoolVar(&extractOverwrite, "overwrite", false, "replace an existing dump")
	extractCmd.Flags().BoolVar(&extractStop, "stop", false, "stop logging first if the logger is running")

	decodeCmd.Flags().StringVar(&decodeID, "id", "", "logger id whose latest dump to decode")
	decodeCmd.Flags().StringVarP(&decodeOut, "output", "o", "", "CSV path, - for stdout (default: next to the dump)")

	overviewCmd.Flags().IntVarP(&overviewN, "samples", "n", 10, "number of evenly spaced samples")

	monitorCmd.Flags().BoolVar(&monitorRecord, "record", false, "record readings to CSV")

	rootCmd.AddCommand(extractCmd, decodeCmd, overviewCmd, monitorCmd)
}
