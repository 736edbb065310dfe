package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/kiwi/internal/kiwi"
	"github.com/shaunagostinho/kiwi/internal/store"
	"github.com/shaunagostinho/kiwi/internal/transport"
)

// lowBattery is the voltage below which a deployment is not advised.
const lowBattery = 2.9

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := transport.ListPorts()
		if err != nil {
			return err
		}
		guess := transport.BestGuess(ports, cfg.Hints.LastPort)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PORT\tUSB\tVID:PID\tPRODUCT\t")
		for _, p := range ports {
			mark := ""
			if p.Name == guess {
				mark = "*"
			}
			fmt.Fprintf(w, "%s%s\t%v\t%s:%s\t%s\t\n", p.Name, mark, p.USB, p.VID, p.PID, p.Product)
		}
		return w.Flush()
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the logger's identity, configuration and memory use",
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
		vbatt, err := d.BatteryVoltage(ctx)
		if err != nil {
			return err
		}
		count, err := d.SampleCount(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "port\t%s\n", d.port)
		fmt.Fprintf(w, "firmware\tv%d\n", d.Version())
		fmt.Fprintf(w, "name\t%s\n", c.Name)
		fmt.Fprintf(w, "id\t%s\n", c.ID)
		if c.FlashID != "" {
			fmt.Fprintf(w, "flash id\t%s\n", c.FlashID)
		}
		fmt.Fprintf(w, "logging\t%v\n", logging)
		fmt.Fprintf(w, "interval\t%v\n", c.Interval())
		fmt.Fprintf(w, "schema\t%s\n", c.Schema())
		fmt.Fprintf(w, "start\t%s\n", unixLabel(c.Start))
		fmt.Fprintf(w, "stop\t%s\n", unixLabel(c.Stop))
		fmt.Fprintf(w, "samples\t%d of %d (%.1f%%)\n", count, c.Schema().Capacity(), 100*float64(count)/float64(c.Schema().Capacity()))
		fmt.Fprintf(w, "battery\t%.2f V\n", vbatt)
		return w.Flush()
	},
}

func unixLabel(sec int64) string {
	if sec <= 0 {
		return "-"
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

var (
	sensorsCount int
	sensorsEvery time.Duration
)

var sensorsCmd = &cobra.Command{
	Use:   "sensors",
	Short: "Print live sensor readings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		out := cmd.OutOrStdout()
		for i := 0; sensorsCount <= 0 || i < sensorsCount; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(sensorsEvery):
				}
			}
			r, err := d.ReadSensors(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			fmt.Fprintf(out, "%s  T=%.3f °C  P=%.2f kPa  Vbatt=%.2f V", r.Time.Format("15:04:05"), r.Temperature, r.Pressure, r.Battery)
			if l := r.Light; l != nil {
				fmt.Fprintf(out, "  ALS=%.0f W=%.0f RGBW=%.0f/%.0f/%.0f/%.0f", l.ALS, l.White, l.R, l.G, l.B, l.W)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var (
	startInterval int
	startLight    bool
	startClear    bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Configure and start a logging run",
	Long: `Start a logging run. The memory must be empty unless --clear is
given. On legacy firmware the logger clock is set from the host first.`,
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
		if logging {
			return errors.New("logger is already logging; stop it first")
		}

		vbatt, err := d.BatteryVoltage(ctx)
		if err != nil {
			return err
		}
		if vbatt < lowBattery {
			log.Warn().Float64("vbatt", vbatt).Msg("battery is low")
		}

		if cmd.Flags().Changed("light") {
			if err := d.SetLightSensors(ctx, startLight); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("interval") {
			if err := d.SetInterval(ctx, startInterval); err != nil {
				return err
			}
		}

		empty, err := d.IsEmpty(ctx)
		if err != nil {
			return err
		}
		if !empty {
			if !startClear {
				return errors.New("memory is not empty; extract it, then rerun with --clear")
			}
			fmt.Fprint(out, "clearing memory")
			last := 0
			err := d.ClearMemory(ctx, func(dots int) {
				fmt.Fprint(out, strings.Repeat(".", dots-last))
				last = dots
			})
			fmt.Fprintln(out)
			if err != nil {
				return err
			}
		}

		if d.Version() == kiwi.VersionLegacy {
			t, err := d.SetClockAligned(ctx)
			if err != nil {
				return fmt.Errorf("set clock: %w", err)
			}
			log.Info().Time("rtc", t).Msg("logger clock set")
		}

		hostStart := time.Now().Unix()
		if err := d.StartLogging(ctx); err != nil {
			return err
		}
		if err := d.LEDsOff(); err != nil {
			log.Warn().Err(err).Msg("could not turn LEDs off")
		}

		c, err := d.Config(ctx, false)
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Extract.DataDir, log)
		if err != nil {
			return err
		}
		err = st.SaveMetadata(st.Run(c.ID, c.Start), store.Metadata{
			Config:           c,
			Version:          d.Version(),
			RunID:            uuid.NewString(),
			VbattPre:         &vbatt,
			StartLoggingTime: &hostStart,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%s) logging every %v from %s\n", c.Name, c.ID, c.Interval(), unixLabel(c.Start))
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop logging",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		hostStop := time.Now().Unix()
		if err := d.StopLogging(ctx); err != nil {
			return err
		}
		c, err := d.Config(ctx, false)
		if err != nil {
			return err
		}
		if c.Start > 0 {
			st, err := store.Open(cfg.Extract.DataDir, log)
			if err != nil {
				return err
			}
			if err := st.SaveMetadata(st.Run(c.ID, c.Start), store.Metadata{Config: c, Version: d.Version(), StopLoggingTime: &hostStop}); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s stopped\n", c.Name)
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename NAME",
	Short: "Set the logger name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.SetName(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "renamed to %s\n", args[0])
		return nil
	},
}

var intervalCmd = &cobra.Command{
	Use:   "interval MS",
	Short: "Set the sampling interval in milliseconds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ms, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.SetInterval(ctx, ms); err != nil {
			return err
		}
		c, err := d.Config(ctx, true)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "interval is %v\n", c.Interval())
		return nil
	},
}

var lightCmd = &cobra.Command{
	Use:       "light on|off",
	Short:     "Enable or disable the light sensors",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		return d.SetLightSensors(ctx, args[0] == "on")
	},
}

var clearYes bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Erase the logger's memory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearYes && !confirm(cmd, "Erase all recorded data?") {
			return errors.New("aborted")
		}
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		out := cmd.OutOrStdout()
		last := 0
		err = d.ClearMemory(ctx, func(dots int) {
			fmt.Fprint(out, strings.Repeat(".", dots-last))
			last = dots
		})
		fmt.Fprintln(out)
		return err
	},
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", prompt)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

var ledsOffCmd = &cobra.Command{
	Use:   "leds-off",
	Short: "Turn the status LEDs off",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()
		return d.LEDsOff()
	},
}

var sleepCmd = &cobra.Command{
	Use:   "sleep",
	Short: "Put the logger into low-power sleep",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()
		return d.Sleep()
	},
}

var clockSet bool

var clockCmd = &cobra.Command{
	Use:   "clock",
	Short: "Read or set the logger clock (legacy firmware)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		var t time.Time
		if clockSet {
			t, err = d.SetClockAligned(ctx)
		} else {
			t, err = d.ReadClock(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logger %s  host %s  skew %v\n",
			t.Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), t.Sub(time.Now()).Round(time.Second))
		return nil
	},
}

func init() {
	sensorsCmd.Flags().IntVarP(&sensorsCount, "count", "n", 0, "number of readings (0: until interrupted)")
	sensorsCmd.Flags().DurationVar(&sensorsEvery, "every", time.Second, "time between readings")

	startCmd.Flags().IntVar(&startInterval, "interval", 1000, "sampling interval in ms")
	startCmd.Flags().BoolVar(&startLight, "light", true, "log the light sensors")
	startCmd.Flags().BoolVar(&startClear, "clear", false, "erase memory first if it holds data")

	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "do not ask for confirmation")
	clockCmd.Flags().BoolVar(&clockSet, "set", false, "set the clock from the host")

	rootCmd.AddCommand(portsCmd, infoCmd, sensorsCmd, startCmd, stopCmd, renameCmd,
		intervalCmd, lightCmd, clearCmd, ledsOffCmd, sleepCmd, clockCmd)
}
