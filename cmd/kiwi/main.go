package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/kiwi/internal/config"
	"github.com/shaunagostinho/kiwi/internal/kiwi"
	"github.com/shaunagostinho/kiwi/internal/simulator"
	"github.com/shaunagostinho/kiwi/internal/transport"
)

// demoSamples is how much recorded data the --demo logger starts with.
const demoSamples = 2000

var (
	configPath string
	portFlag   string
	demoFlag   bool
	verbose    bool

	cfg *config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kiwi",
	Short: "Host tool for Kiwi environmental data loggers",
	Long: `kiwi talks to a Kiwi temperature, pressure and light logger over its
serial port: configure and start a deployment, stop it, pull the flash
memory to disk and decode it to CSV.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		boot := config.DefaultConfig().Log.NewLogger(os.Stderr)
		cfg = config.Load(configPath, boot)
		log = cfg.Log.NewLogger(os.Stderr)
		if verbose {
			log = log.Level(zerolog.DebugLevel)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config file")
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "serial port (default: config, then last used, then best guess)")
	rootCmd.PersistentFlags().BoolVar(&demoFlag, "demo", false, "talk to a simulated logger instead of hardware")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, kiwi.ErrInterrupted) || errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// device is an open session and the channel under it.
type device struct {
	*kiwi.Session
	ch   transport.Channel
	port string
	sim  *simulator.Device
}

// openDevice connects to the logger selected by the flags and config.
func openDevice(ctx context.Context) (*device, error) {
	var (
		ch   transport.Channel
		port string
		sim  *simulator.Device
	)
	if demoFlag {
		sim = simulator.NewDemo(demoSamples, simulator.WithLogger(log))
		ch, port = sim, "demo"
	} else {
		var err error
		if port, err = resolvePort(); err != nil {
			return nil, err
		}
		if ch, err = connectWithRetry(ctx, port, 3); err != nil {
			return nil, err
		}
	}

	s, err := kiwi.Open(ctx, ch, cfg.SessionOptions(log))
	if err != nil {
		ch.Close()
		return nil, err
	}
	log.Debug().Str("port", port).Int("version", s.Version()).Msg("logger identified")
	return &device{Session: s, ch: ch, port: port, sim: sim}, nil
}

// Close ends the session and remembers the port and logger for next time.
func (d *device) Close() {
	id := ""
	if d.sim == nil {
		if c, err := d.Config(context.Background(), true); err == nil {
			id = c.ID
		}
	}
	d.Session.Close()
	d.ch.Close()
	if d.sim != nil {
		return
	}
	cfg.Remember(d.port, id)
	if err := cfg.Save(); err != nil {
		log.Warn().Err(err).Msg("could not save port hint")
	}
}

func resolvePort() (string, error) {
	if portFlag != "" {
		return portFlag, nil
	}
	if cfg.Serial.PortPath != "" {
		return cfg.Serial.PortPath, nil
	}
	ports, err := transport.ListPorts()
	if err != nil {
		return "", err
	}
	if p := transport.BestGuess(ports, cfg.Hints.LastPort); p != "" {
		log.Info().Str("port", p).Msg("using port")
		return p, nil
	}
	return "", errors.New("no serial port found; pass --port")
}

// connectWithRetry opens the port with exponential backoff, since a logger
// just plugged in may not have enumerated yet.
func connectWithRetry(ctx context.Context, port string, maxAttempts int) (*transport.Serial, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	var ser *transport.Serial
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		s, err := transport.OpenSerial(cfg.SerialSettings(port), log)
		if err != nil {
			return err
		}
		ser = s
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx), func(err error, d time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Int("max", maxAttempts).Dur("retry_in", d).Msg("connect failed")
	})
	if err != nil {
		return nil, err
	}
	return ser, nil
}
