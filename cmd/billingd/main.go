// main.go - billingd runs one role of the private metering protocol.
//
// Usage:
//   billingd keygen keys/meter          # writes keys/meter and keys/meter.pub
//   billingd keygen keys/provider
//   billingd provider                   # listens on wan_addr
//   billingd customer                   # dials the provider, listens on lan_addr
//   billingd meter                      # dials the customer
//
// Every role reads its settings from billingd.yaml (created on first run) and then
// drops into a shell; type help for the commands of that role.

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"meterbill/internal/billing"
	"meterbill/internal/commitment"
	"meterbill/internal/journal"
	"meterbill/internal/signing"
	"meterbill/internal/tariff"
	"meterbill/p2p"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// daemon holds what every role needs once the config is loaded
type daemon struct {
	role     string
	cfg      *Config
	log      *Logger
	health   *HealthChecker
	registry *prometheus.Registry
	ops      *OpsServer
	closers  []io.Closer
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	var configPath string
	var d *daemon

	root := &cobra.Command{
		Use:           "billingd",
		Short:         "Privacy-preserving smart meter billing",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config %s: %w", configPath, err)
			}
			auditPath := ""
			if cfg.EnableAudit {
				auditPath = cfg.AuditLogPath
			}
			log, err := NewLogger(cfg.LogLevel, cfg.LogFile, auditPath, cmd.Name())
			if err != nil {
				return err
			}
			d = &daemon{role: cmd.Name(), cfg: cfg, log: log}
			return nil
		},
	}
	// withDaemon closes the daemon however the command ends
	withDaemon := func(run func(ctx context.Context, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			defer d.close()
			return run(cmd.Context(), args)
		}
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "billingd.yaml", "path to the YAML config")

	root.AddCommand(
		&cobra.Command{
			Use:   "keygen NAME",
			Short: "Generate a signing key pair as NAME and NAME.pub",
			Args:  cobra.ExactArgs(1),
			RunE: withDaemon(func(_ context.Context, args []string) error {
				sk, err := signing.GenerateKey(rand.Reader)
				if err != nil {
					return err
				}
				if err := signing.SaveKeyPair(args[0], sk); err != nil {
					return err
				}
				d.log.Audit("key_generated", map[string]interface{}{"path": args[0]})
				fmt.Fprintf(out, "public key %s written to %s%s\n", hex.EncodeToString(sk.Public().Bytes()), args[0], signing.PublicSuffix)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "params",
			Short: "Create the commitment parameters file if it does not exist",
			Args:  cobra.NoArgs,
			RunE: withDaemon(func(context.Context, []string) error {
				params, err := commitment.ReadOrGenerate(d.cfg.ParamsPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "commitment parameters in %s (seed %x)\n", d.cfg.ParamsPath, params.Seed)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "meter",
			Short: "Run the meter and connect it to the customer",
			Args:  cobra.NoArgs,
			RunE: withDaemon(func(ctx context.Context, _ []string) error {
				return d.runMeter(ctx, in, out)
			}),
		},
		&cobra.Command{
			Use:   "customer",
			Short: "Run the customer between the meter and the provider",
			Args:  cobra.NoArgs,
			RunE: withDaemon(func(ctx context.Context, _ []string) error {
				return d.runCustomer(ctx, in, out)
			}),
		},
		&cobra.Command{
			Use:   "provider",
			Short: "Run the provider and wait for the customer",
			Args:  cobra.NoArgs,
			RunE: withDaemon(func(ctx context.Context, _ []string) error {
				return d.runProvider(ctx, in, out)
			}),
		},
	)
	return root
}

func (d *daemon) close() error {
	if d == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.ops.Shutdown(ctx); err != nil {
		d.log.Warn("ops server shutdown: %v", err)
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			d.log.Debug("close: %v", err)
		}
	}
	d.closers = nil
	return d.log.Close()
}

// start loads the shared parameters and brings up health and metrics
func (d *daemon) start() (*commitment.Params, error) {
	params, err := commitment.ReadOrGenerate(d.cfg.ParamsPath)
	if err != nil {
		return nil, fmt.Errorf("commitment parameters: %w", err)
	}
	d.health = NewHealthChecker(d.role, version)
	d.health.RegisterComponent("params", func(context.Context) error { return params.Validate() })
	d.health.RegisterComponent("link", nil)

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	InitMetrics(d.registry)

	if d.cfg.MetricsAddr != "" {
		var limiter *ClientRateLimiter
		if d.cfg.HTTPRateLimit > 0 {
			limiter = NewClientRateLimiter(d.cfg.HTTPRateLimit)
		}
		d.ops = StartOpsServer(d.cfg.MetricsAddr, NewOpsRouter(d.health, d.registry, limiter), d.log.Zerolog())
	}
	return params, nil
}

func (d *daemon) options() billing.Options {
	return billing.Options{
		PollInterval: d.cfg.PollInterval(),
		MaxWait:      d.cfg.Timeout(),
		ReadTimeout:  d.cfg.ReadTimeout(),
		ClockSkew:    d.cfg.ClockSkew(),
		Observer:     MetricsObserver{},
	}
}

func (d *daemon) initialPrices() (*tariff.PriceTable, error) {
	v := d.cfg.VariantValue()
	fill, err := v.FromFloat(d.cfg.InitialPrice)
	if err != nil {
		return nil, err
	}
	return tariff.NewPriceTable(v, fill)
}

func (d *daemon) track(c io.Closer) { d.closers = append(d.closers, c) }

func (d *daemon) dial(ctx context.Context, node *p2p.Node, peer string) (net.Conn, error) {
	conn, err := node.Dial(ctx, peer, d.cfg.Timeout())
	if err != nil {
		return nil, err
	}
	d.track(conn)
	return conn, nil
}

func (d *daemon) accept(ctx context.Context, node *p2p.Node) (net.Conn, error) {
	if err := node.Listen(); err != nil {
		return nil, err
	}
	d.track(node)
	d.log.Info("waiting for a peer on %s", node.Addr())
	conn, err := node.Accept(ctx)
	if err != nil {
		return nil, err
	}
	d.track(conn)
	return conn, nil
}

// shell builds the role's shell and marks the link unhealthy on fatal errors
func (d *daemon) shell(in io.Reader, out io.Writer) *Shell {
	sh := NewShell(d.role, in, out, d.log)
	sh.OnError = func(name string, err error) {
		switch {
		case billing.Fatal(err):
			d.health.UpdateComponent("link", Unhealthy, err.Error())
			d.log.Audit("fatal_error", map[string]interface{}{"command": name, "error": err.Error()})
		case err != nil:
			d.log.Debug("%s: %v", name, err)
		}
	}
	return sh
}

// runShell returns when the shell ends or on SIGINT/SIGTERM
func (d *daemon) runShell(ctx context.Context, sh *Shell) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- sh.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		d.log.Info("shutting down")
		return nil
	}
}

func (d *daemon) runMeter(ctx context.Context, in io.Reader, out io.Writer) error {
	params, err := d.start()
	if err != nil {
		return err
	}
	key, err := signing.LoadPrivateKey(d.cfg.MeterKey)
	if err != nil {
		return fmt.Errorf("meter key: %w", err)
	}
	node := p2p.NewNode("meter", d.cfg.Network, "", map[string]string{"customer": d.cfg.LANAddr}, d.log.Zerolog())
	conn, err := d.dial(ctx, node, "customer")
	if err != nil {
		return err
	}
	meter, err := billing.NewMeter(params, key, conn, d.options())
	if err != nil {
		return err
	}
	d.log.Info("meter connected to customer at %s", d.cfg.LANAddr)

	sh := d.shell(in, out)
	registerMeterCommands(sh, meter, d.cfg.VariantValue(), d.log)
	return d.runShell(ctx, sh)
}

func (d *daemon) runCustomer(ctx context.Context, in io.Reader, out io.Writer) error {
	params, err := d.start()
	if err != nil {
		return err
	}
	meterKey, err := signing.LoadPublicKey(d.cfg.MeterKey)
	if err != nil {
		return fmt.Errorf("meter public key: %w", err)
	}
	providerKey, err := signing.LoadPublicKey(d.cfg.ProviderKey)
	if err != nil {
		return fmt.Errorf("provider public key: %w", err)
	}
	prices, err := d.initialPrices()
	if err != nil {
		return err
	}

	node := p2p.NewNode("customer", d.cfg.Network, d.cfg.LANAddr, map[string]string{"provider": d.cfg.WANAddr}, d.log.Zerolog())
	providerConn, err := d.dial(ctx, node, "provider")
	if err != nil {
		return err
	}
	meterConn, err := d.accept(ctx, node)
	if err != nil {
		return err
	}

	customer, err := billing.NewCustomer(billing.CustomerConfig{
		Params:      params,
		MeterKey:    meterKey,
		ProviderKey: providerKey,
		Prices:      prices,
		Meter:       meterConn,
		Provider:    providerConn,
	}, d.options())
	if err != nil {
		return err
	}
	d.log.Info("customer connected to provider at %s and meter at %s", d.cfg.WANAddr, meterConn.RemoteAddr())

	sh := d.shell(in, out)
	registerCustomerCommands(sh, customer, d.log)
	return d.runShell(ctx, sh)
}

func (d *daemon) runProvider(ctx context.Context, in io.Reader, out io.Writer) error {
	params, err := d.start()
	if err != nil {
		return err
	}
	key, err := signing.LoadPrivateKey(d.cfg.ProviderKey)
	if err != nil {
		return fmt.Errorf("provider key: %w", err)
	}
	meterKey, err := signing.LoadPublicKey(d.cfg.MeterKey)
	if err != nil {
		return fmt.Errorf("meter public key: %w", err)
	}
	prices, err := d.initialPrices()
	if err != nil {
		return err
	}
	j, err := d.openJournal(ctx)
	if err != nil {
		return err
	}

	node := p2p.NewNode("provider", d.cfg.Network, d.cfg.WANAddr, nil, d.log.Zerolog())
	conn, err := d.accept(ctx, node)
	if err != nil {
		return err
	}

	opts := d.options()
	if j != nil {
		opts.Recorder = j
	}
	provider, err := billing.NewProvider(billing.ProviderConfig{
		Params:   params,
		Key:      key,
		MeterKey: meterKey,
		Prices:   prices,
		Customer: conn,
	}, opts)
	if err != nil {
		return err
	}
	d.log.Info("provider connected to customer at %s", conn.RemoteAddr())

	sh := d.shell(in, out)
	registerProviderCommands(sh, provider, j, d.log)
	return d.runShell(ctx, sh)
}

// openJournal returns nil when the journal is disabled
func (d *daemon) openJournal(ctx context.Context) (*journal.Journal, error) {
	var store journal.Store
	switch d.cfg.JournalDriver {
	case "file":
		fs, err := journal.OpenFile(d.cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		store = fs
	case "postgres":
		pg, err := journal.OpenPostgres(ctx, d.cfg.JournalDSN, d.cfg.JournalTable)
		if err != nil {
			return nil, err
		}
		d.health.RegisterComponent("journal", pg.Ping)
		store = pg
	default:
		return nil, nil
	}
	j, err := journal.New(ctx, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}
	d.track(j)
	return j, nil
}
