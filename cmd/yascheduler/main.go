// Command yascheduler is the daemon entry point: it loads configuration,
// wires every component together, and offers a "serve" subcommand to run
// the controller and a "submit" subcommand for ad-hoc task submission.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/inconshreveable/log15"
	"github.com/sb10/l15h"
	daemon "github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"

	"github.com/tilde-lab/yascheduler/cloud"
	"github.com/tilde-lab/yascheduler/cloud/providers"
	"github.com/tilde-lab/yascheduler/config"
	"github.com/tilde-lab/yascheduler/meta"
	"github.com/tilde-lab/yascheduler/provision"
	"github.com/tilde-lab/yascheduler/rshell"
	"github.com/tilde-lab/yascheduler/scheduler"
	"github.com/tilde-lab/yascheduler/store"
	"github.com/tilde-lab/yascheduler/webhook"
)

var configPath string

// connectRetryBudget bounds how long the dialer keeps retrying an SSH
// connection to a node before giving up, covering the window after a
// cloud node comes up but before sshd is accepting connections.
const connectRetryBudget = 2 * time.Minute

func main() {
	root := &cobra.Command{
		Use:   "yascheduler",
		Short: "Distributed task scheduler for computational engines",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/yascheduler.conf", "path to configuration file")

	root.AddCommand(serveCmd(), submitCmd())

	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var daemonize bool
	var pidFile, daemonLogFile string
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler controller until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemonize {
				return runServeDaemonized(cmd.Context(), pidFile, daemonLogFile)
			}
			return runServe(cmd.Context())
		},
	}
	c.Flags().BoolVar(&daemonize, "daemonize", false, "fork into the background instead of running in the foreground")
	c.Flags().StringVar(&pidFile, "pid-file", "/var/run/yascheduler.pid", "pidfile written by the forked daemon process")
	c.Flags().StringVar(&daemonLogFile, "daemon-log-file", "/var/log/yascheduler.daemon.log", "where the forked daemon's stdout/stderr go before its own log15 handlers take over")
	return c
}

// runServeDaemonized forks the process into the background via
// sevlyar/go-daemon's double-fork dance, then runs the same control loop
// as the foreground "serve" path in the child.
func runServeDaemonized(ctx context.Context, pidFile, logFile string) error {
	cntxt := &daemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0644,
		LogFileName: logFile,
		LogFilePerm: 0640,
		WorkDir:     "/",
		Umask:       027,
	}

	child, err := cntxt.Reborn()
	if err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	if child != nil {
		// Parent process: the child has been forked and owns the pidfile
		// from here on.
		return nil
	}
	defer cntxt.Release()

	return runServe(ctx)
}

func submitCmd() *cobra.Command {
	var engineName, label, dsn, webhookURL string
	var inputFiles []string
	c := &cobra.Command{
		Use:   "submit",
		Short: "Submit a single task to an already-running scheduler's database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), dsn, label, engineName, webhookURL, inputFiles)
		},
	}
	c.Flags().StringVar(&engineName, "engine", "", "engine name (required)")
	c.Flags().StringVar(&label, "label", "", "free-form task label")
	c.Flags().StringVar(&dsn, "db", "", "database connection string (overrides config file)")
	c.Flags().StringVar(&webhookURL, "webhook-url", "", "URL to notify on RUNNING/DONE transitions")
	c.Flags().StringArrayVar(&inputFiles, "input", nil, "engine input file as name=path, repeatable")
	c.MarkFlagRequired("engine")
	return c
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log15.New()
	logger.SetHandler(log15.StreamHandler(os.Stderr, log15.LogfmtFormat()))
	if cfg.Local.LogFile != "" {
		fh, err := log15.FileHandler(cfg.Local.LogFile, log15.LogfmtFormat())
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		l15h.AddHandler(logger, fh)
	}

	st, err := store.Open(ctx, cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sessions := rshell.NewManager(cfg.Local.KeysDir)

	cloudProviders, err := buildProviders(cfg)
	if err != nil {
		return fmt.Errorf("build cloud providers: %w", err)
	}

	dialer := func(ctx context.Context, host, user string) (rshell.Runner, error) {
		return rshell.Dial(host, user, cfg.Local.KeysDir, connectRetryBudget)
	}
	provisioner := provision.New(dialer, cfg.Engines, cfg.Local.EnginesDir, cfg.Remote.EnginesDir)
	clouds := cloud.NewManager(st, provisioner, logger, cloudProviders...)

	webhooks := webhook.NewPool(cfg.Local.WebhookThreads, logger)

	ctrl := scheduler.New(st, sessions, clouds, webhooks, cfg.Engines, logger, scheduler.Config{
		DefaultSSHUser:   cfg.Remote.User,
		LocalTasksDir:    cfg.Local.TasksDir,
		RemoteBaseDir:    cfg.Remote.DataDir,
		RemoteTasksDir:   cfg.Remote.TasksDir,
		RemoteEnginesDir: cfg.Remote.EnginesDir,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctrl.Start(runCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	color.Yellow("shutting down")
	cancel()
	ctrl.Stop()
	return nil
}

// runSubmit validates the engine name and declared input files before
// ever opening a connection, matching the scheduler's own Submit
// validation: a missing engine or input file must never reach the DB.
func runSubmit(ctx context.Context, dsn, label, engineName, webhookURL string, inputFlags []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	e, ok := cfg.Engines.Get(engineName)
	if !ok {
		return fmt.Errorf("submit: unknown engine %q", engineName)
	}

	provided := make(map[string]string, len(inputFlags))
	for _, kv := range inputFlags {
		name, path, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("submit: --input must be name=path, got %q", kv)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("submit: read input %s: %w", name, err)
		}
		provided[name] = string(content)
	}
	for _, name := range e.InputFiles {
		if _, ok := provided[name]; !ok {
			return fmt.Errorf("submit: missing required input file %q for engine %q", name, engineName)
		}
	}

	if dsn == "" {
		dsn = cfg.DB.DSN()
	}
	st, err := store.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	md := meta.Document{"engine": meta.String(engineName)}
	for name, content := range provided {
		md.Set(name, content)
	}
	if webhookURL != "" {
		md.Set("webhook_url", webhookURL)
	}
	remoteTasksDir := cfg.Remote.TasksDir
	if remoteTasksDir == "" {
		remoteTasksDir = cfg.Remote.DataDir
	}
	md.Set("remote_folder", scheduler.NewRemoteFolder(remoteTasksDir))

	id, err := st.InsertTask(ctx, label, md)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	color.Green("submitted task %d", id)
	return nil
}

func buildProviders(cfg *config.Config) ([]cloud.Provider, error) {
	var out []cloud.Provider
	for name, creds := range cfg.Clouds {
		publicKey, err := loadPublicKey(cfg.Local.KeysDir, creds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		switch name {
		case "digitalocean":
			p, err := providers.NewDigitalOcean(creds.Login, "nyc3", "s-2vcpu-4gb", "debian-10-x64", publicKey, "root", "debian-10", creds.MaxNodes)
			if err != nil {
				return nil, fmt.Errorf("digitalocean: %w", err)
			}
			out = append(out, p)
		case "linode":
			out = append(out, providers.NewLinode(creds.Login, "us-east", "g6-standard-2", "linode/debian10", creds.Password, publicKey, "root", "debian-10", creds.MaxNodes))
		case "openstack":
			p, err := providers.NewOpenStack(creds.Login, creds.Login, creds.Password, "default", "default", "m1.medium", "debian-10", "", publicKey, "root", "debian-10", creds.MaxNodes)
			if err != nil {
				return nil, fmt.Errorf("openstack: %w", err)
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// loadPublicKey reads the public key every node the provider creates is
// enrolled with: the provider's configured public_key path if set, else
// id_rsa.pub alongside the private keys the remote-shell layer dials
// with, so a freshly booted node accepts exactly the key this process
// will use to reach it.
func loadPublicKey(keysDir string, creds config.CloudCredentials) (string, error) {
	p := creds.PublicKeyPath
	if p == "" {
		p = path.Join(keysDir, "id_rsa.pub")
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
