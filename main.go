package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opsgate/opsgate/internal/api"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/completion"
	"github.com/opsgate/opsgate/internal/config"
	"github.com/opsgate/opsgate/internal/cost"
	"github.com/opsgate/opsgate/internal/daemon"
	"github.com/opsgate/opsgate/internal/gateway"
	"github.com/opsgate/opsgate/internal/logger"
	"github.com/opsgate/opsgate/internal/playbook"
	"github.com/opsgate/opsgate/internal/plugins"
	"github.com/opsgate/opsgate/internal/policy"
	"github.com/opsgate/opsgate/internal/recovery"
	"github.com/opsgate/opsgate/internal/sandbox"
	"github.com/opsgate/opsgate/internal/types"
	"golang.org/x/term"
)

// Version is set at build time via ldflags: -X main.Version=x.y.z
var Version = "1.0.0"

var log = logger.New("main")

// Exit codes. Policy blocks, execution failures, and sandbox errors are
// distinct so scripts can tell them apart.
const (
	exitOK        = 0
	exitUsage     = 1
	exitBlocked   = 2
	exitExecFail  = 3
	exitSandboxed = 4
)

func main() {
	if completion.Run() {
		return
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "execute":
			runExecute(os.Args[2:])
			return
		case "check":
			runCheck(os.Args[2:])
			return
		case "suggest":
			runSuggest(os.Args[2:])
			return
		case "export":
			runExport(os.Args[2:])
			return
		case "policies":
			runPolicies(os.Args[2:])
			return
		case "plugins":
			runPlugins(os.Args[2:])
			return
		case "serve":
			runServe(os.Args[2:])
			return
		case "cost":
			runCost(os.Args[2:])
			return
		case "completion":
			runCompletion(os.Args[2:])
			return
		case "help", "-h", "--help":
			printUsage()
			return
		case "version", "-v", "--version":
			fmt.Printf("opsgate version %s\n", Version)
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
	}

	printUsage()
	os.Exit(exitUsage)
}

// commonFlags are shared by the evaluating subcommands.
type commonFlags struct {
	configPath string
	user       string
	noRemote   bool
	format     string
}

func addCommonFlags(fs *flag.FlagSet, cf *commonFlags) {
	fs.StringVar(&cf.configPath, "config", config.DefaultConfigPath(), "Path to configuration file")
	fs.StringVar(&cf.user, "user", "default", "User the command runs as")
	fs.BoolVar(&cf.noRemote, "no-remote-policy", false, "Skip the remote policy service")
	fs.StringVar(&cf.format, "format", "rich", "Output format: rich, json, plain")
}

// loadConfig loads and validates configuration, applying logger settings.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitUsage)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(exitUsage)
	}
	logger.SetGlobalLevelFromString(string(cfg.Logging.Level))
	if cfg.Logging.NoColor {
		logger.SetColored(false)
	}
	return cfg
}

// buildPolicy assembles the store (builtin + policy dir) and engine.
func buildPolicy(cfg *config.Config, noRemote bool) (*policy.Store, *policy.Engine) {
	store, err := policy.NewStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "policy startup error: %v\n", err)
		os.Exit(exitUsage)
	}
	fileRules, err := policy.LoadRuleDir(cfg.Policy.PolicyDir)
	if err != nil {
		log.Warn("Policy directory load failed: %v", err)
	}
	store.SetFileRules(fileRules)

	var remote *policy.RemoteClient
	if cfg.Policy.RemoteURL != "" && !noRemote {
		budget := time.Duration(cfg.Policy.RemoteBudgetMS) * time.Millisecond
		remote = policy.NewRemoteClient(cfg.Policy.RemoteURL, cfg.Secrets.RemoteToken, budget)
	}
	return store, policy.NewEngine(store, remote)
}

// sandboxConfig derives the per-user isolation envelope from config.
func sandboxConfig(cfg *config.Config) sandbox.Config {
	sc := sandbox.DefaultConfig("default")
	sc.Namespace = cfg.Sandbox.Namespace
	sc.CPULimit = cfg.Sandbox.CPULimit
	sc.MemoryLimit = cfg.Sandbox.MemoryLimit
	sc.DiskLimit = cfg.Sandbox.DiskLimit
	sc.NetworkMode = cfg.Sandbox.NetworkMode
	sc.AllowedHosts = cfg.Sandbox.AllowedHosts
	sc.CommandTimeout = cfg.Sandbox.CommandTimeout()
	sc.MaxSessionDuration = cfg.Sandbox.MaxSessionDuration()
	return sc
}

// buildGateway assembles the full mediation stack.
func buildGateway(cfg *config.Config, backendName string, noRemote bool) (*gateway.Gateway, *audit.Storage) {
	_, engine := buildPolicy(cfg, noRemote)

	if backendName == "" {
		backendName = cfg.Sandbox.Backend
	}
	backend, err := sandbox.ForName(backendName, cfg.Sandbox.BaseDir, cfg.Sandbox.Image)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox error: %v\n", err)
		os.Exit(exitSandboxed)
	}

	var store2 *audit.Storage
	if cfg.Audit.Enabled {
		store2, err = audit.NewStorage(cfg.Audit.DBPath, cfg.Secrets.DBKey)
		if err != nil {
			log.Warn("Audit storage unavailable: %v", err)
		}
	}

	var tracker *cost.Tracker
	if cfg.Cost.Enabled {
		tracker = cost.NewTracker(true, cfg.Cost.Model, cfg.Cost.LogPath)
	}

	g := gateway.New(gateway.Options{
		Engine:          engine,
		Manager:         sandbox.NewManager(backend),
		Recovery:        recovery.NewEngine(),
		Registry:        plugins.NewRegistry(),
		Tracker:         tracker,
		Audit:           store2,
		SandboxDefaults: sandboxConfig(cfg),
	})
	return g, store2
}

func runExecute(args []string) {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	var cf commonFlags
	addCommonFlags(fs, &cf)
	dryRun := fs.Bool("dry-run", false, "Evaluate only, do not execute")
	backend := fs.String("backend", "", "Sandbox backend: auto, chroot, container, orchestrated")
	timeout := fs.Duration("timeout", 0, "Per-command timeout override")
	yes := fs.Bool("yes", false, "Grant confirmation without prompting")
	fs.Parse(args)

	command := strings.Join(fs.Args(), " ")
	if command == "" {
		fmt.Fprintln(os.Stderr, "usage: opsgate execute [flags] <command>")
		os.Exit(exitUsage)
	}

	cfg := loadConfig(cf.configPath)
	g, auditStore := buildGateway(cfg, *backend, cf.noRemote)

	res := g.Execute(context.Background(), command, gateway.ExecuteOptions{
		User:    cf.user,
		Timeout: *timeout,
		DryRun:  *dryRun,
		Confirm: confirmFunc(*yes),
	})

	// Tear down before exiting; os.Exit skips deferred calls.
	g.Close()
	if auditStore != nil {
		auditStore.Close()
	}

	renderResult(res, cf.format)
	if *dryRun {
		if res.Allowed {
			os.Exit(exitOK)
		}
		os.Exit(exitBlocked)
	}
	os.Exit(exitCodeFor(res))
}

// confirmFunc builds the CONFIRM resolver: --yes grants silently, a TTY
// prompts, anything else denies.
func confirmFunc(yes bool) func(string) bool {
	if yes {
		return func(string) bool { return true }
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	return func(reason string) bool {
		fmt.Printf("%s\nProceed? [y/N]: ", reason)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

func exitCodeFor(res gateway.Result) int {
	switch {
	case !res.Allowed:
		return exitBlocked
	case res.Executed && !res.TimedOut && res.ExitStatus == 0:
		return exitOK
	case res.Executed:
		return exitExecFail
	case res.ConfirmationDenied:
		return exitBlocked
	default:
		return exitSandboxed
	}
}

func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	var cf commonFlags
	addCommonFlags(fs, &cf)
	fs.Parse(args)

	command := strings.Join(fs.Args(), " ")
	if command == "" {
		fmt.Fprintln(os.Stderr, "usage: opsgate check [flags] <command>")
		os.Exit(exitUsage)
	}

	cfg := loadConfig(cf.configPath)
	_, engine := buildPolicy(cfg, cf.noRemote)
	rec := recovery.NewEngine()

	res := engine.Evaluate(context.Background(), command, cf.user)
	renderCheck(command, res, rec, cf.format)
	if !res.Allowed {
		os.Exit(exitBlocked)
	}
}

func runSuggest(args []string) {
	fs := flag.NewFlagSet("suggest", flag.ExitOnError)
	format := fs.String("format", "rich", "Output format: rich, json, plain")
	fs.Parse(args)

	command := strings.Join(fs.Args(), " ")
	if command == "" {
		fmt.Fprintln(os.Stderr, "usage: opsgate suggest <command>")
		os.Exit(exitUsage)
	}

	suggestions := recovery.NewEngine().SuggestAlternatives(command)
	renderSuggestions(command, suggestions, *format)
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "Path to configuration file")
	format := fs.String("format", "ansible", "Export format: ansible, terraform, shell")
	output := fs.String("output", "", "Output path (.zst compresses); stdout if empty")
	session := fs.String("session", "", "Session file (JSON array of command records)")
	user := fs.String("user", "default", "User whose audit history to export")
	fs.Parse(args)

	f, err := playbook.ParseFormat(*format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	var records []types.CommandRecord
	if *session != "" {
		data, err := os.ReadFile(*session)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read session file: %v\n", err)
			os.Exit(exitUsage)
		}
		if err := json.Unmarshal(data, &records); err != nil {
			fmt.Fprintf(os.Stderr, "parse session file: %v\n", err)
			os.Exit(exitUsage)
		}
	} else {
		cfg := loadConfig(*configPath)
		store, err := audit.NewStorage(cfg.Audit.DBPath, cfg.Secrets.DBKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open audit storage: %v\n", err)
			os.Exit(exitUsage)
		}
		defer store.Close()
		entries, err := store.EntriesForUser(context.Background(), *user, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read audit history: %v\n", err)
			os.Exit(exitUsage)
		}
		for _, e := range entries {
			records = append(records, e.Record)
		}
	}

	content, err := playbook.Export(records, f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	if *output == "" {
		fmt.Print(content)
		return
	}
	if err := playbook.WriteFile(content, *output); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	fmt.Printf("Exported %d commands to %s\n", len(records), *output)
}

func runPolicies(args []string) {
	fs := flag.NewFlagSet("policies", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "Path to configuration file")
	validate := fs.String("validate", "", "Validate .rego sources in this directory")
	format := fs.String("format", "rich", "Output format: rich, json, plain")
	fs.Parse(args)

	if *validate != "" {
		checks, err := policy.ValidateRegoDir(*validate)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUsage)
		}
		failed := renderRegoChecks(checks, *format)
		if failed {
			os.Exit(exitUsage)
		}
		return
	}

	cfg := loadConfig(*configPath)
	store, _ := buildPolicy(cfg, true)
	renderRules(store.Rules(), *format)
}

func runPlugins(args []string) {
	fs := flag.NewFlagSet("plugins", flag.ExitOnError)
	format := fs.String("format", "rich", "Output format: rich, json, plain")
	fs.Parse(args)

	renderPlugins(plugins.NewRegistry().List(), *format)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "Path to configuration file")
	port := fs.Int("port", 0, "API port (default from config)")
	background := fs.Bool("daemon", false, "Run the server in the background")
	stop := fs.Bool("stop", false, "Stop a running background server")
	status := fs.Bool("status", false, "Show background server status")
	fs.Parse(args)

	if *stop {
		if err := daemon.Stop(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUsage)
		}
		fmt.Println("Server stopped.")
		return
	}
	if *status {
		if running, pid := daemon.IsRunning(); running {
			if p, err := daemon.ReadPort(); err == nil {
				fmt.Printf("Server running (pid %d, port %d)\n", pid, p)
			} else {
				fmt.Printf("Server running (pid %d)\n", pid)
			}
		} else {
			fmt.Println("Server not running.")
		}
		return
	}
	if *background && !daemon.IsDaemonMode() {
		pid, err := daemon.Daemonize(os.Args[1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUsage)
		}
		fmt.Printf("Server started in background (pid %d), logs at %s\n", pid, daemon.LogFile())
		return
	}

	cfg := loadConfig(*configPath)
	if *port != 0 {
		cfg.API.Port = *port
	}

	if daemon.IsDaemonMode() {
		if err := daemon.WritePID(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUsage)
		}
		if err := daemon.WritePort(cfg.API.Port); err != nil {
			log.Warn("Port file write failed: %v", err)
		}
		defer daemon.CleanupPID()
	}

	store, engine := buildPolicy(cfg, false)

	backend, err := sandbox.ForName(cfg.Sandbox.Backend, cfg.Sandbox.BaseDir, cfg.Sandbox.Image)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitSandboxed)
	}
	manager := sandbox.NewManager(backend)
	defer manager.Shutdown()

	watcher, err := policy.NewWatcher(store, cfg.Policy.PolicyDir)
	if err != nil {
		log.Warn("Policy watcher unavailable: %v", err)
	} else {
		if err := watcher.Start(); err != nil {
			log.Warn("Policy watcher failed to start: %v", err)
		}
		defer watcher.Stop()
	}

	server := api.NewServer(engine, store, manager, recovery.NewEngine(), plugins.NewRegistry())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Run(ctx, cfg.API.Port); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(exitUsage)
	}
}

func runCost(args []string) {
	fs := flag.NewFlagSet("cost", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "Path to configuration file")
	user := fs.String("user", "", "Limit to one user (empty for all)")
	format := fs.String("format", "rich", "Output format: rich, json, plain")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	store, err := audit.NewStorage(cfg.Audit.DBPath, cfg.Secrets.DBKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open audit storage: %v\n", err)
		os.Exit(exitUsage)
	}
	defer store.Close()

	tokens, usd, err := store.CostTotals(context.Background(), *user)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	renderCost(*user, tokens, usd, *format)
}

func runCompletion(args []string) {
	fs := flag.NewFlagSet("completion", flag.ExitOnError)
	installFlag := fs.Bool("install", false, "Install shell completion")
	uninstallFlag := fs.Bool("uninstall", false, "Uninstall shell completion")
	fs.Parse(args)

	switch {
	case *installFlag:
		if err := completion.Install(); err != nil {
			fmt.Fprintf(os.Stderr, "completion install failed: %v\n", err)
			os.Exit(exitUsage)
		}
		fmt.Println("Shell completion installed. Restart your shell to activate.")
	case *uninstallFlag:
		if err := completion.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "completion uninstall failed: %v\n", err)
			os.Exit(exitUsage)
		}
		fmt.Println("Shell completion removed.")
	default:
		fmt.Println("usage: opsgate completion --install | --uninstall")
	}
}

func printUsage() {
	fmt.Println(`opsgate - policy-mediated command gateway

Usage:
  opsgate execute [flags] <command>   Evaluate and run a command in a sandbox
  opsgate check [flags] <command>     Evaluate a command without running it
  opsgate suggest <command>           Show safe alternatives for a command
  opsgate export [flags]              Export session history as a playbook
  opsgate policies [--validate DIR]   List policy rules or validate Rego sources
  opsgate plugins                     List capability plugins
  opsgate serve [--port N]            Run the management API server
                [--daemon|--stop|--status]
  opsgate cost [--user ID]            Show token/cost totals
  opsgate completion --install        Install shell tab-completion
  opsgate help                        Show this help message
  opsgate version                     Show version

Execute Flags:
  --dry-run             Evaluate only, nothing executes
  --user string         User the command runs as (default "default")
  --no-remote-policy    Skip the remote policy service
  --backend string      Sandbox backend: auto, chroot, container, orchestrated
  --format string       Output format: rich, json, plain (default "rich")
  --timeout duration    Per-command timeout override
  --yes                 Grant CONFIRM decisions without prompting

Export Flags:
  --format string       ansible, terraform, or shell (default "ansible")
  --output string       Output path; a .zst suffix compresses with zstd
  --session string      JSON session file instead of the audit database

Environment Variables (secrets):
  OPSGATE_DB_KEY        Audit database encryption key (SQLCipher)
  OPSGATE_REMOTE_TOKEN  Bearer token for the remote policy service

Exit Codes:
  0  allowed / executed successfully
  2  blocked by policy (or confirmation not granted)
  3  command executed but failed
  4  sandbox error
  1  usage or internal error`)
}
