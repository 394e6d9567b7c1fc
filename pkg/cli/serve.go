package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamrehn/websocket-server-demo/pkg/cli/internal/flags"
	"github.com/adamrehn/websocket-server-demo/pkg/config"
	"github.com/adamrehn/websocket-server-demo/pkg/server"
)

// serveFlags holds the flag values of the serve command.
type serveFlags struct {
	port           int
	path           string
	maxConnections int
	sendQueueSize  int
	idleTimeout    time.Duration
	heartbeat      bool
	subprotocols   flags.StringSlice
	noMetrics      bool
	noStdin        bool
	printConfig    bool
}

// serveFlagVals is the package-level instance bound to cobra flags.
var serveFlagVals serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the demo WebSocket server",
	Long: `Run the demo application. Every new client is sent a "hello" message,
"message" messages are echoed back to their sender and each line typed on
stdin is broadcast to all clients as {"__MESSAGE__": "userInput", "input": line}.

Connection counts are logged as clients come and go.`,
	Example: `  # Start on the default port (8080)
  wsserver serve

  # Start on a custom port and path with debug logging
  wsserver serve --port 9000 --path /ws --log-level debug

  # Show the effective configuration and where each value came from
  wsserver serve --config wsserver.yaml --print-config`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, &serveFlagVals)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := &serveFlagVals
	serveCmd.Flags().IntVarP(&f.port, "port", "p", config.DefaultPort, "Listen port")
	serveCmd.Flags().StringVar(&f.path, "path", config.DefaultPath, "WebSocket upgrade path")
	serveCmd.Flags().IntVar(&f.maxConnections, "max-connections", 0, "Maximum concurrent TCP connections (0 = unlimited)")
	serveCmd.Flags().IntVar(&f.sendQueueSize, "send-queue-size", config.DefaultSendQueueSize, "Outbound frames queued per connection")
	serveCmd.Flags().DurationVar(&f.idleTimeout, "idle-timeout", 0, "Close connections idle for this long (0 = never)")
	serveCmd.Flags().BoolVar(&f.heartbeat, "heartbeat", false, "Ping clients periodically")
	serveCmd.Flags().Var(&f.subprotocols, "subprotocol", "Supported subprotocol, repeatable")
	serveCmd.Flags().BoolVar(&f.noMetrics, "no-metrics", false, "Disable the Prometheus endpoint")
	serveCmd.Flags().BoolVar(&f.noStdin, "no-stdin", false, "Do not broadcast lines read from stdin")
	serveCmd.Flags().BoolVar(&f.printConfig, "print-config", false, "Print the effective configuration and exit")
}

// apply copies explicitly set flags over cfg.
func (f *serveFlags) apply(cfg *config.Config, changed func(string) bool) {
	set := func(flag, key string, fn func()) {
		if changed(flag) {
			fn()
			cfg.SetSource(key, config.SourceFlag)
		}
	}

	set("port", "port", func() { cfg.Port = f.port })
	set("path", "path", func() { cfg.Path = f.path })
	set("max-connections", "maxConnections", func() { cfg.MaxConnections = f.maxConnections })
	set("send-queue-size", "sendQueueSize", func() { cfg.SendQueueSize = f.sendQueueSize })
	set("idle-timeout", "idleTimeout", func() { cfg.IdleTimeout = config.Duration(f.idleTimeout) })
	set("heartbeat", "heartbeat.enabled", func() { cfg.Heartbeat.Enabled = f.heartbeat })
	set("subprotocol", "subprotocols", func() { cfg.Subprotocols = append([]string(nil), f.subprotocols...) })
	set("no-metrics", "metrics.enabled", func() { cfg.Metrics.Enabled = !f.noMetrics })
}

func runServe(cmd *cobra.Command, f *serveFlags) error {
	cfg, err := resolveConfig(cmd, f.apply)
	if err != nil {
		return err
	}
	if f.printConfig {
		return printConfig(cmd.OutOrStdout(), cfg)
	}

	log, closeLog, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, server.WithLogger(log))

	var stdin io.Reader
	if !f.noStdin {
		stdin = cmd.InOrStdin()
	}

	return newDemo(srv, log).run(ctx, func(ctx context.Context) error {
		return srv.Run(ctx, cfg.Port)
	}, stdin)
}
