// statusctl watches the realtime status feed from a terminal.
//
// Usage:
//
//	statusctl watch generation job-42 --endpoint wss://app.example.com/ws/status/
//	statusctl watch document doc-7 --config configs/relay.local.yaml
//	statusctl watch notifications user-1 --raw
//
// The token defaults to STATUSFEED_TOKEN, which may come from a .env file.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rickgao/statusfeed/internal/version"
)

// exitErr carries a numeric exit code through the cobra error path.
type exitErr struct {
	code int
	msg  string
}

func (e *exitErr) Error() string { return e.msg }

// codeError returns an exitErr for the given code.
func codeError(code int, format string, args ...any) error {
	return &exitErr{code: code, msg: fmt.Sprintf(format, args...)}
}

// options holds the persistent flags shared by every command.
type options struct {
	endpoint   string
	configPath string
	token      string
	raw        bool
	logLevel   string
}

func main() {
	// Missing .env is fine.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		var ee *exitErr
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", ee.msg)
			os.Exit(ee.code)
		}
		// cobra already printed the error
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "statusctl",
		Short:         "Watch generation, document and notification status in real time",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.endpoint, "endpoint", "", "WebSocket endpoint (overrides --config)")
	f.StringVar(&opts.configPath, "config", "", "Relay config file to read realtime settings from")
	f.StringVar(&opts.token, "token", "", "Bearer token (default $STATUSFEED_TOKEN)")
	f.BoolVar(&opts.raw, "raw", false, "Print every inbound envelope as it arrives")
	f.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	root.AddCommand(newWatchCmd(opts), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "statusctl", version.String())
		},
	}
}
