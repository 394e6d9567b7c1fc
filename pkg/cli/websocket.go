package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamrehn/websocket-server-demo/internal/jsonpath"
	"github.com/adamrehn/websocket-server-demo/pkg/cli/internal/flags"
	"github.com/adamrehn/websocket-server-demo/pkg/cli/internal/output"
	"github.com/adamrehn/websocket-server-demo/pkg/cli/internal/parse"
	"github.com/adamrehn/websocket-server-demo/pkg/client"
	"github.com/adamrehn/websocket-server-demo/pkg/envelope"
)

// dialFlags are shared by send and listen.
type dialFlags struct {
	headers     flags.StringSlice
	subprotocol string
	timeout     time.Duration
}

func (f *dialFlags) register(cmd *cobra.Command) {
	cmd.Flags().VarP(&f.headers, "header", "H", "Custom header (key:value), repeatable")
	cmd.Flags().StringVar(&f.subprotocol, "subprotocol", "", "WebSocket subprotocol")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", client.DefaultHandshakeTimeout, "Connection timeout")
}

func (f *dialFlags) dial(ctx context.Context, url string) (*client.Client, error) {
	header, err := parse.Headers(f.headers)
	if err != nil {
		return nil, err
	}
	opts := &client.Options{
		Header:           header,
		HandshakeTimeout: f.timeout,
	}
	if f.subprotocol != "" {
		opts.Subprotocols = []string{f.subprotocol}
	}
	return client.Dial(ctx, url, opts)
}

// receivedMessage is the --json form of a received envelope.
type receivedMessage struct {
	Type      string            `json:"type"`
	Payload   envelope.Document `json:"payload"`
	Timestamp string            `json:"timestamp"`
	Index     int               `json:"index"`
}

func newReceived(msg *client.Message, index int) receivedMessage {
	return receivedMessage{
		Type:      msg.Type,
		Payload:   msg.Payload,
		Timestamp: time.Now().Format(time.RFC3339),
		Index:     index,
	}
}

// --- send ---

type sendFlags struct {
	dialFlags
	wait        int
	waitTimeout time.Duration
	replyTypes  []string
}

var sendFlagVals sendFlags

var sendCmd = &cobra.Command{
	Use:   "send <url> <type> [payload]",
	Short: "Send one typed message",
	Long: `Connect to a wsserver endpoint and send one message of the given type.

The payload is a JSON object. Use @file to read it from a file or - to read it
from stdin. Any "__MESSAGE__" field in the payload is replaced by <type>.

With --wait, print that many replies before disconnecting.`,
	Example: `  # Send a message with an empty payload
  wsserver send ws://localhost:8080/ message

  # Send a payload and print the echo
  wsserver send --wait 1 --reply-type message ws://localhost:8080/ message '{"text":"hi"}'

  # Send a payload from a file
  wsserver send ws://localhost:8080/ message @payload.json`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSend(cmd, &sendFlagVals, args)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	f := &sendFlagVals
	f.register(sendCmd)
	sendCmd.Flags().IntVarP(&f.wait, "wait", "w", 0, "Number of replies to print before exiting")
	sendCmd.Flags().DurationVar(&f.waitTimeout, "wait-timeout", 5*time.Second, "How long to wait for replies")
	sendCmd.Flags().StringSliceVar(&f.replyTypes, "reply-type", nil, "Only count replies of these types")
}

func runSend(cmd *cobra.Command, f *sendFlags, args []string) error {
	url, msgType := args[0], args[1]

	var payload envelope.Document
	if len(args) == 3 {
		var err error
		if payload, err = parsePayload(args[2], cmd.InOrStdin()); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	c, err := f.dial(ctx, url)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Send(msgType, payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	var replies []receivedMessage
	var waitErr error
	if f.wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, f.waitTimeout)
		defer cancel()
		replies, waitErr = collectReplies(waitCtx, c, f.wait, f.replyTypes)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := output.JSON(out, sendResult{
			Success: waitErr == nil,
			URL:     url,
			Type:    msgType,
			Payload: payload,
			Replies: replies,
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "Sent %q to %s\n", msgType, url)
		printReplies(out, replies)
	}
	return waitErr
}

// sendResult is the --json output of send.
type sendResult struct {
	Success bool              `json:"success"`
	URL     string            `json:"url"`
	Type    string            `json:"type"`
	Payload envelope.Document `json:"payload,omitempty"`
	Replies []receivedMessage `json:"replies,omitempty"`
}

func collectReplies(ctx context.Context, c *client.Client, want int, types []string) ([]receivedMessage, error) {
	var replies []receivedMessage
	for len(replies) < want {
		msg, err := c.Receive(ctx)
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, client.ErrClosed):
			return replies, fmt.Errorf("%w: got %d of %d", ErrNoReply, len(replies), want)
		case errors.Is(err, envelope.ErrMalformed), errors.Is(err, envelope.ErrMissingType), errors.Is(err, envelope.ErrInvalidType):
			continue
		case err != nil:
			return replies, err
		}
		if len(types) > 0 && !slices.Contains(types, msg.Type) {
			continue
		}
		replies = append(replies, newReceived(msg, len(replies)))
	}
	return replies, nil
}

func printReplies(w io.Writer, replies []receivedMessage) {
	for _, r := range replies {
		data, err := envelope.Pack(envelope.JSON, r.Type, r.Payload)
		if err != nil {
			continue
		}
		fmt.Fprintln(w, string(data))
	}
}

// parsePayload reads a JSON object from arg, @file or - (stdin).
func parsePayload(arg string, stdin io.Reader) (envelope.Document, error) {
	var data []byte
	switch {
	case arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		data = b
	default:
		data = []byte(arg)
	}

	doc, err := envelope.JSON.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return doc, nil
}

// --- listen ---

type listenFlags struct {
	dialFlags
	types    []string
	jsonPath string
	matches  flags.StringSlice
	count    int
	duration time.Duration
}

var listenFlagVals listenFlags

var listenCmd = &cobra.Command{
	Use:   "listen <url>",
	Short: "Print typed messages received from a server",
	Long: `Connect to a wsserver endpoint and print every message received, one
JSON document per line, until the server closes the connection, --count
messages have been printed, --duration elapses or the command is interrupted.

--type keeps only messages of the given types. --match keeps only messages
whose payload satisfies a condition: path=value, path? (present) or path!
(absent). --jsonpath prints the selected values instead of the message.`,
	Example: `  # Print everything
  wsserver listen ws://localhost:8080/

  # Print the input of the next three userInput broadcasts
  wsserver listen -n 3 --type userInput --jsonpath '$.input' ws://localhost:8080/

  # Only messages from a given user
  wsserver listen --match 'user.name=ada' ws://localhost:8080/`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListen(cmd, &listenFlagVals, args[0])
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)

	f := &listenFlagVals
	f.register(listenCmd)
	listenCmd.Flags().StringSliceVar(&f.types, "type", nil, "Only print messages of these types")
	listenCmd.Flags().StringVar(&f.jsonPath, "jsonpath", "", "Print the values selected by this JSONPath expression")
	listenCmd.Flags().Var(&f.matches, "match", "Payload condition (path=value, path? or path!), repeatable")
	listenCmd.Flags().IntVarP(&f.count, "count", "n", 0, "Number of messages to print (0 = unlimited)")
	listenCmd.Flags().DurationVar(&f.duration, "duration", 0, "Stop after this long (0 = no limit)")
}

// listenFilter decides which messages listen prints and how.
type listenFilter struct {
	types      []string
	conditions []jsonpath.Condition
	path       *jsonpath.Path
}

func newListenFilter(f *listenFlags) (*listenFilter, error) {
	lf := &listenFilter{types: f.types}
	for _, m := range f.matches {
		c, err := jsonpath.ParseCondition(m)
		if err != nil {
			return nil, err
		}
		lf.conditions = append(lf.conditions, c)
	}
	if f.jsonPath != "" {
		p, err := jsonpath.Compile(f.jsonPath)
		if err != nil {
			return nil, err
		}
		lf.path = p
	}
	return lf, nil
}

// lines returns the output lines for msg, or nil when msg is filtered out.
func (lf *listenFilter) lines(msg *client.Message, index int) ([]any, bool) {
	if len(lf.types) > 0 && !slices.Contains(lf.types, msg.Type) {
		return nil, false
	}
	if !jsonpath.MatchAll(lf.conditions, msg.Payload) {
		return nil, false
	}
	if lf.path != nil {
		values := lf.path.Get(msg.Payload)
		return values, len(values) > 0
	}
	if jsonOutput {
		return []any{newReceived(msg, index)}, true
	}
	return []any{envelope.Inject(msg.Payload, msg.Type)}, true
}

func runListen(cmd *cobra.Command, f *listenFlags, url string) error {
	filter, err := newListenFilter(f)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	log := cliLogger(cmd.ErrOrStderr())

	c, err := f.dial(ctx, url)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	printed := 0
	for f.count <= 0 || printed < f.count {
		msg, err := c.Receive(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, client.ErrClosed):
			fmt.Fprintln(cmd.ErrOrStderr(), "Connection closed by server")
			return nil
		case errors.Is(err, envelope.ErrMalformed), errors.Is(err, envelope.ErrMissingType), errors.Is(err, envelope.ErrInvalidType):
			log.Debug("skipping frame", "error", err, "raw", string(msg.Raw))
			continue
		case err != nil:
			return fmt.Errorf("receive: %w", err)
		}

		values, ok := filter.lines(msg, printed)
		if !ok {
			continue
		}
		for _, v := range values {
			if err := output.Line(out, v); err != nil {
				return err
			}
		}
		printed++
	}
	return nil
}
