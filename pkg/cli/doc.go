// Package cli provides the command-line interface for wsserver.
//
// Commands:
//   - serve: run the demo application (hello on connect, echo of "message",
//     stdin lines broadcast as "userInput")
//   - send: send one typed message to a server and optionally print replies
//   - listen: print typed messages received from a server
//   - version: show version information
//
// Configuration for serve is resolved in the order defaults, --config file,
// WSSERVER_* environment variables, then flags. Use `serve --print-config`
// to see the result and where each value came from.
package cli
