// Command testworker is a minimal line-RPC child used only by this
// module's own tests: it speaks the same request/response/notification
// protocol a real worker would, so rpc, process and workergroup tests
// exercise a real spawned process instead of a mock transport.
//
// It understands a handful of actions:
//
//	add              {a, b}        -> {result: a+b}
//	notify_progress  {count}       -> count "progress" notifications
//	                                   with percent round(100*i/count)
//	                                   for i = 1..count (33, 67, 100 for
//	                                   count 3), then a {status: "done"}
//	                                   response
//	hang             {}            -> never responds
//	__shutdown__     {}            -> {status: "shutting_down"}, then exits
//	anything else                  -> a JSON-RPC shaped error response
//                                     (code -32601, "unknown action ...")
//
// Environment variables change its behavior for testing the stop
// escalation path: IGNORE_SHUTDOWN drops the shutdown handshake instead
// of answering it; IGNORE_TERM ignores SIGTERM so only SIGKILL can end it.
// STDOUT_LINES and STDERR_LINES, if set, are comma-separated lines
// printed to the corresponding stream immediately at startup.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
)

const socketFDEnv = "RPC_SOCKET_FD"

func main() {
	if os.Getenv("IGNORE_TERM") == "1" {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM)
		go func() {
			for range sig {
				// swallow; only SIGKILL can end this process
			}
		}()
	}

	printStartupLines("STDOUT_LINES", os.Stdout)
	printStartupLines("STDERR_LINES", os.Stderr)

	reader, writer := openRPCStreams()
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		handleLine(line, writer)
	}
}

func printStartupLines(env string, w io.Writer) {
	raw := os.Getenv(env)
	if raw == "" {
		return
	}
	for _, line := range strings.Split(raw, ",") {
		fmt.Fprintln(w, line)
	}
}

func openRPCStreams() (io.Reader, io.Writer) {
	fdStr := os.Getenv(socketFDEnv)
	if fdStr == "" {
		return os.Stdin, os.Stdout
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return os.Stdin, os.Stdout
	}
	f := os.NewFile(uintptr(fd), "rpc-socket")
	return f, f
}

func handleLine(line string, w io.Writer) {
	var msg map[string]any
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return
	}

	id, _ := msg["id"].(string)
	action, _ := msg["action"].(string)

	switch action {
	case "__shutdown__":
		if os.Getenv("IGNORE_SHUTDOWN") == "1" {
			return
		}
		writeMessage(w, map[string]any{"reply_to": id, "status": "shutting_down"})
		os.Exit(0)

	case "add":
		a, _ := msg["a"].(float64)
		b, _ := msg["b"].(float64)
		writeMessage(w, map[string]any{"reply_to": id, "result": a + b})

	case "notify_progress":
		count, _ := msg["count"].(float64)
		n := int(count)
		for i := 1; i <= n; i++ {
			percent := int(math.Round(100 * float64(i) / float64(n)))
			writeMessage(w, map[string]any{"event": "progress", "percent": percent})
		}
		writeMessage(w, map[string]any{"reply_to": id, "status": "done"})

	case "hang":
		// never responds

	default:
		writeMessage(w, map[string]any{
			"reply_to": id,
			"error":    map[string]any{"code": -32601, "message": fmt.Sprintf("unknown action %q", action)},
		})
	}
}

func writeMessage(w io.Writer, msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "%s\n", data)
}
