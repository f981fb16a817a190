// Command gatewayctl is the gateway's administrative CLI: serve,
// health, rotate-keys, print-config, and version subcommands, grounded
// on the teacher's cmd/ocx-cli (os.Args subcommand dispatch, a flag
// parsing loop, a doRequest HTTP helper, env-var defaults).
//
// serve execs into gatewayd, so its exit code is whatever gatewayd
// exits with: spec.md §6's 0 success / 1 configuration invalid / 2
// runtime fatal / 3 shutdown timeout. Those four codes describe a
// running server's lifecycle and don't map cleanly onto one-shot
// query subcommands, so health/rotate-keys/print-config use their own
// convention: 0 success, 1 usage error, 2 request/network failure, 3
// the gateway responded but reported a non-2xx/unhealthy result.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/ocx/cipher-gateway/internal/config"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gatewayURL := os.Getenv("GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = "http://localhost:8080"
	}

	switch os.Args[1] {
	case "serve":
		cmdServe()
	case "health":
		cmdHealth(gatewayURL)
	case "rotate-keys":
		cmdRotateKeys(gatewayURL)
	case "print-config":
		cmdPrintConfig()
	case "version":
		fmt.Printf("gatewayctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`gatewayctl v` + version + `

Usage: gatewayctl <command> [flags]

Commands:
  serve          exec into gatewayd (replaces this process)
  health         check gatewayd's /healthz and /readyz
  rotate-keys    rotate a client's server key
  print-config   print the resolved configuration as JSON
  version        print version
  help           show this help

Environment:
  GATEWAY_URL    gatewayd base URL (default: http://localhost:8080)

Examples:
  gatewayctl health
  gatewayctl rotate-keys --client-id 3fa85f64-5717-4562-b3fc-2c963f66afa6
  gatewayctl print-config`)
}

// cmdServe execs into gatewayd, letting gatewayctl double as the
// container entrypoint without forking a supervised child process.
func cmdServe() {
	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: resolve executable: %v\n", err)
		os.Exit(2)
	}
	gatewayd := self[:len(self)-len("gatewayctl")] + "gatewayd"
	if _, err := os.Stat(gatewayd); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: cannot find gatewayd next to gatewayctl: %v\n", err)
		os.Exit(2)
	}
	if err := syscall.Exec(gatewayd, []string{gatewayd}, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: exec gatewayd: %v\n", err)
		os.Exit(2)
	}
}

func cmdHealth(gatewayURL string) {
	okHealthz, errHealthz := probe(gatewayURL + "/healthz")
	okReadyz, errReadyz := probe(gatewayURL + "/readyz")
	if errHealthz != nil || errReadyz != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: request failed: healthz=%v readyz=%v\n", errHealthz, errReadyz)
		os.Exit(2)
	}
	if okHealthz && okReadyz {
		fmt.Println("OK: healthy and ready")
		return
	}
	fmt.Printf("NOT OK: healthz=%v readyz=%v\n", okHealthz, okReadyz)
	os.Exit(3)
}

func probe(url string) (bool, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func cmdRotateKeys(gatewayURL string) {
	var clientID string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--client-id" && i+1 < len(args) {
			i++
			clientID = args[i]
		}
	}
	if clientID == "" {
		fmt.Fprintln(os.Stderr, "usage: gatewayctl rotate-keys --client-id <uuid>")
		os.Exit(1)
	}

	resp, err := doRequest(http.MethodPost, gatewayURL+"/v1/keys/"+clientID+"/rotate", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: request failed: %v\n", err)
		os.Exit(2)
	}

	var result struct {
		ServerID string `json:"server_id"`
		Code     string `json:"code"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: malformed response: %v\n", err)
		os.Exit(3)
	}
	if result.Code != "" {
		fmt.Fprintf(os.Stderr, "gatewayctl: %s: %s\n", result.Code, result.Message)
		os.Exit(3)
	}
	fmt.Printf("rotated: server_id=%s\n", result.ServerID)
}

func cmdPrintConfig() {
	cfg := config.Get()
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: marshal config: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(string(out))
}

func doRequest(method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
