// Package main — cmd/warden-cli/main.go
//
// warden-cli is a thin operator tool that queries a running warden node's
// peer protocol endpoints and prints the result as formatted JSON. It does
// not participate in consensus; it is a read-only inspection aid.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:5000", "base URL of the warden node to query")
	timeout := flag.Duration("timeout", 3*time.Second, "request timeout")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: warden-cli [-addr url] <status|events|reputation|digest|snapshot>")
		os.Exit(2)
	}

	path, ok := map[string]string{
		"status":     "/status",
		"events":     "/events",
		"reputation": "/reputation",
		"digest":     "/state/digest",
		"snapshot":   "/state/snapshot",
	}[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(*addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading response failed: %v\n", err)
		os.Exit(1)
	}

	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "node returned %d: %s\n", resp.StatusCode, body)
		os.Exit(1)
	}

	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(string(out))
}
