package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

func main() {
	var (
		addrF    = flag.String("url", "http://localhost:8080", "URL to service host")
		tokenF   = flag.String("token", os.Getenv("CLIPWATCH_TOKEN"), "Bearer token (see the login command)")
		verboseF = flag.Bool("verbose", false, "Print request and response details")
		vF       = flag.Bool("v", false, "Print request and response details")
		timeoutF = flag.Int("timeout", 30, "Maximum number of seconds to wait for response")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}

	c := newClient(strings.TrimRight(*addrF, "/"), *tokenF, *timeoutF, *verboseF || *vF)
	data, err := run(c, flag.Arg(0), flag.Args()[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err.Error())
		fmt.Fprintln(os.Stderr, "run '"+os.Args[0]+" --help' for detailed usage.")
		os.Exit(1)
	}

	if data != nil {
		m, _ := json.MarshalIndent(data, "", "    ")
		fmt.Println(string(m))
	}
}

func run(c *client, cmd string, args []string) (any, error) {
	switch cmd {
	case "start":
		fs := flag.NewFlagSet("start", flag.ContinueOnError)
		clipSize := fs.Int("clip-size", 0, "Frames per clip (0 keeps the current value)")
		memory := fs.Int("memory", 0, "Predictions averaged (0 keeps the current value)")
		threshold := fs.Int("threshold", -1, "Decision threshold in percent (-1 keeps the current value)")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() != 1 {
			return nil, fmt.Errorf("start: expected exactly one source, got %d", fs.NArg())
		}
		p := startPayload{Source: fs.Arg(0)}
		if *clipSize > 0 {
			p.ClipSize = clipSize
		}
		if *memory > 0 {
			p.Memory = memory
		}
		if *threshold >= 0 {
			p.Threshold = threshold
		}
		return c.do("POST", "/api/runs", p)
	case "end":
		return c.do("DELETE", "/api/runs/current", nil)
	case "metrics":
		return c.do("GET", "/api/metrics", nil)
	case "model":
		return c.do("GET", "/api/model", nil)
	case "runs":
		return c.do("GET", "/api/runs", nil)
	case "run":
		if len(args) != 1 {
			return nil, fmt.Errorf("run: expected a run id")
		}
		return c.do("GET", "/api/runs/"+args[0], nil)
	case "login":
		if len(args) != 2 {
			return nil, fmt.Errorf("login: expected username and password")
		}
		return c.do("POST", "/api/auth/login", map[string]string{"username": args[0], "password": args[1]})
	}
	return nil, fmt.Errorf("unknown command %q", cmd)
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s is a command line client for the clipwatch API.

Usage:
    %s [-url URL][-token TOKEN][-timeout SECONDS][-verbose|-v] COMMAND [ARGS]

Commands:
    start [-clip-size N] [-memory N] [-threshold P] SOURCE
    end
    metrics
    model
    runs
    run ID
    login USERNAME PASSWORD

Additional help:
    %s start --help

Example:
    %s start -clip-size 16 -threshold 60 /videos/hall.mp4
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}
