package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"
)

var version = "0.1.0"

var commit = "none"

var date = "unknown"

func versionLine() string {
	if version != "dev" {
		return fmt.Sprintf("jobtrail version %s", version)
	}

	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if (c == "" || c == "none") || (d == "" || d == "unknown") {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					if (c == "" || c == "none") && strings.TrimSpace(s.Value) != "" {
						c = strings.TrimSpace(s.Value)
					}
				case "vcs.time":
					if (d == "" || d == "unknown") && strings.TrimSpace(s.Value) != "" {
						d = strings.TrimSpace(s.Value)
					}
				}
			}
		}
	}

	if len(c) > 7 && c != "none" {
		c = c[:7]
	}

	switch {
	case (c == "" || c == "none") && (d == "" || d == "unknown"):
		return "jobtrail version dev"
	case c == "" || c == "none":
		return fmt.Sprintf("jobtrail version dev (built %s)", d)
	case d == "" || d == "unknown":
		return fmt.Sprintf("jobtrail version dev (commit %s)", c)
	}
	return fmt.Sprintf("jobtrail version dev (commit %s, built %s)", c, d)
}

func versionCmd(args []string) int {
	fs := flag.NewFlagSet("version", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)

	fmt.Println(versionLine())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h, err := cf.client().Health(ctx)
	if err != nil {
		// no server is fine
		return 0
	}
	fmt.Printf("server version %s\n", h.Version)
	if note := serverVersionNote(version, h.Version); note != "" {
		fmt.Fprintln(os.Stderr, note)
	}
	return 0
}

// serverVersionNote warns when the client is older than the server it
// talks to.
func serverVersionNote(local, server string) string {
	if local == "dev" || server == "" || server == "dev" {
		return ""
	}
	if compareSemver(server, local) > 0 {
		return fmt.Sprintf("warning: server runs %s, this client is %s", server, local)
	}
	return ""
}

func compareSemver(a, b string) int {
	pa := parseSemver(a)
	pb := parseSemver(b)
	for i := 0; i < 3; i++ {
		if pa[i] > pb[i] {
			return 1
		}
		if pa[i] < pb[i] {
			return -1
		}
	}
	return 0
}

func parseSemver(v string) [3]int {
	v = strings.TrimSpace(strings.TrimPrefix(v, "v"))
	parts := strings.Split(v, ".")
	out := [3]int{}
	for i := 0; i < 3 && i < len(parts); i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return [3]int{}
		}
		out[i] = n
	}
	return out
}
