package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	if os.Args[1] == "--version" {
		fmt.Println(versionLine())
		os.Exit(0)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(serveCmd(os.Args[2:]))
	case "enqueue", "run":
		os.Exit(enqueueCmd(os.Args[2:]))
	case "cancel":
		os.Exit(cancelCmd(os.Args[2:]))
	case "show":
		os.Exit(showCmd(os.Args[2:]))
	case "jobs":
		os.Exit(jobsCmd(os.Args[2:]))
	case "tasks":
		os.Exit(tasksCmd(os.Args[2:]))
	case "watch":
		os.Exit(watchCmd(os.Args[2:]))
	case "version":
		os.Exit(versionCmd(os.Args[2:]))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`jobtrail

Usage:
  jobtrail <command> [flags]

Commands:
  serve        Run the worker and the HTTP API
  enqueue      Enqueue a job: enqueue <task> [payload-json]
  cancel       Request cancellation of a job
  show         Show a job with its step tree
  jobs         List recent jobs
  tasks        List registered tasks and their payload fields
  watch        Follow a job's progress until it finishes
  version      Show the version (and the server's, if reachable)
  help         Show this message

Examples:
  jobtrail serve -config jobtrail.yaml
  jobtrail enqueue refresh-metadata '{"urls":["https://example.com"]}'
  jobtrail watch 3f1c...

Notes:
  - Client commands talk to the server at -server or $JOBTRAIL_SERVER.
  - Cancellation is advisory: a task stops at its next checkpoint.

Run 'jobtrail <command> -h' for details.`)
}
