package main

import (
	"fmt"
	"os"
	"strings"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "command":
		os.Exit(runCommandNoun(args))
	case "profile":
		os.Exit(runProfileNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "history":
		os.Exit(runHistoryNoun(args))

	case "version":
		fmt.Printf("oc2gw version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`oc2gw - OpenC2-style actuator command gateway

Usage:
  oc2gw <noun> <action> [flags]

Core Resources (Nouns):
  system    Gateway lifecycle
  command   Dispatch and inspect commands
  profile   Loaded profiles and their capabilities
  config    Configuration checks and integrity
  history   Command log

System Commands:
  system start          Start the gateway service in foreground
  system watch          Live dispatch feed and profile priority list

Command Commands:
  command run           Dispatch one command locally (--file PATH or -)
  command inspect <id>  Show a logged command and its profile state

Profile Commands:
  profile list          Show profiles in priority order with their signatures
  profile rules <name>  Show the rule table of an slpf profile

Config Commands:
  config check          Validate configuration, profiles and integrity
  config lock           Write .checksums for config.yaml and profile manifests

History Commands:
  history list          Show recent commands

General:
  version               Show version information
  help                  Show this help message

Use 'oc2gw <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

type actionFunc struct {
	run  func([]string) int
	help string
}

func runNoun(noun string, args []string, actions map[string]actionFunc, order []string) int {
	if len(args) < 1 {
		printNounHelp(os.Stderr, noun, order)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, noun, order)
		return 0
	}

	act, ok := actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	if hasHelpFlag(args[1:]) {
		fmt.Println(act.help)
		return 0
	}
	return act.run(args[1:])
}

func runSystemNoun(args []string) int {
	return runNoun("system", args, map[string]actionFunc{
		"start": {runStart, "Usage: oc2gw system start [--config PATH]\nStart the gateway service in the foreground."},
		"watch": {runWatch, "Usage: oc2gw system watch [--api-url URL] [--api-key KEY]\nFollow dispatched commands and the profile priority list live.\nThe key needs the events:ro and profiles:ro scopes; OC2GW_API_KEY is read when --api-key is unset."},
	}, []string{"start", "watch"})
}

func runCommandNoun(args []string) int {
	return runNoun("command", args, map[string]actionFunc{
		"run":     {runCommandRun, "Usage: oc2gw command run [--config PATH] [--file PATH|-]\nDispatch one command through the loaded profiles and print the result."},
		"inspect": {runCommandInspect, "Usage: oc2gw command inspect <id> [--config PATH] [--json]\nShow a logged command with the current state of its profile."},
	}, []string{"run", "inspect"})
}

func runProfileNoun(args []string) int {
	return runNoun("profile", args, map[string]actionFunc{
		"list":  {runProfileList, "Usage: oc2gw profile list [--config PATH] [--json]\nShow loaded profiles in priority order."},
		"rules": {runProfileRules, "Usage: oc2gw profile rules <name> [--config PATH] [--json]\nShow the rule table of an slpf profile."},
	}, []string{"list", "rules"})
}

func runConfigNoun(args []string) int {
	return runNoun("config", args, map[string]actionFunc{
		"check": {runConfigCheck, "Usage: oc2gw config check [--config PATH] [--format human|json] [--strict] [--json]\nValidate configuration, profile references and integrity."},
		"lock":  {runConfigLock, "Usage: oc2gw config lock [--config PATH] [-v|--verbose] [--dry-run]\nAuthorize the current configuration by regenerating .checksums."},
	}, []string{"check", "lock"})
}

func runHistoryNoun(args []string) int {
	return runNoun("history", args, map[string]actionFunc{
		"list": {runHistoryList, "Usage: oc2gw history list [--config PATH] [--limit N] [--json]\nShow recent commands, newest first."},
	}, []string{"list"})
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printNounHelp(w *os.File, noun string, actions []string) {
	fmt.Fprintf(w, "Usage: oc2gw %s <action> [flags]\n", noun)
	fmt.Fprintf(w, "Actions: %s\n", strings.Join(actions, ", "))
}

