package config

import (
	"fmt"
	"strconv"
)

// Config holds the parsed command-line configuration
type Config struct {
	// Command is the target executable to run under the agent
	Command string
	// Args are the arguments to pass to the command
	Args []string
	// OutputPrefix is prepended to every trace and metadata filename
	OutputPrefix string
	// FilterFile is the path of a filter rule table, empty for no filter
	FilterFile string
	// InterestingExpr classifies loaded images, empty for the default
	InterestingExpr string
	// RawEventsFile replays a recorded agent stream instead of running a command
	RawEventsFile string
	// HeapProbeObj is the compiled BPF object for allocator probing, empty to disable
	HeapProbeObj string
	// Session groups this run's telemetry with other runs
	Session string
	// BufferCapacity overrides the capture buffer size, 0 for the default
	BufferCapacity int
	// ShowVersion requests version output instead of tracing
	ShowVersion bool
}

// DefaultOutputPrefix is used when neither the flag nor the environment
// sets one.
const DefaultOutputPrefix = "instrace."

// ParseArgs parses command-line arguments and returns a Config.
// Expected format: program_name [flags] -- <command> [args...]
// Flags fall back to their INSTRACE_* environment variables; the command
// line wins.
func ParseArgs(args []string) (*Config, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments provided")
	}
	programName := args[0]

	envCfg, err := ParseEnvConfig()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		OutputPrefix:    envCfg.OutputPrefix,
		FilterFile:      envCfg.FilterFile,
		InterestingExpr: envCfg.InterestingExpr,
		HeapProbeObj:    envCfg.HeapProbeObj,
		Session:         envCfg.Session,
	}

	// Find the "--" separator; everything before it is tracer flags.
	cmdStart := -1
	for i := 1; i < len(args); i++ {
		if args[i] == "--" {
			cmdStart = i + 1
			break
		}

		flag := args[i]
		value := func() (string, error) {
			if i+1 >= len(args) || args[i+1] == "--" {
				return "", fmt.Errorf("%s requires a value", flag)
			}
			i++
			return args[i], nil
		}

		var err error
		switch flag {
		case "-o", "--output-prefix":
			cfg.OutputPrefix, err = value()
		case "-f", "--filter":
			cfg.FilterFile, err = value()
		case "-i", "--interesting":
			cfg.InterestingExpr, err = value()
		case "-r", "--raw-events":
			cfg.RawEventsFile, err = value()
		case "-s", "--session":
			cfg.Session, err = value()
		case "--heap-probe":
			cfg.HeapProbeObj, err = value()
		case "--buffer-capacity":
			var v string
			if v, err = value(); err == nil {
				cfg.BufferCapacity, err = strconv.Atoi(v)
				if err != nil || cfg.BufferCapacity <= 0 {
					err = fmt.Errorf("--buffer-capacity wants a positive entry count, got %q", v)
				}
			}
		case "--version":
			cfg.ShowVersion = true
		default:
			err = fmt.Errorf("unknown flag %q", flag)
		}
		if err != nil {
			return nil, err
		}
	}

	if cmdStart != -1 && cmdStart < len(args) {
		cmdArgs := args[cmdStart:]
		cfg.Command = cmdArgs[0]
		cfg.Args = cmdArgs[1:]
	}

	// Replaying a recorded stream and printing the version need no command.
	if cfg.Command == "" && cfg.RawEventsFile == "" && !cfg.ShowVersion {
		return nil, fmt.Errorf("no command specified\nUsage: %s [flags] -- <command> [args...]\nExample: %s -o traces/run1. -- ./target --fuzz",
			programName, programName)
	}

	if cfg.OutputPrefix == "" {
		cfg.OutputPrefix = DefaultOutputPrefix
	}

	return cfg, nil
}

// FullCommand returns the command and all its arguments as a slice
func (c *Config) FullCommand() []string {
	return append([]string{c.Command}, c.Args...)
}
