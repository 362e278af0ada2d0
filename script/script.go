// Package script parses and runs measurement sequences.
//
// A script is a plain-text file with one command per line:
//
//	move <angle|preset>        rotate the mirror and wait for it to stop
//	measure <seconds>          run a spectrometer measurement to completion
//	wait                       wait for the motor to stop moving
//	setpoint <name> <temp>     change a temperature controller's set point
//
// Blank lines and lines starting with '#' are ignored. Lines are tokenized
// with shell-style quoting so preset names may be quoted.
package script

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"frog/config"
	"frog/errcode"
)

// Kind identifies a script command.
type Kind int

const (
	KindMove Kind = iota
	KindMeasure
	KindWait
	KindSetPoint
)

// Command is one parsed script step.
type Command struct {
	Kind Kind
	Line int

	// Move target: either a preset name or a literal angle.
	Preset string
	Angle  float64

	// Measure bound.
	Duration time.Duration

	// Set point target.
	Device      string
	Temperature float64
}

func parseError(line int, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return errcode.New(errcode.Validation, "script parse",
		fmt.Sprintf("line %d: %s", line, msg))
}

// Parse reads a script into its command sequence. Errors name the offending
// line.
func Parse(text string) ([]Command, error) {
	var commands []Command
	for i, raw := range strings.Split(text, "\n") {
		line := i + 1
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		tokens, err := shlex.Split(trimmed)
		if err != nil {
			return nil, parseError(line, "%s", err)
		}
		if len(tokens) == 0 {
			continue
		}

		cmd, err := parseCommand(line, tokens)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

func parseCommand(line int, tokens []string) (Command, error) {
	cmd := Command{Line: line}
	switch tokens[0] {
	case "move":
		if len(tokens) != 2 {
			return cmd, parseError(line, "move takes one argument")
		}
		cmd.Kind = KindMove
		if angle, err := strconv.ParseFloat(tokens[1], 64); err == nil {
			cmd.Angle = angle
			return cmd, nil
		}
		if _, ok := config.AnglePresets[tokens[1]]; !ok {
			return cmd, parseError(line, "%q is not an angle or preset", tokens[1])
		}
		cmd.Preset = tokens[1]
		return cmd, nil

	case "measure":
		if len(tokens) != 2 {
			return cmd, parseError(line, "measure takes one argument")
		}
		secs, err := strconv.ParseFloat(tokens[1], 64)
		if err != nil || secs <= 0 {
			return cmd, parseError(line, "invalid duration %q", tokens[1])
		}
		cmd.Kind = KindMeasure
		cmd.Duration = time.Duration(secs * float64(time.Second))
		return cmd, nil

	case "wait":
		if len(tokens) != 1 {
			return cmd, parseError(line, "wait takes no arguments")
		}
		cmd.Kind = KindWait
		return cmd, nil

	case "setpoint":
		if len(tokens) != 3 {
			return cmd, parseError(line, "setpoint takes a device name and a temperature")
		}
		temp, err := strconv.ParseFloat(tokens[2], 64)
		if err != nil {
			return cmd, parseError(line, "invalid temperature %q", tokens[2])
		}
		cmd.Kind = KindSetPoint
		cmd.Device = tokens[1]
		cmd.Temperature = temp
		return cmd, nil

	default:
		return cmd, parseError(line, "unknown command %q", tokens[0])
	}
}
