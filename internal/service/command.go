package service

import (
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/CZERTAINLY/Lookout/internal/model"
)

// Command is a prototype of an external process.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// CommandFromConfig converts the configured command. Env values starting
// with $ are expanded from the process environment.
func CommandFromConfig(c model.Command) Command {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	sort.Strings(env)
	return Command{
		Path:    c.Path,
		Args:    slices.Clone(c.Args),
		Env:     env,
		Timeout: c.TimeoutDuration(),
	}
}

// Vars are placeholders replaced in command arguments.
type Vars struct {
	Image    string
	Severity string
}

// Expand returns a copy of the command with ${image} and ${severity}
// replaced in its arguments.
func (c Command) Expand(v Vars) Command {
	r := strings.NewReplacer(
		"${image}", v.Image,
		"${severity}", v.Severity,
	)
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = r.Replace(a)
	}
	c.Args = args
	return c
}

// Commands are the processes driving a pipeline.
type Commands struct {
	Pull   Command
	Scan   Command
	Remove Command
}

func CommandsFromConfig(c model.Commands) Commands {
	return Commands{
		Pull:   CommandFromConfig(c.Pull),
		Scan:   CommandFromConfig(c.Scan),
		Remove: CommandFromConfig(c.Remove),
	}
}
