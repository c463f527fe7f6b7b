// Package console — операторская консоль: командный интерпретатор и SSH-доступ к нему.
package console

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownCommand возвращается для нераспознанной команды.
var ErrUnknownCommand = errors.New("unknown command")

// Tunable — настраиваемый параметр и его текущее значение.
type Tunable struct {
	Name  string
	Value string
}

// Backend — управляемый демон. Вызовы исполняются в его цикле между кадрами.
type Backend interface {
	Status(ctx context.Context) (string, error)
	Get(ctx context.Context) ([]Tunable, error)
	Set(ctx context.Context, name, value string) error
	Calibrate(ctx context.Context) error
	CalibrateAuto(ctx context.Context) error
	Align(ctx context.Context) (string, error)
}

type handler func(ctx context.Context, args []string) (string, error)

type command struct {
	path []string
	help string
	run  handler
}

// Shell разбирает строки команд.
type Shell struct {
	b        Backend
	commands []command
}

// NewShell создаёт интерпретатор с набором команд.
func NewShell(b Backend) *Shell {
	s := &Shell{b: b}
	s.RegisterCommand([]string{"help"}, "список команд", s.help)
	s.RegisterCommand([]string{"status"}, "состояние синхронизации", func(ctx context.Context, _ []string) (string, error) {
		return s.b.Status(ctx)
	})
	s.RegisterCommand([]string{"get"}, "get [name] — значения параметров", s.get)
	s.RegisterCommand([]string{"set"}, "set <name> <value> — изменить параметр", s.set)
	s.RegisterCommand([]string{"calibrate"}, "калибровка частоты источника", func(ctx context.Context, _ []string) (string, error) {
		return "calibrated\n", s.b.Calibrate(ctx)
	})
	s.RegisterCommand([]string{"calibrate", "auto"}, "калибровка и определение варианта Electron", func(ctx context.Context, _ []string) (string, error) {
		return "calibrated\n", s.b.CalibrateAuto(ctx)
	})
	s.RegisterCommand([]string{"show", "alignment"}, "оценка фазы выборки по захваченному кадру", func(ctx context.Context, _ []string) (string, error) {
		return s.b.Align(ctx)
	})
	return s
}

// RegisterCommand добавляет команду; более длинный путь имеет приоритет.
func (s *Shell) RegisterCommand(path []string, help string, run handler) {
	s.commands = append(s.commands, command{path: path, help: help, run: run})
	sort.SliceStable(s.commands, func(i, j int) bool {
		return len(s.commands[i].path) > len(s.commands[j].path)
	})
}

// Exec исполняет строку. quit=true для exit/logout.
func (s *Shell) Exec(ctx context.Context, line string) (out string, quit bool) {
	out, quit, err := s.exec(ctx, line)
	if err != nil {
		return fmt.Sprintf("error: %v\n", err), quit
	}
	return out, quit
}

func (s *Shell) exec(ctx context.Context, line string) (string, bool, error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return "", false, nil
	}
	switch words[0] {
	case "exit", "logout", "quit":
		return "", true, nil
	}
	cmd, args, ok := s.lookup(words)
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownCommand, words[0])
	}
	out, err := cmd.run(ctx, args)
	return out, false, err
}

func (s *Shell) lookup(words []string) (command, []string, bool) {
	for _, c := range s.commands {
		if len(words) < len(c.path) {
			continue
		}
		match := true
		for i, p := range c.path {
			if words[i] != p {
				match = false
				break
			}
		}
		if match {
			return c, words[len(c.path):], true
		}
	}
	return command{}, nil, false
}

func (s *Shell) help(context.Context, []string) (string, error) {
	cmds := append([]command(nil), s.commands...)
	sort.Slice(cmds, func(i, j int) bool {
		return strings.Join(cmds[i].path, " ") < strings.Join(cmds[j].path, " ")
	})
	var b strings.Builder
	for _, c := range cmds {
		fmt.Fprintf(&b, "%-18s %s\n", strings.Join(c.path, " "), c.help)
	}
	b.WriteString("exit               закрыть сеанс\n")
	return b.String(), nil
}

func (s *Shell) get(ctx context.Context, args []string) (string, error) {
	ts, err := s.b.Get(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, t := range ts {
		if len(args) > 0 && args[0] != t.Name {
			continue
		}
		fmt.Fprintf(&b, "%s = %s\n", t.Name, t.Value)
	}
	if b.Len() == 0 && len(args) > 0 {
		return "", fmt.Errorf("no such parameter %q", args[0])
	}
	return b.String(), nil
}

func (s *Shell) set(ctx context.Context, args []string) (string, error) {
	if len(args) != 2 {
		return "", errors.New("usage: set <name> <value>")
	}
	if err := s.b.Set(ctx, args[0], args[1]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %s\n", args[0], args[1]), nil
}
