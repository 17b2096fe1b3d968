package debugger

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.starlark.net/starlark"

	"github.com/willibrandon/stepwatch/pkg/monitor"
)

// executeFile runs a starlark script against the target. The script is
// stopped when ctx is canceled.
func (c *CLI) executeFile(ctx context.Context, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	thread := &starlark.Thread{
		Name: path,
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(c.stdout, msg)
		},
	}
	thread.SetLocal("context", ctx)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("interrupted")
		case <-done:
		}
	}()

	_, err = starlark.ExecFile(thread, path, src, c.builtins())
	return err
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local("context").(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func (c *CLI) builtins() starlark.StringDict {
	return starlark.StringDict{
		"wait_until_match": starlark.NewBuiltin("wait_until_match", c.starWaitUntilMatch),
		"step":             starlark.NewBuiltin("step", c.starStep),
		"read_register":    starlark.NewBuiltin("read_register", c.starReadRegister),
		"pc":               starlark.NewBuiltin("pc", c.starPC),
		"command":          starlark.NewBuiltin("command", c.starCommand),
	}
}

// wait_until_match("name") or wait_until_match(ax=0x0202, es=0x2000)
func (c *CLI) starWaitUntilMatch(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var arg string
	switch {
	case len(args) > 1:
		return nil, fmt.Errorf("%s: too many positional arguments", b.Name())
	case len(args) == 1 && len(kwargs) > 0:
		return nil, fmt.Errorf("%s: pass a signature name or registers, not both", b.Name())
	case len(args) == 1:
		s, ok := starlark.AsString(args[0])
		if !ok {
			return nil, fmt.Errorf("%s: want string, got %s", b.Name(), args[0].Type())
		}
		arg = s
	case len(kwargs) > 0:
		parts := make([]string, 0, len(kwargs))
		for _, kv := range kwargs {
			name, _ := starlark.AsString(kv[0])
			v, err := toUint64(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %v", b.Name(), name, err)
			}
			parts = append(parts, fmt.Sprintf("%s=%#x", name, v))
		}
		arg = strings.Join(parts, " ")
	}

	res, err := c.WaitUntilMatch(threadContext(thread), arg)
	if err != nil {
		return nil, err
	}
	d := starlark.NewDict(3)
	d.SetKey(starlark.String("matched"), starlark.Bool(res.Matched))
	d.SetKey(starlark.String("ip"), starlark.MakeUint64(res.InstructionPointer))
	d.SetKey(starlark.String("steps"), starlark.MakeInt(res.Steps))
	return d, nil
}

// step(n=1) returns the program counter after the last step.
func (c *CLI) starStep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n := 1
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "n?", &n); err != nil {
		return nil, err
	}
	ctx := threadContext(thread)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.target.Step(); err != nil {
			return nil, &monitor.StepError{Step: c.steps + 1, Err: err}
		}
		c.steps++
	}
	pc, err := c.target.ProgramCounter()
	if err != nil {
		return nil, err
	}
	return starlark.MakeUint64(pc), nil
}

// read_register(name) accepts native registers and their views.
func (c *CLI) starReadRegister(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	v, err := c.readRegister(name)
	if err != nil {
		return nil, err
	}
	return starlark.MakeUint64(v), nil
}

func (c *CLI) starPC(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	pc, err := c.target.ProgramCounter()
	if err != nil {
		return nil, err
	}
	return starlark.MakeUint64(pc), nil
}

func (c *CLI) starCommand(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cmdstr string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cmd", &cmdstr); err != nil {
		return nil, err
	}
	if err := c.cmds.Find(firstWord(cmdstr))(c, threadContext(thread), restWords(cmdstr)); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// readRegister reads a native register or decodes a view from its parent.
func (c *CLI) readRegister(name string) (uint64, error) {
	def, ok := monitor.LookupRegister(name)
	if !ok {
		return 0, &monitor.UnknownRegisterError{Name: name}
	}
	v, err := c.target.ReadRegister(def.Parent)
	if err != nil {
		return 0, err
	}
	return def.Decode(v), nil
}

func toUint64(v starlark.Value) (uint64, error) {
	i, ok := v.(starlark.Int)
	if !ok {
		return 0, fmt.Errorf("want int, got %s", v.Type())
	}
	u, ok := i.Uint64()
	if !ok {
		return 0, fmt.Errorf("%s out of range", i)
	}
	return u, nil
}

func firstWord(s string) string {
	w, _, _ := strings.Cut(strings.TrimSpace(s), " ")
	return w
}

func restWords(s string) string {
	_, rest, _ := strings.Cut(strings.TrimSpace(s), " ")
	return strings.TrimSpace(rest)
}
