// Package shell implements the textual command-file interpreter of
// spec.md §6 as an explicit registry (the REDESIGN FLAGS direction away
// from a reflection-driven shell): `set`, `source [-s]`, `create`,
// `PATH/method`, `@PATH`, and `$NAME`/`${NAME}` variable expansion,
// dispatched through a map of registered factories and a map of
// registered objects rather than runtime reflection over Go types.
package shell

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Object is anything `create` can construct and `PATH/method` can invoke.
// Grounded on client/doublezerod/internal/manager's functional-options
// Provisioner style, generalized to a name plus a flat method table.
type Object interface {
	Name() string
	Methods() map[string]func(args []string) (string, error)
}

// Factory constructs an Object from its `create` arguments.
type Factory func(args []string) (Object, error)

// Interpreter runs command files against a registry of factories and a
// namespace of constructed objects and variables.
type Interpreter struct {
	log        *slog.Logger
	searchPath []string

	factories map[string]Factory
	objects   map[string]Object
	vars      map[string]string
}

// New builds an Interpreter that resolves `source` targets against
// searchPath (the colon-split SHELL_PATH of spec.md §6) when a bare
// filename doesn't exist relative to the current directory.
func New(log *slog.Logger, searchPath []string) *Interpreter {
	if log == nil {
		log = slog.Default()
	}
	return &Interpreter{
		log:        log,
		searchPath: searchPath,
		factories:  make(map[string]Factory),
		objects:    make(map[string]Object),
		vars:       make(map[string]string),
	}
}

// Register binds class to a Factory invoked by `create PATH class args…`.
func (in *Interpreter) Register(class string, f Factory) {
	in.factories[class] = f
}

// Lookup returns the object registered at path, if any.
func (in *Interpreter) Lookup(path string) (Object, bool) {
	o, ok := in.objects[path]
	return o, ok
}

// RunFile loads and executes every line of the file found at name (see
// resolve), in order, stopping at the first error. subshell, set by a
// `source -s` caller, forks the variable namespace so the included file's
// `set` assignments don't leak back to the caller while still seeing the
// caller's objects and factories.
func (in *Interpreter) RunFile(name string, args []string, subshell bool) error {
	path, err := in.resolve(name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("shell: read %s: %w", path, err)
	}

	target := in
	if subshell {
		target = in.fork()
	}
	for i, a := range args {
		target.vars[fmt.Sprintf("%d", i+1)] = a
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := target.RunLine(line); err != nil {
			return fmt.Errorf("shell: %s: %w", path, err)
		}
	}
	return scanner.Err()
}

// fork returns a child Interpreter sharing factories and objects but with
// an independent (copied) variable namespace.
func (in *Interpreter) fork() *Interpreter {
	child := &Interpreter{
		log:        in.log,
		searchPath: in.searchPath,
		factories:  in.factories,
		objects:    in.objects,
		vars:       make(map[string]string, len(in.vars)),
	}
	for k, v := range in.vars {
		child.vars[k] = v
	}
	return child
}

func (in *Interpreter) resolve(name string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	for _, dir := range in.searchPath {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("shell: %s not found on search path", name)
}

// RunLine parses and executes a single command line.
func (in *Interpreter) RunLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	for i, f := range fields {
		fields[i] = in.expand(f)
	}

	switch fields[0] {
	case "set":
		if len(fields) < 3 {
			return fmt.Errorf("shell: set requires NAME VALUE")
		}
		in.vars[fields[1]] = strings.Join(fields[2:], " ")
		return nil

	case "source":
		args := fields[1:]
		subshell := false
		if len(args) > 0 && args[0] == "-s" {
			subshell = true
			args = args[1:]
		}
		if len(args) == 0 {
			return fmt.Errorf("shell: source requires a file")
		}
		return in.RunFile(args[0], args[1:], subshell)

	case "create":
		if len(fields) < 3 {
			return fmt.Errorf("shell: create requires PATH CLASS")
		}
		path, class, args := fields[1], fields[2], fields[3:]
		factory, ok := in.factories[class]
		if !ok {
			return fmt.Errorf("shell: unknown class %q", class)
		}
		obj, err := factory(args)
		if err != nil {
			return fmt.Errorf("shell: create %s %s: %w", path, class, err)
		}
		in.objects[path] = obj
		return nil
	}

	return in.invoke(fields[0], fields[1:])
}

// invoke handles `PATH/method [args…]`.
func (in *Interpreter) invoke(pathMethod string, args []string) error {
	i := strings.LastIndexByte(pathMethod, '/')
	if i < 0 {
		return fmt.Errorf("shell: unrecognized command %q", pathMethod)
	}
	path, method := pathMethod[:i], pathMethod[i+1:]
	obj, ok := in.objects[path]
	if !ok {
		return fmt.Errorf("shell: no object registered at %q", path)
	}
	fn, ok := obj.Methods()[method]
	if !ok {
		return fmt.Errorf("shell: %s has no method %q", path, method)
	}
	out, err := fn(args)
	if err != nil {
		return fmt.Errorf("shell: %s/%s: %w", path, method, err)
	}
	if out != "" {
		in.log.Info("shell: command output", "command", pathMethod, "output", out)
	}
	return nil
}

// expand resolves `@PATH` object dereferences and `$NAME`/`${NAME}`
// variable substitution within a single field.
func (in *Interpreter) expand(field string) string {
	if strings.HasPrefix(field, "@") {
		if obj, ok := in.objects[field[1:]]; ok {
			return obj.Name()
		}
		return field
	}
	return in.expandVars(field)
}

func (in *Interpreter) expandVars(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		rest := s[i+1:]
		if strings.HasPrefix(rest, "{") {
			end := strings.IndexByte(rest, '}')
			if end < 0 {
				b.WriteByte(s[i])
				continue
			}
			name := rest[1:end]
			b.WriteString(in.vars[name])
			i += end + 1
			continue
		}
		j := 0
		for j < len(rest) && isNameByte(rest[j]) {
			j++
		}
		if j == 0 {
			b.WriteByte(s[i])
			continue
		}
		b.WriteString(in.vars[rest[:j]])
		i += j
	}
	return b.String()
}

func isNameByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
