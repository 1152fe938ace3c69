package shell

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	name  string
	calls []string
}

func (f *fakeObject) Name() string { return f.name }
func (f *fakeObject) Methods() map[string]func([]string) (string, error) {
	return map[string]func([]string) (string, error){
		"ping": func(args []string) (string, error) {
			f.calls = append(f.calls, "ping")
			return "pong", nil
		},
	}
}

func TestSetThenVariableExpansion(t *testing.T) {
	in := New(nil, nil)
	var seen string
	in.Register("echo", func(args []string) (Object, error) {
		obj := &fakeObject{name: args[0]}
		return obj, nil
	})

	require.NoError(t, in.RunLine("set greeting hello"))
	require.NoError(t, in.RunLine("create /x echo $greeting"))

	obj, ok := in.Lookup("/x")
	require.True(t, ok)
	seen = obj.Name()
	assert.Equal(t, "hello", seen)
}

func TestBracedVariableExpansion(t *testing.T) {
	in := New(nil, nil)
	require.NoError(t, in.RunLine("set name Bus"))
	in.Register("echo", func(args []string) (Object, error) {
		return &fakeObject{name: args[0]}, nil
	})
	require.NoError(t, in.RunLine("create /x echo ${name}Server"))

	obj, _ := in.Lookup("/x")
	assert.Equal(t, "BusServer", obj.Name())
}

func TestCreateThenInvokeMethod(t *testing.T) {
	in := New(nil, nil)
	in.Register("thing", func(args []string) (Object, error) {
		return &fakeObject{name: "thing-1"}, nil
	})

	require.NoError(t, in.RunLine("create /a thing"))
	require.NoError(t, in.RunLine("/a/ping"))

	obj, _ := in.Lookup("/a")
	assert.Equal(t, []string{"ping"}, obj.(*fakeObject).calls)
}

func TestInvokeUnknownMethodFails(t *testing.T) {
	in := New(nil, nil)
	in.Register("thing", func(args []string) (Object, error) {
		return &fakeObject{name: "thing-1"}, nil
	})
	require.NoError(t, in.RunLine("create /a thing"))

	err := in.RunLine("/a/nope")
	assert.Error(t, err)
}

func TestCreateUnknownClassFails(t *testing.T) {
	in := New(nil, nil)
	err := in.RunLine("create /a nosuch")
	assert.Error(t, err)
}

func TestAtPathDereferencesObjectName(t *testing.T) {
	in := New(nil, nil)
	in.Register("thing", func(args []string) (Object, error) {
		return &fakeObject{name: "resolved-name"}, nil
	})
	require.NoError(t, in.RunLine("create /a thing"))

	in.Register("consumer", func(args []string) (Object, error) {
		return &fakeObject{name: args[0]}, nil
	})
	require.NoError(t, in.RunLine("create /b consumer @/a"))

	obj, _ := in.Lookup("/b")
	assert.Equal(t, "resolved-name", obj.Name())
}

func TestSourceIncludesFileInSameNamespace(t *testing.T) {
	dir := t.TempDir()
	child := filepath.Join(dir, "child.cmd")
	require.NoError(t, os.WriteFile(child, []byte("set x child-value\n"), 0o644))

	in := New(nil, nil)
	require.NoError(t, in.RunLine("source "+child))
	require.NoError(t, in.RunLine("set y $x"))

	assert.Equal(t, "child-value", in.vars["y"])
}

func TestSourceSubshellDoesNotLeakVariables(t *testing.T) {
	dir := t.TempDir()
	child := filepath.Join(dir, "child.cmd")
	require.NoError(t, os.WriteFile(child, []byte("set leaked yes\n"), 0o644))

	in := New(nil, nil)
	require.NoError(t, in.RunLine("source -s "+child))

	_, ok := in.vars["leaked"]
	assert.False(t, ok)
}

func TestSourceResolvesAgainstSearchPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "found.cmd"), []byte("set ok yes\n"), 0o644))

	in := New(nil, []string{dir})
	require.NoError(t, in.RunLine("source found.cmd"))
	assert.Equal(t, "yes", in.vars["ok"])
}

func TestCommentsAndBlankLinesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.cmd")
	require.NoError(t, os.WriteFile(path, []byte("# a comment\n\nset ok yes\n"), 0o644))

	in := New(nil, nil)
	require.NoError(t, in.RunFile(path, nil, false))
	assert.Equal(t, "yes", in.vars["ok"])
}
