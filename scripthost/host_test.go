package scripthost

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.js")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func runScript(t *testing.T, src string) (int, string, error) {
	t.Helper()
	out, err := os.CreateTemp(t.TempDir(), "stdout")
	require.NoError(t, err)
	defer out.Close()

	h, err := New(Options{IdleTimeout: 50 * time.Millisecond, Stdout: out})
	require.NoError(t, err)

	code, runErr := h.Run(context.Background(), writeScript(t, src))

	data, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	return code, string(data), runErr
}

func TestRunExitCode(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want int
	}{
		{name: "explicit zero", src: "phantom.exit(0);", want: 0},
		{name: "explicit code", src: "phantom.exit(3);", want: 3},
		{name: "no argument", src: "phantom.exit();", want: 0},
		{name: "no exit call idles out", src: "var x = 1;", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, err := runScript(t, tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestRunConsoleOutput(t *testing.T) {
	code, out, err := runScript(t, `
		console.log('hello', 1, true);
		console.error('bad');
		phantom.exit(0);
	`)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, "hello 1 true\nbad\n", out)
}

func TestRunScriptError(t *testing.T) {
	code, _, err := runScript(t, "throw new Error('boom');")
	assert.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestPhantomOnErrorConsumesFailure(t *testing.T) {
	code, out, err := runScript(t, `
		phantom.onError = function (msg) {
			console.log('caught: ' + (msg.indexOf('boom') >= 0));
			phantom.exit(0);
		};
		throw new Error('boom');
	`)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, "caught: true\n", out)
}

func TestRunMissingScript(t *testing.T) {
	h, err := New(Options{})
	require.NoError(t, err)

	code, err := h.Run(context.Background(), filepath.Join(t.TempDir(), "nope.js"))
	assert.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestRequireUnknownModule(t *testing.T) {
	code, _, err := runScript(t, "require('fs');")
	assert.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestSystemModule(t *testing.T) {
	t.Setenv("SCRIPTHOST_TEST_VALUE", "42")

	code, out, err := runScript(t, `
		var system = require('system');
		console.log(system.platform);
		console.log(system.env['SCRIPTHOST_TEST_VALUE']);
		phantom.exit(0);
	`)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, "slimerjs\n42\n", out)
}

func TestWebpageModuleCreate(t *testing.T) {
	// Page construction needs no engine; operations on the unopened page
	// degrade instead of crashing the script.
	code, out, err := runScript(t, `
		var page = require('webpage').create();
		console.log(typeof page.open);
		console.log(page.url === '');
		console.log(JSON.stringify(page.viewportSize));
		page.onLoadFinished = function () {};
		console.log(typeof page.onLoadFinished);
		phantom.exit(0);
	`)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, "function\ntrue\n{\"Width\":0,\"Height\":0}\nfunction\n", out)
}

func TestSyncSlotMirrorsAssignment(t *testing.T) {
	h, err := New(Options{})
	require.NoError(t, err)

	obj := h.vm.NewObject()
	var registered goja.Callable
	h.syncSlot(obj, "onConfirm", func(fn goja.Callable) { registered = fn })
	require.NoError(t, h.vm.Set("o", obj))

	_, err = h.vm.RunString("o.onConfirm = function (msg) { return msg === 'sure?'; };")
	require.NoError(t, err)
	require.NotNil(t, registered, "assignment must register a handler")

	res, err := registered(obj, h.vm.ToValue("sure?"))
	require.NoError(t, err)
	assert.True(t, res.ToBoolean())
	res, err = registered(obj, h.vm.ToValue("nope"))
	require.NoError(t, err)
	assert.False(t, res.ToBoolean())

	// Reading the property back returns the assigned function.
	v, err := h.vm.RunString("typeof o.onConfirm")
	require.NoError(t, err)
	assert.Equal(t, "function", v.String())

	// Clearing the property unregisters the handler.
	_, err = h.vm.RunString("o.onConfirm = null;")
	require.NoError(t, err)
	assert.Nil(t, registered)
}

func TestPageDialogSlots(t *testing.T) {
	// The dialog and host-callable slots are live accessors; assignment
	// and read-back must round-trip on a page without an engine.
	code, out, err := runScript(t, `
		var page = require('webpage').create();
		page.onConfirm = function () { return true; };
		page.onPrompt = function (msg, defaultValue) { return defaultValue; };
		page.onCallback = function (value) { return value; };
		console.log(typeof page.onConfirm);
		console.log(typeof page.onPrompt);
		console.log(typeof page.onCallback);
		page.onConfirm = null;
		console.log(page.onConfirm === null);
		phantom.exit(0);
	`)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, "function\nfunction\nfunction\ntrue\n", out)
}

func TestQueuedCallbacksRunAfterScript(t *testing.T) {
	out, err := os.CreateTemp(t.TempDir(), "stdout")
	require.NoError(t, err)
	defer out.Close()

	h, err := New(Options{IdleTimeout: 200 * time.Millisecond, Stdout: out})
	require.NoError(t, err)

	// An event lands on the queue while the script is still running; it
	// must be delivered on the host goroutine after the script returns.
	script := writeScript(t, "var tag = 'from script';")
	h.enqueue(func() {
		_, _ = h.vm.RunString("console.log('queued callback ran');")
	})

	code, err := h.Run(context.Background(), script)
	require.NoError(t, err)
	assert.Zero(t, code)

	data, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), "queued callback ran")
}

func TestQueuedExitStopsLoop(t *testing.T) {
	h, err := New(Options{IdleTimeout: time.Second})
	require.NoError(t, err)

	script := writeScript(t, "var x = 1;")
	h.enqueue(func() {
		_, _ = h.vm.RunString("phantom.exit(7);")
	})

	start := time.Now()
	code, err := h.Run(context.Background(), script)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Less(t, time.Since(start), time.Second, "exit must not wait for the idle timeout")
}
