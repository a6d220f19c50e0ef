package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// JSFactory spawns workers from JavaScript files in Dir. A script installs
// self.onmessage (or a global onmessage) and replies with postMessage, the same
// contract as a browser Web Worker. Each worker owns one goja VM on one goroutine.
//
// Spawn waits at most StartTimeout for the script's top-level code; a script
// still running after that is interrupted and Spawn fails.
type JSFactory struct {
	Dir          string
	Inbox        int
	StartTimeout time.Duration
}

const DefaultJSStartTimeout = 2 * time.Second

func NewJSFactory(dir string) *JSFactory {
	return &JSFactory{Dir: dir, Inbox: 64, StartTimeout: DefaultJSStartTimeout}
}

func (f *JSFactory) resolve(script string) (string, error) {
	if f.Dir == "" {
		return "", errors.New("js worker: scripts dir is not configured")
	}
	root, err := filepath.Abs(f.Dir)
	if err != nil {
		return "", err
	}
	p := filepath.Join(root, filepath.FromSlash(script))
	if p != root && !strings.HasPrefix(p, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("js worker: script %q escapes %s", script, f.Dir)
	}
	return p, nil
}

func (f *JSFactory) Spawn(script, id string, h Handlers) (Worker, error) {
	path, err := f.resolve(script)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownScript, script)
		}
		return nil, fmt.Errorf("read script %s: %w", script, err)
	}
	prog, err := goja.Compile(script, string(src), false)
	if err != nil {
		return nil, fmt.Errorf("compile script %s: %w", script, err)
	}

	inbox := f.Inbox
	if inbox <= 0 {
		inbox = 64
	}
	limit := f.StartTimeout
	if limit <= 0 {
		limit = DefaultJSStartTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &jsWorker{
		id:     id,
		script: script,
		h:      h,
		vm:     goja.New(),
		inbox:  make(chan []byte, inbox),
		ctx:    ctx,
		cancel: cancel,
	}
	ready := make(chan error, 1)
	go w.loop(prog, ready)

	t := time.NewTimer(limit)
	defer t.Stop()
	select {
	case err := <-ready:
		if err != nil {
			w.Terminate()
			return nil, err
		}
		return w, nil
	case <-t.C:
		w.Terminate()
		return nil, fmt.Errorf("%w: %s did not finish loading within %s", ErrStartTimeout, script, limit)
	}
}

type jsWorker struct {
	id     string
	script string
	h      Handlers

	// vm is only run on the loop goroutine; Interrupt is safe from any.
	vm     *goja.Runtime
	inbox  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	ready  atomic.Bool
}

func (w *jsWorker) ID() string     { return w.id }
func (w *jsWorker) Script() string { return w.script }

func (w *jsWorker) Post(frame []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	select {
	case w.inbox <- frame:
		return nil
	default:
		return ErrInboxFull
	}
}

func (w *jsWorker) Terminate() {
	if w.closed.Swap(true) {
		return
	}
	w.cancel()
	w.vm.Interrupt("terminated")
}

func (w *jsWorker) loop(prog *goja.Program, ready chan<- error) {
	vm := w.vm
	post := func(call goja.FunctionCall) goja.Value {
		w.post(call.Argument(0).Export())
		return goja.Undefined()
	}
	self := vm.NewObject()
	_ = self.Set("postMessage", post)
	if err := vm.Set("self", self); err != nil {
		ready <- fmt.Errorf("js worker %s: %w", w.script, err)
		return
	}
	if err := vm.Set("postMessage", post); err != nil {
		ready <- fmt.Errorf("js worker %s: %w", w.script, err)
		return
	}
	if _, err := vm.RunProgram(prog); err != nil {
		ready <- fmt.Errorf("run script %s: %w", w.script, err)
		return
	}
	onmessage, ok := goja.AssertFunction(self.Get("onmessage"))
	if !ok {
		onmessage, ok = goja.AssertFunction(vm.Get("onmessage"))
	}
	if !ok {
		ready <- fmt.Errorf("js worker %s: script does not define onmessage", w.script)
		return
	}
	w.ready.Store(true)
	ready <- nil

	for {
		select {
		case <-w.ctx.Done():
			return
		case frame := <-w.inbox:
			req, err := DecodeRequest(frame)
			if err != nil {
				w.fault(err)
				continue
			}
			msg := map[string]any{"taskId": req.TaskID, "type": req.Type}
			if len(req.Data) > 0 {
				var data any
				if json.Unmarshal(req.Data, &data) == nil {
					msg["data"] = data
				} else {
					msg["data"] = string(req.Data)
				}
			}
			event := vm.NewObject()
			_ = event.Set("data", msg)
			if _, err := onmessage(self, event); err != nil {
				var interrupted *goja.InterruptedError
				if errors.As(err, &interrupted) {
					return
				}
				w.fault(fmt.Errorf("script %s: %w", w.script, err))
			}
		}
	}
}

// post converts a value passed to postMessage into a Reply.
func (w *jsWorker) post(v any) {
	// Messages posted by top-level script code, before the worker is ready,
	// belong to no task.
	if w.closed.Load() || w.h.OnMessage == nil || !w.ready.Load() {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		w.fault(fmt.Errorf("script %s: postMessage: %w", w.script, err))
		return
	}
	var raw struct {
		TaskID   string          `json:"taskId"`
		Type     string          `json:"type"`
		Progress float64         `json:"progress"`
		Message  string          `json:"message"`
		Result   json.RawMessage `json:"result"`
		Data     json.RawMessage `json:"data"`
		Error    json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		w.fault(fmt.Errorf("script %s: postMessage expects an object: %w", w.script, err))
		return
	}
	r := Reply{
		TaskID:   raw.TaskID,
		Type:     raw.Type,
		Progress: raw.Progress,
		Message:  raw.Message,
		Result:   nonNull(raw.Result),
		Data:     nonNull(raw.Data),
		Error:    errorText(raw.Error),
	}
	frame, err := EncodeReply(r)
	if err != nil {
		w.fault(err)
		return
	}
	w.h.OnMessage(frame)
}

func (w *jsWorker) fault(err error) {
	if w.closed.Load() || w.h.OnFault == nil {
		return
	}
	w.h.OnFault(err)
}

func nonNull(m json.RawMessage) Payload {
	if len(m) == 0 || string(m) == "null" {
		return nil
	}
	return Payload(m)
}

// errorText accepts "msg", {message: "msg"} or any other JSON value.
func errorText(m json.RawMessage) string {
	if len(m) == 0 || string(m) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(m, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(m, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(m)
}
