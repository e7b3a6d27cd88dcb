// Package debug implements a language-agnostic interactive debug
// orchestrator: it launches a program under a debug-capable runtime and
// mediates a stateful session between an external controller and the
// debuggee over one uniform operation set.
//
// # Architecture
//
// The orchestrator reconciles two wire dialects behind one interface:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                        Manager                               │
//	│  - Single active session, breakpoint registry, stop state   │
//	│  - Operation surface: start, stop, step, stack, vars, eval  │
//	└──────────────────────────────────────────────────────────────┘
//	                             │
//	                             ▼
//	┌──────────────────────────────────────────────────────────────┐
//	│                    adapters.Adapter                          │
//	│  - python: debugpy over DAP (length-prefixed TCP frames)    │
//	│  - nodejs: V8 inspector over CDP (JSON over WebSocket)      │
//	└──────────────────────────────────────────────────────────────┘
//
// # Stop synchronization
//
// Every resume-style operation registers its pause listener before the
// resume command is written to the wire. The listener resolves on the
// next stopped event, on child-process exit (as a terminated result),
// or on a 30 second timeout. Violating the ordering loses pause events
// and deadlocks the session, so each adapter routes every resume
// through its own arm-then-send helper built on a shared stop notifier.
//
// # Breakpoints
//
// The manager keeps one line-ordered registry per file. Setting merges
// by line (same line replaces, new lines append) and re-sends the whole
// file, so the adapter-side list always mirrors the registry. At most
// one breakpoint exists per (file, line).
//
// # Usage
//
//	mgr := debug.NewManager()
//	result, err := mgr.StartSession(ctx, adapters.Config{Program: "/tmp/a.py"})
//	...
//	mgr.SetBreakpoints(ctx, "/tmp/a.py", []adapters.SourceBreakpoint{{Line: 3}})
//	stop, err := mgr.ContinueExecution(ctx, 0)
//	vars, err := mgr.GetVariables(ctx, 0, "", 1)
//	mgr.StopSession()
package debug
