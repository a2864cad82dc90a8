package exception

import (
	"os"
	"runtime/debug"

	"github.com/gardenledger/garden/logx"
	"github.com/gardenledger/garden/monitoring"
)

// SafeGo runs fn in a goroutine; a panic is logged and counted instead of crashing the node.
func SafeGo(name string, fn func()) {
	go func() {
		defer recoverAndLog(name, false)
		fn()
	}()
}

// SafeGoWithPanic is SafeGo for tasks the node cannot live without: a panic exits the process.
func SafeGoWithPanic(name string, fn func()) {
	go func() {
		defer recoverAndLog(name, true)
		fn()
	}()
}

// Run calls fn synchronously, converting a panic into a logged, counted event.
func Run(name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.IncreasePanicCount()
			logx.Error("PANIC", "in:", name, r, string(debug.Stack()))
			panicked = true
		}
	}()
	fn()
	return false
}

func recoverAndLog(name string, exit bool) {
	if r := recover(); r != nil {
		monitoring.IncreasePanicCount()
		logx.Error("PANIC", "in:", name, r, string(debug.Stack()))
		if exit {
			os.Exit(1)
		}
	}
}
