package kernel

import (
	"github.com/anillo-os/anillo-os/kernel/cpu"
	"github.com/anillo-os/anillo-os/kernel/kfmt/early"
)

// haltFn is Panic's terminal action. It is a package variable so it can
// be substituted; no test in this repository replaces it.
var haltFn = cpu.Halt

var errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}

// Panic reports the supplied error (if any) to the early console and
// halts the CPU. The memory subsystem calls it for the invariant
// violations it detects: freeing an already-free buddy block, running out
// of physical frames for a virtual free-block header, and freeing a
// virtual address that belongs to no region of its address space.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	case nil:
		err = nil
	default:
		errRuntimePanic.Message = "unrecognized panic value"
		err = errRuntimePanic
	}

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	early.Printf("*** kernel panic: system halted ***")
	early.Printf("\n-----------------------------------\n")

	haltFn()
}
