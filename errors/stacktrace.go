package errors

import (
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// internalFrames lists functions of this package that create a stack trace
// on behalf of their caller. They are removed from the head of a trace.
var internalFrames = []string{
	"/paychan/errors.Wrap",
	"/paychan/errors.Wrapf",
	"/paychan/errors.(*Error).New",
	"/paychan/errors.(*Error).Newf",
	"/paychan/errors.Recover",
}

func funcName(f errors.Frame) string {
	fn := runtime.FuncForPC(uintptr(f) - 1)
	if fn == nil {
		return ""
	}
	return fn.Name()
}

func isInternal(f errors.Frame) bool {
	name := funcName(f)
	for _, suffix := range internalFrames {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// trimInternal drops the frames of this package from the head of the stack
// and the runtime frames from its tail, so the first frame is always the
// place where the error was created.
func trimInternal(st errors.StackTrace) errors.StackTrace {
	for len(st) > 0 && isInternal(st[0]) {
		st = st[1:]
	}
	for len(st) > 0 && strings.HasPrefix(funcName(st[len(st)-1]), "runtime.") {
		st = st[:len(st)-1]
	}
	return st
}
