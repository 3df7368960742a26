// Package goroutineid identifies the calling goroutine. It exists so an event
// loop can tell whether a caller is already running on the loop goroutine.
package goroutineid

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64)
		return &b
	},
}

// Get returns the id of the calling goroutine, or 0 if it cannot be
// determined.
func Get() int64 {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	n := runtime.Stack(*bp, false)
	return parse((*bp)[:n])
}

// parse reads the id out of a stack header of the form
// "goroutine 123 [running]:".
func parse(stack []byte) int64 {
	rest, ok := bytes.CutPrefix(stack, []byte("goroutine "))
	if !ok {
		return 0
	}
	end := bytes.IndexByte(rest, ' ')
	if end < 0 {
		end = len(rest)
	}
	id, err := strconv.ParseInt(string(rest[:end]), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
