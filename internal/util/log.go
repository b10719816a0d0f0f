package util

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

var (
	mu      sync.Mutex
	logFile *os.File
	// Output receives console lines. Colors are used only when it is a
	// terminal.
	Output io.Writer = os.Stdout
)

func SetLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	mu.Lock()
	logFile = f
	mu.Unlock()
	return nil
}

func CloseLogFile() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func Info(msg string, args ...interface{}) {
	write("\033[34m[INFO]\033[0m ", msg, args)
}

func Success(msg string, args ...interface{}) {
	write("\033[32m[DONE]\033[0m ", msg, args)
}

func Warn(msg string, args ...interface{}) {
	write("\033[33m[WARN]\033[0m ", msg, args)
}

func Fail(msg string, args ...interface{}) {
	write("\033[31m[FAIL]\033[0m ", msg, args)
}

func write(prefix string, msg string, args []interface{}) {
	out := fmt.Sprintf(prefix+msg+"\n", args...)
	mu.Lock()
	defer mu.Unlock()
	if colored(Output) {
		io.WriteString(Output, out)
	} else {
		io.WriteString(Output, stripColor(out))
	}
	if logFile != nil {
		logFile.WriteString(stripColor(out))
	}
}

func colored(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func stripColor(s string) string {
	// 簡易: エスケープシーケンス除去
	res := []rune{}
	skip := false
	for _, r := range s {
		if r == '\033' {
			skip = true
			continue
		}
		if skip && r == 'm' {
			skip = false
			continue
		}
		if !skip {
			res = append(res, r)
		}
	}
	return string(res)
}
