package adapters

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// StdioTerminal is the default operator-facing Terminal: stdin for input,
// stdout for output, and an isatty(3) check (via golang.org/x/sys/unix)
// to tell the confirmation gate whether a human is actually present to
// answer a y/n prompt.
type StdioTerminal struct {
	reader *bufio.Reader
}

// NewStdioTerminal constructs a StdioTerminal bound to the process's
// standard streams.
func NewStdioTerminal() *StdioTerminal {
	return &StdioTerminal{reader: bufio.NewReader(os.Stdin)}
}

func (t *StdioTerminal) ReadLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.reader.ReadString('\n')
		ch <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

func (t *StdioTerminal) Print(line string) {
	fmt.Println(line)
}

func (t *StdioTerminal) Confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return false
	}
	switch line {
	case "y\n", "Y\n", "yes\n", "Yes\n":
		return true
	default:
		return false
	}
}

func (t *StdioTerminal) IsInteractive() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdin.Fd()), unix.TCGETS)
	return err == nil
}
