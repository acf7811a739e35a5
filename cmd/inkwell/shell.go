package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-shellwords"
)

// shell runs one command per input line until EOF, "exit" or ctx is done.
// Errors are printed and do not stop the loop.
func (c *cli) shell(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// quotes and backslash escapes group words; no env or backtick expansion
		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return nil
		}
		if err := c.run(ctx, args); err != nil {
			fmt.Fprintln(c.out, "error:", err)
		}
	}
	return sc.Err()
}
