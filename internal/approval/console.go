// ABOUTME: Terminal prompter that asks the operator to approve a gated tool call
// ABOUTME: Only interactive when stdin is a TTY; otherwise the headless policy applies

package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ConsolePrompter asks a human on a terminal.
type ConsolePrompter struct {
	reader      *bufio.Reader
	out         io.Writer
	interactive bool
	operator    string
}

// NewConsolePrompter reads answers from in and writes prompts to out.
func NewConsolePrompter(in io.Reader, out io.Writer, interactive bool) *ConsolePrompter {
	operator := "operator"
	if u, err := user.Current(); err == nil && u.Username != "" {
		operator = u.Username
	}
	return &ConsolePrompter{
		reader:      bufio.NewReader(in),
		out:         out,
		interactive: interactive,
		operator:    operator,
	}
}

// NewStdioPrompter prompts on stdin/stdout when stdin is a terminal.
func NewStdioPrompter() *ConsolePrompter {
	tty := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	return NewConsolePrompter(os.Stdin, os.Stdout, tty)
}

// Interactive implements Prompter.
func (p *ConsolePrompter) Interactive() bool { return p.interactive }

// Prompt implements Prompter. Anything but an explicit yes is a denial.
func (p *ConsolePrompter) Prompt(ctx context.Context, req *Request) (Decision, error) {
	yellow := color.New(color.FgYellow, color.Bold)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	fmt.Fprintln(p.out)
	yellow.Fprintf(p.out, "    Approval required (%s)\n", req.Urgency)
	fmt.Fprintf(p.out, "    Agent: ")
	cyan.Fprintln(p.out, req.AgentID)
	fmt.Fprintf(p.out, "    Tool:  ")
	cyan.Fprintln(p.out, req.Tool)

	keys := make([]string, 0, len(req.Parameters))
	for k := range req.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		gray.Fprintf(p.out, "      %s=", k)
		fmt.Fprintln(p.out, req.Parameters[k])
	}
	if req.Context != "" {
		gray.Fprintf(p.out, "    %s\n", req.Context)
	}
	fmt.Fprint(p.out, "    Approve? [y/N]: ")

	type answer struct {
		text string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		text, err := p.reader.ReadString('\n')
		ch <- answer{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return Decision{}, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.text == "" {
			return Decision{}, fmt.Errorf("reading answer: %w", a.err)
		}
		reply := strings.ToLower(strings.TrimSpace(a.text))
		approved := reply == "y" || reply == "yes"
		reason := "denied at console"
		if approved {
			reason = "approved at console"
		}
		return Decision{Approved: approved, DecidedBy: p.operator, Reason: reason}, nil
	}
}
