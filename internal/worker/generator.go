package worker

import (
	"bytes"
	"context"
	"errors"
	"extrato-queue/internal/artifact"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Params describes the extrato one job asks for
type Params struct {
	JobID    int64
	Period   string
	Customer string
}

// Generator produces the PDF bytes of an extrato
type Generator interface {
	Generate(ctx context.Context, p Params) ([]byte, error)
}

// GenerationError reports a failed generation step
type GenerationError struct {
	Step   string
	Err    error
	Output string
}

func (e *GenerationError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Step, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// waitDelay bounds how long a killed command may keep its output pipes open
const waitDelay = time.Second

// outputTail bounds how much command output ends up in a failure message
const outputTail = 2000

var pdfMagic = []byte("%PDF-")

// CommandGenerator runs shell commands that write the PDF to $EXTRATO_OUTPUT
type CommandGenerator struct {
	Command    string
	PreCommand string
	WorkDir    string
}

// Generate runs the optional pre-command, then the generation command, and reads the PDF back
func (g *CommandGenerator) Generate(ctx context.Context, p Params) ([]byte, error) {
	dir, err := os.MkdirTemp("", "extrato-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	output := filepath.Join(dir, artifact.FileName(p.JobID, p.Period, p.Customer))
	env := append(os.Environ(),
		"EXTRATO_JOB_ID="+strconv.FormatInt(p.JobID, 10),
		"EXTRATO_PERIOD="+p.Period,
		"EXTRATO_CUSTOMER="+p.Customer,
		"EXTRATO_OUTPUT="+output,
	)

	if strings.TrimSpace(g.PreCommand) != "" {
		if err := g.run(ctx, "pre-command", g.PreCommand, env); err != nil {
			return nil, err
		}
	}
	if err := g.run(ctx, "generator", g.Command, env); err != nil {
		return nil, err
	}

	pdf, err := os.ReadFile(output)
	if err != nil {
		return nil, &GenerationError{Step: "generator", Err: fmt.Errorf("no pdf written: %w", err)}
	}
	if !bytes.HasPrefix(pdf, pdfMagic) {
		return nil, &GenerationError{Step: "generator", Err: errors.New("output is not a pdf")}
	}
	return pdf, nil
}

func (g *CommandGenerator) run(ctx context.Context, step, command string, env []string) error {
	// Run the step in a shell (sh -c "cmd")
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = env
	cmd.Dir = g.WorkDir
	cmd.WaitDelay = waitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return &GenerationError{Step: step, Err: err, Output: tail(out.String(), outputTail)}
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
