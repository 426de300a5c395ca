package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/medrex/dlt-keyx/internal/verifier"
)

// promptDecider asks the operator on the terminal whether to regenerate
type promptDecider struct {
	in        *bufio.Reader
	out       io.Writer
	assumeYes bool
}

func newPromptDecider(in io.Reader, out io.Writer, assumeYes bool) *promptDecider {
	return &promptDecider{in: bufio.NewReader(in), out: out, assumeYes: assumeYes}
}

func (p *promptDecider) Decide(ctx context.Context, d verifier.Divergence) (verifier.Decision, error) {
	local := "missing"
	if d.LocalKeyPresent {
		local = shortFP(d.LocalFingerprint)
	}
	fmt.Fprintf(p.out, "The key on this device does not match the key registered for %s.\n", d.Identity)
	fmt.Fprintf(p.out, "  local:      %s\n  registered: %s\n", local, shortFP(d.RegistryFingerprint))
	if d.PendingState {
		fmt.Fprintln(p.out, "Records are currently shared with this identity. Regenerating makes them unreadable until they are shared again.")
	}
	if p.assumeYes {
		fmt.Fprintln(p.out, "Regenerating (--yes).")
		return verifier.DecisionRegenerate, nil
	}

	fmt.Fprint(p.out, "Generate and register a new key pair? [y/N]: ")
	answer, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return verifier.DecisionAbort, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return verifier.DecisionRegenerate, nil
	}
	return verifier.DecisionAbort, nil
}

func shortFP(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
