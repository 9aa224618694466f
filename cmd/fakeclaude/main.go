// fakeclaude is a drop-in stand-in for the claude CLI. It accepts the same
// invocation shape the execution engine uses and replays a scripted
// stream-json transcript, so the whole pipeline can be exercised without a
// real agent. Point the config at it:
//
//	"agent": {"binary": "fakeclaude", "extra_args": ["--fixture", "demo.json"]}
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/taskdeck/taskdeck/internal/agent/script"
)

func main() {
	var (
		printFlag   = flag.Bool("p", false, "Print mode (accepted for CLI compatibility)")
		formatFlag  = flag.String("output-format", "stream-json", "Output format (only stream-json is supported)")
		verboseFlag = flag.Bool("verbose", false, "Verbose mode (accepted for CLI compatibility)")
		resumeFlag  = flag.String("resume", "", "Session id to resume")
		fixtureFlag = flag.String("fixture", "", "Fixture script path (defaults to $FAKECLAUDE_FIXTURE)")
		lineDelayMs = flag.Int("line-delay-ms", 0, "Extra delay before every line")
	)
	flag.Parse()
	_ = *printFlag
	_ = *verboseFlag

	if *formatFlag != "stream-json" {
		fmt.Fprintf(os.Stderr, "unsupported output format: %s\n", *formatFlag)
		os.Exit(2)
	}

	fixturePath := strings.TrimSpace(*fixtureFlag)
	if fixturePath == "" {
		fixturePath = strings.TrimSpace(os.Getenv("FAKECLAUDE_FIXTURE"))
	}
	if fixturePath == "" {
		fmt.Fprintln(os.Stderr, "fixture path must be provided via --fixture or FAKECLAUDE_FIXTURE")
		os.Exit(2)
	}

	s, err := script.Load(fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load fixture: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for _, step := range s.Steps(*resumeFlag != "") {
		delay := time.Duration(step.DelayMs+*lineDelayMs) * time.Millisecond
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if len(step.Line) > 0 {
			out.Write(step.Line)
			out.WriteByte('\n')
			out.Flush()
		}
		if step.Wait {
			// Hold stdout open like an agent blocked on user input; the
			// engine kills us to suspend the session.
			<-ctx.Done()
			return
		}
	}
}
