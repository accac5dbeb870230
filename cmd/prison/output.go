package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/prison/internal/core"
	"github.com/zboralski/prison/internal/hook"
	"github.com/zboralski/prison/internal/trace"
	"github.com/zboralski/prison/internal/ui/colorize"
)

// outputWriter batches lines to stdout from a single goroutine.
type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

// Write queues a line. It blocks when the queue is full.
func (w *outputWriter) Write(line string) { w.ch <- line }

// Writef formats and queues a line.
func (w *outputWriter) Writef(format string, args ...any) {
	w.Write(fmt.Sprintf(format, args...))
}

// Close flushes pending lines and stops the writer.
func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#569CD6")).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#505050")).
			Padding(0, 1)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#B4B4B4"))
)

func printHeader(w *outputWriter, r *core.Report, state core.State) {
	title := fmt.Sprintf("▶ prison ─ %s", r.PackageName)
	body := fmt.Sprintf("%s\n%s %d  %s %s  %s %s",
		title,
		labelStyle.Render("api"), r.APILevel,
		labelStyle.Render("state"), state,
		labelStyle.Render("took"), r.Duration.Round(time.Microsecond),
	)
	if colorize.IsDisabled() {
		w.Write(body)
		return
	}
	w.Write(headerStyle.Render(body))
}

// printReport writes one line per hook, grouped by consumer.
func printReport(w *outputWriter, r *core.Report) {
	consumer := ""
	for _, res := range r.Results {
		if res.Consumer != consumer {
			consumer = res.Consumer
			w.Write("")
			w.Write(colorize.Header(consumer))
		}
		state := colorize.OK(res.State.String())
		if res.State != hook.Installed {
			state = colorize.Error(res.State.String())
		}
		line := fmt.Sprintf("  %-10s %-34s %s", state, colorize.Symbol(res.ID), colorize.Detail(res.Target))
		if res.Err != nil {
			line += "  " + colorize.Error(res.Err.Error())
		}
		w.Write(line)
	}
	if len(r.Missing) > 0 {
		w.Write("")
		w.Writef("%s %s", colorize.Error("missing policy methods:"), strings.Join(r.Missing, ", "))
	}
	w.Write("")
	w.Write(colorize.Border(strings.Repeat("─", 41)) + " " +
		fmt.Sprintf("%s installed  %s failed",
			colorize.Symbol(fmt.Sprint(r.Installed())),
			colorize.Symbol(fmt.Sprint(len(r.Failed())))))
}

func printProbes(w *outputWriter, probes []probe) {
	if len(probes) == 0 {
		return
	}
	w.Write("")
	w.Write(colorize.Header("probes"))
	for _, p := range probes {
		out := colorize.Detail(p.Output)
		if p.Err != nil {
			out = colorize.Error(p.Err.Error())
		}
		w.Writef("  %-8s %s → %s", p.Kind, colorize.Path(p.Input), out)
	}
}

func printStatus(w *outputWriter, st status) {
	w.Write("")
	w.Write(colorize.Header("process"))
	w.Writef("  %s %d  %s %d  %s %d",
		labelStyle.Render("threads"), st.Threads,
		labelStyle.Render("bridge attaches"), st.Attached,
		labelStyle.Render("syscalls"), st.Syscalls)
	w.Writef("  %s %s  %s %s",
		labelStyle.Render("hidden api"), onOff(!st.HiddenAPI),
		labelStyle.Render("resource loading"), onOff(st.Resources))
	for _, img := range st.Libraries {
		w.Writef("  %s-%s %s", colorize.Address(img.Base), colorize.Address(img.End), colorize.Path(img.Name))
	}
}

// onOff renders whether a restriction is in force.
func onOff(restricted bool) string {
	if restricted {
		return colorize.Error("restricted")
	}
	return colorize.OK("lifted")
}

// eventLine formats one trace event: thread, tags, hook, detail and
// annotations.
func eventLine(e *trace.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  %s ", colorize.Detail(fmt.Sprintf("t%-3d", e.Thread)))
	for _, t := range e.Tags {
		b.WriteString(colorize.Tag(string(t)))
		b.WriteByte(' ')
	}
	b.WriteString(colorize.Symbol(e.Hook))
	if e.Detail != "" {
		b.WriteString("  ")
		b.WriteString(e.Detail)
	}
	if len(e.Annotations) > 0 {
		keys := make([]string, 0, len(e.Annotations))
		for k := range e.Annotations {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var kv []string
		for _, k := range keys {
			kv = append(kv, k+"="+e.Annotations[k])
		}
		b.WriteString("  ")
		b.WriteString(colorize.Detail("; " + strings.Join(kv, ", ")))
	}
	return b.String()
}

func printTrace(w *outputWriter, events []*trace.Event, syscalls bool) {
	w.Write("")
	w.Write(colorize.Header("trace"))
	for _, e := range events {
		if !syscalls && e.Tags.Primary() == trace.Syscall {
			continue
		}
		w.Write(eventLine(e))
	}
}
