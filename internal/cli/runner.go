// Package cli implements the agentdeck command line front end.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/yn612/agentdeck/internal/api"
	"github.com/yn612/agentdeck/internal/appclient"
)

type Runner struct {
	client *appclient.Client
	out    io.Writer
	errOut io.Writer
}

const maxSendStdinBytes int64 = 1 << 20

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(appclient.New(socketPath), out, errOut)
}

func NewRunnerWithClient(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" {
		r.client = appclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "health":
		return r.runHealth(ctx, rest[1:])
	case "agents":
		return r.runAgents(ctx, rest[1:])
	case "models":
		return r.runModels(ctx, rest[1:])
	case "modes":
		return r.runModes(ctx, rest[1:])
	case "list":
		return r.runList(ctx, rest[1:])
	case "new":
		return r.runNew(ctx, rest[1:])
	case "show":
		return r.runShow(ctx, rest[1:])
	case "send":
		return r.runSend(ctx, rest[1:])
	case "interrupt":
		return r.runInterrupt(ctx, rest[1:])
	case "mode":
		return r.runSetMode(ctx, rest[1:])
	case "input":
		return r.runInput(ctx, rest[1:])
	case "live":
		return r.runLive(ctx, rest[1:])
	case "events":
		return r.runEvents(ctx, rest[1:])
	case "watch":
		return r.runWatch(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

// parseGlobalArgs peels --socket off the argument list. The returned socket
// path is empty unless the flag was given, so an explicitly constructed client
// survives a flagless invocation.
func parseGlobalArgs(args []string) (string, []string, error) {
	socket := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	fs, jsonOut := r.newFlagSet("health")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	resp, err := r.client.Health(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "%s (up %ds)\n", resp.Status, resp.UptimeSeconds)
	return 0
}

func (r *Runner) runAgents(ctx context.Context, args []string) int {
	fs, jsonOut := r.newFlagSet("agents")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	env, err := r.client.ListAgents(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	for _, a := range env.Agents {
		state := "down"
		if a.Ready {
			state = "ready"
		}
		if a.BootState != "" {
			state = a.BootState
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\n", a.AgentID, state, strings.Join(a.Capabilities, ","))
	}
	return 0
}

func (r *Runner) runModels(ctx context.Context, args []string) int {
	fs, jsonOut := r.newFlagSet("models")
	agentID, rest := splitLeadingArg(args)
	if err := fs.Parse(rest); err != nil {
		return r.usageErr(err)
	}
	if agentID == "" && fs.NArg() > 0 {
		agentID = fs.Arg(0)
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: agentdeck models <agent>")
		return 2
	}
	env, err := r.client.ListModels(ctx, agentID)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	for _, m := range env.Models {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\n", m.ModelID, m.DisplayName)
	}
	return 0
}

func (r *Runner) runModes(ctx context.Context, args []string) int {
	fs, jsonOut := r.newFlagSet("modes")
	agentID, rest := splitLeadingArg(args)
	if err := fs.Parse(rest); err != nil {
		return r.usageErr(err)
	}
	if agentID == "" && fs.NArg() > 0 {
		agentID = fs.Arg(0)
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: agentdeck modes <agent>")
		return 2
	}
	env, err := r.client.ListCollaborationModes(ctx, agentID)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	for _, m := range env.Modes {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\n", m.ModeID, m.DisplayName)
	}
	return 0
}

func (r *Runner) runList(ctx context.Context, args []string) int {
	fs, jsonOut := r.newFlagSet("list")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	env, err := r.client.ListThreads(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	for _, t := range env.Threads {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\n", t.ThreadID, t.Title, t.Cwd)
	}
	return 0
}

func (r *Runner) runNew(ctx context.Context, args []string) int {
	fs, jsonOut := r.newFlagSet("new")
	agentID := fs.String("agent", "", "agent id (defaults to the daemon's configured agent)")
	cwd := fs.String("cwd", "", "working directory for the thread")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	env, err := r.client.CreateThread(ctx, api.CreateThreadRequest{AgentID: *agentID, Cwd: *cwd})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	_, _ = fmt.Fprintf(r.out, "created thread %s\n", env.Thread.ThreadID)
	return 0
}

func (r *Runner) runShow(ctx context.Context, args []string) int {
	fs, jsonOut := r.newFlagSet("show")
	threadID, rest := splitLeadingArg(args)
	if err := fs.Parse(rest); err != nil {
		return r.usageErr(err)
	}
	if threadID == "" && fs.NArg() > 0 {
		threadID = fs.Arg(0)
	}
	if threadID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: agentdeck show <thread>")
		return 2
	}
	env, err := r.client.ReadThread(ctx, threadID)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\n", env.Thread.ThreadID, env.Thread.Title, env.Thread.Cwd)
	if len(env.Conversation) > 0 {
		_, _ = r.out.Write(env.Conversation)
		_, _ = fmt.Fprintln(r.out)
	}
	return 0
}

func (r *Runner) runSend(ctx context.Context, args []string) int {
	fs, jsonOut := r.newFlagSet("send")
	text := fs.String("text", "", "message text ('-' reads stdin)")
	model := fs.String("model", "", "model override")
	effort := fs.String("effort", "", "reasoning effort override")
	mode := fs.String("mode", "", "collaboration mode override")
	cwd := fs.String("cwd", "", "working directory override")
	threadID, rest := splitLeadingArg(args)
	if err := fs.Parse(rest); err != nil {
		return r.usageErr(err)
	}
	if threadID == "" && fs.NArg() > 0 {
		threadID = fs.Arg(0)
	}
	if threadID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: agentdeck send <thread> --text <message>")
		return 2
	}
	message := *text
	if message == "-" {
		raw, err := io.ReadAll(io.LimitReader(os.Stdin, maxSendStdinBytes))
		if err != nil {
			return r.handleErr(err)
		}
		message = string(raw)
	}
	if strings.TrimSpace(message) == "" {
		_, _ = fmt.Fprintln(r.errOut, "error: message text is required")
		return 2
	}
	resp, err := r.client.SendMessage(ctx, threadID, api.SendMessageRequest{
		Text:              message,
		Cwd:               *cwd,
		Model:             *model,
		ReasoningEffort:   *effort,
		CollaborationMode: *mode,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "sent to %s\n", threadID)
	return 0
}

func (r *Runner) runInterrupt(ctx context.Context, args []string) int {
	fs, jsonOut := r.newFlagSet("interrupt")
	threadID, rest := splitLeadingArg(args)
	if err := fs.Parse(rest); err != nil {
		return r.usageErr(err)
	}
	if threadID == "" && fs.NArg() > 0 {
		threadID = fs.Arg(0)
	}
	if threadID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: agentdeck interrupt <thread>")
		return 2
	}
	resp, err := r.client.Interrupt(ctx, threadID)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "interrupted %s\n", threadID)
	return 0
}

func (r *Runner) runSetMode(ctx context.Context, args []string) int {
	fs, jsonOut := r.newFlagSet("mode")
	threadID, rest := splitLeadingArg(args)
	mode, rest := splitLeadingArg(rest)
	if err := fs.Parse(rest); err != nil {
		return r.usageErr(err)
	}
	if threadID == "" || mode == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: agentdeck mode <thread> <mode>")
		return 2
	}
	resp, err := r.client.SetCollaborationMode(ctx, threadID, mode)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "set mode %s on %s\n", mode, threadID)
	return 0
}

func (r *Runner) runInput(ctx context.Context, args []string) int {
	fs, jsonOut := r.newFlagSet("input")
	requestID := fs.String("request", "", "pending input request id")
	response := fs.String("response", "", "response value")
	threadID, rest := splitLeadingArg(args)
	if err := fs.Parse(rest); err != nil {
		return r.usageErr(err)
	}
	if threadID == "" && fs.NArg() > 0 {
		threadID = fs.Arg(0)
	}
	if threadID == "" || strings.TrimSpace(*requestID) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: agentdeck input <thread> --request <id> --response <value>")
		return 2
	}
	resp, err := r.client.SubmitUserInput(ctx, threadID, *requestID, *response)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "submitted input for %s\n", threadID)
	return 0
}

func (r *Runner) runLive(ctx context.Context, args []string) int {
	fs, _ := r.newFlagSet("live")
	threadID, rest := splitLeadingArg(args)
	if err := fs.Parse(rest); err != nil {
		return r.usageErr(err)
	}
	if threadID == "" && fs.NArg() > 0 {
		threadID = fs.Arg(0)
	}
	if threadID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: agentdeck live <thread>")
		return 2
	}
	env, err := r.client.LiveState(ctx, threadID)
	if err != nil {
		return r.handleErr(err)
	}
	// Live state is a raw conversation document; always emit JSON.
	_, _ = r.out.Write(env.Conversation)
	_, _ = fmt.Fprintln(r.out)
	return 0
}

func (r *Runner) runEvents(ctx context.Context, args []string) int {
	fs, jsonOut := r.newFlagSet("events")
	threadID, rest := splitLeadingArg(args)
	if err := fs.Parse(rest); err != nil {
		return r.usageErr(err)
	}
	if threadID == "" && fs.NArg() > 0 {
		threadID = fs.Arg(0)
	}
	if threadID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: agentdeck events <thread>")
		return 2
	}
	env, err := r.client.StreamEvents(ctx, threadID)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	for _, ev := range env.Events {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\n", ev.SourceClientID, string(ev.Params))
	}
	return 0
}

func (r *Runner) runWatch(ctx context.Context, args []string) int {
	fs, _ := r.newFlagSet("watch")
	once := fs.Bool("once", false, "exit after the first stream failure")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	err := r.client.WatchLoop(ctx, appclient.WatchLoopOptions{Once: *once}, func(ev api.WatchEvent) error {
		line, marshalErr := json.Marshal(ev)
		if marshalErr != nil {
			return marshalErr
		}
		_, _ = r.out.Write(line)
		_, _ = fmt.Fprintln(r.out)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) newFlagSet(name string) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	return fs, jsonOut
}

func (r *Runner) printJSON(payload any) int {
	enc := json.NewEncoder(r.out)
	if err := enc.Encode(payload); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) usageErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 2
}

func (r *Runner) handleErr(err error) int {
	var reqErr *appclient.RequestError
	if errors.As(err, &reqErr) {
		_, _ = fmt.Fprintf(r.errOut, "error: %s\n", reqErr.Error())
		return 1
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

// splitLeadingArg peels a positional argument off the front so commands
// accept both "send t1 --text hi" and "send --text hi t1".
func splitLeadingArg(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, `usage: agentdeck [--socket path] <command>

commands:
  health                         daemon health
  agents                         list backend agents
  models <agent>                 list models an agent offers
  modes <agent>                  list collaboration modes
  list                           list threads across agents
  new [--agent id] [--cwd dir]   create a thread
  show <thread>                  read a thread with its conversation
  send <thread> --text <msg>     send a message ('-' reads stdin)
  interrupt <thread>             interrupt the active turn
  mode <thread> <mode>           set the collaboration mode
  input <thread> --request <id> --response <value>
                                 answer a pending input request
  live <thread>                  reduced live conversation state
  events <thread>                buffered raw stream events
  watch [--once]                 follow state/history events`)
}
