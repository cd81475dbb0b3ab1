// ABOUTME: Operator subcommands over the shared workspace: keys, agents, mail, tasks, audit
// ABOUTME: These open the stores directly and never start the agent's loops

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-courier/internal/coordinator"
	"github.com/2389/coven-courier/internal/identity"
	"github.com/2389/coven-courier/internal/protocol"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/sender"
	"github.com/2389/coven-courier/internal/store"
)

func openAgent(fs *flag.FlagSet, args []string) (*coordinator.Coordinator, error) {
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return nil, err
	}
	// Operator commands stay quiet unless something goes wrong
	cfg.Logging.Level = "warn"
	return coordinator.New(cfg, coordinator.Options{Logger: setupLogger(cfg.Logging)})
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	_, statErr := os.Stat(cfg.Agent.KeyPath)
	key, err := identity.LoadOrGenerateKey(cfg.Agent.KeyPath, cfg.Agent.ID)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	if errors.Is(statErr, os.ErrNotExist) {
		green.Printf("Generated new key for %s\n", cfg.Agent.ID)
	} else {
		fmt.Printf("Existing key for %s\n", cfg.Agent.ID)
	}
	fmt.Printf("  path:        %s\n", cfg.Agent.KeyPath)
	fmt.Printf("  fingerprint: %s\n", identity.ComputeFingerprint(key.PublicKey()))
	fmt.Printf("  public key:  %s\n", identity.AuthorizedKey(key.PublicKey()))
	return nil
}

func statusColor(a registry.Agent) string {
	switch {
	case !a.Online():
		return color.HiBlackString(string(a.Status))
	case a.Status == store.StatusBusy:
		return color.YellowString(string(a.Status))
	default:
		return color.GreenString(string(a.Status))
	}
}

func runAgents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	onlineOnly := fs.Bool("online", false, "only list reachable agents")
	capability := fs.String("capability", "", "comma-separated capabilities to require")
	c, err := openAgent(fs, args)
	if err != nil {
		return err
	}
	defer c.Close()

	var agents []registry.Agent
	switch {
	case *capability != "":
		agents, err = c.Registry().FindByCapability(ctx, splitList(*capability))
	case *onlineOnly:
		agents, err = c.Registry().ListOnline(ctx)
	default:
		agents, err = c.Registry().ListAll(ctx)
	}
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tSTATUS\tCAPABILITIES\tLAST SEEN\tURL")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Role, statusColor(a), strings.Join(a.Capabilities, ","),
			since(a.LastHeartbeat), a.URL)
	}
	return w.Flush()
}

type fileList []string

func (f *fileList) String() string     { return strings.Join(*f, ",") }
func (f *fileList) Set(v string) error { *f = append(*f, v); return nil }

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	to := fs.String("to", "", "recipient agent id, or \"all\"")
	msgType := fs.String("type", string(protocol.TypeMessage), "message type")
	replyTo := fs.String("reply-to", "", "id of the message this answers")
	var attachments fileList
	fs.Var(&attachments, "attach", "file to attach (repeatable)")
	c, err := openAgent(fs, args)
	if err != nil {
		return err
	}
	defer c.Close()

	if *to == "" {
		return errors.New("-to is required")
	}
	t := protocol.MessageType(*msgType)
	if !t.Valid() {
		return fmt.Errorf("unknown message type %q", *msgType)
	}

	content := strings.Join(fs.Args(), " ")
	if content == "" || content == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		content = strings.TrimSpace(string(data))
	}

	var opts []sender.Option
	if *replyTo != "" {
		opts = append(opts, sender.WithReplyTo(*replyTo))
	}
	for _, path := range attachments {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading attachment: %w", err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		opts = append(opts, sender.WithAttachment(filepath.Base(path), mimeType, data))
	}

	if err := publishKey(ctx, c); err != nil {
		return err
	}

	msg, err := c.Send(ctx, *to, t, content, opts...)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Print("sent ")
	fmt.Printf("%s (%s → %s)\n", msg.ID, msg.From, msg.To)
	return nil
}

// publishKey makes sure recipients can verify this agent even if it has
// never run serve. A first registration is immediately marked offline.
func publishKey(ctx context.Context, c *coordinator.Coordinator) error {
	id := c.Identity().ID
	if _, err := c.Registry().Get(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, registry.ErrUnknownAgent) {
		return err
	}
	if err := c.Register(ctx); err != nil {
		return err
	}
	return c.Registry().Deregister(ctx, id)
}

func runInbox(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inbox", flag.ContinueOnError)
	agentID := fs.String("agent", "", "mailbox to list (default: this agent)")
	quarantine := fs.Bool("quarantine", false, "list quarantined messages instead")
	c, err := openAgent(fs, args)
	if err != nil {
		return err
	}
	defer c.Close()

	owner := *agentID
	if owner == "" {
		owner = c.Identity().ID
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if *quarantine {
		recs, err := c.Inbox().ListQuarantined(owner)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "ID\tFROM\tTYPE\tQUARANTINED\tREASON")
		for _, q := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", q.Message.ID, q.Message.From, q.Message.Type,
				since(q.QuarantinedAt), color.RedString(q.Reason))
		}
		return w.Flush()
	}

	pending, err := c.Inbox().GetPendingMessages(ctx, owner)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "ID\tFROM\tTYPE\tQUEUED\tATTEMPTS\tCONTENT")
	for _, rec := range pending {
		m := rec.Message
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", m.ID, m.From, m.Type, since(rec.QueuedAt), rec.Attempts, preview(m.Content))
	}
	return w.Flush()
}

func runTasks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status")
	assignee := fs.String("assigned-to", "", "filter by assignee")
	limit := fs.Int("limit", 50, "maximum tasks to list")
	c, err := openAgent(fs, args)
	if err != nil {
		return err
	}
	defer c.Close()

	tasks, err := c.Store().ListTasks(ctx, store.TaskFilter{
		Status:     store.TaskStatus(*status),
		AssignedTo: *assignee,
		Limit:      *limit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tASSIGNED\tATTEMPTS\tUPDATED\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", t.ID, t.Status, t.AssignedTo, t.Attempts, since(t.UpdatedAt), preview(t.Title))
	}
	return w.Flush()
}

func runApprovals(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approvals", flag.ContinueOnError)
	agentID := fs.String("agent", "", "only decisions for this agent")
	limit := fs.Int("limit", 50, "maximum records to list")
	c, err := openAgent(fs, args)
	if err != nil {
		return err
	}
	defer c.Close()

	recs, err := c.Store().ListApprovals(ctx, *agentID, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DECIDED\tAGENT\tTOOL\tURGENCY\tRESULT\tBY\tCHANNEL\tREASON")
	for _, r := range recs {
		result := color.RedString("denied")
		if r.Approved {
			result = color.GreenString("approved")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", since(r.DecidedAt), r.AgentID, r.Tool, r.Urgency,
			result, r.DecidedBy, r.Channel, preview(r.Reason))
	}
	return w.Flush()
}

func runCompact(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("compact", flag.ContinueOnError)
	c, err := openAgent(fs, args)
	if err != nil {
		return err
	}
	defer c.Close()

	removed, err := c.Registry().Compact(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d superseded registry records.\n", removed)
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if cfg.Agent.HealthAddr == "" {
		return errors.New("agent.health_addr is not configured")
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Agent.HealthAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func preview(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
