// Package channel defines the Channel interface for efimeral chat front ends
// and the command handling they share.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jxucoder/efimeral/pkg/eventbus"
	"github.com/jxucoder/efimeral/pkg/model"
)

// Channel represents an input/output transport (Slack, Telegram, etc.).
type Channel interface {
	Name() string
	Run(ctx context.Context) error
}

// Leases is the controller surface chat commands drive.
type Leases interface {
	Launch(ctx context.Context, imageTag string) (*model.Lease, error)
	Stop(ctx context.Context, id string) (model.ReclaimResult, error)
	Status(id string) (model.LeaseSummary, error)
	List() []model.LeaseSummary
}

// Command verbs.
const (
	VerbLaunch = "launch"
	VerbStop   = "stop"
	VerbStatus = "status"
	VerbList   = "boxes"
	VerbHelp   = "help"
)

// Command is a parsed chat command.
type Command struct {
	Verb string
	Arg  string
}

// ParseCommand parses "launch [tag]", "stop <id>", "status <id>", "boxes" and
// "help". A leading slash and a Telegram "@botname" suffix are ignored.
// Unknown verbs are returned as-is.
func ParseCommand(text string) Command {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{Verb: VerbHelp}
	}
	verb := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.Index(verb, "@"); at >= 0 {
		verb = verb[:at]
	}
	switch verb {
	case "start":
		verb = VerbHelp
	case "list", "ls":
		verb = VerbList
	case "new", "run":
		verb = VerbLaunch
	}
	cmd := Command{Verb: verb}
	if len(fields) > 1 {
		cmd.Arg = fields[1]
	}
	return cmd
}

// Reply is the outcome of a dispatched command.
type Reply struct {
	Text string
	// LeaseID is set when the command launched a box.
	LeaseID string
	Failed  bool
}

// Dispatch runs cmd against leases and renders a plain-text reply.
func Dispatch(ctx context.Context, leases Leases, cmd Command, now time.Time) Reply {
	switch cmd.Verb {
	case VerbLaunch:
		lease, err := leases.Launch(ctx, cmd.Arg)
		if err != nil {
			return failure("launch failed", err)
		}
		return Reply{
			LeaseID: lease.ID,
			Text: fmt.Sprintf("Box %s is up at %s (%s). It will be reclaimed at %s.",
				lease.ID, lease.Route.URL, lease.Image, lease.Deadline.UTC().Format(time.RFC3339)),
		}

	case VerbStop:
		if cmd.Arg == "" {
			return Reply{Text: "Usage: stop <lease-id>", Failed: true}
		}
		res, err := leases.Stop(ctx, cmd.Arg)
		if err != nil {
			return failure("stop failed", err)
		}
		if res == model.AlreadyReclaimed {
			return Reply{Text: fmt.Sprintf("Box %s was already reclaimed.", cmd.Arg)}
		}
		return Reply{Text: fmt.Sprintf("Box %s stopped.", cmd.Arg)}

	case VerbStatus:
		if cmd.Arg == "" {
			return Reply{Text: "Usage: status <lease-id>", Failed: true}
		}
		s, err := leases.Status(cmd.Arg)
		if err != nil {
			return failure("status failed", err)
		}
		return Reply{Text: FormatSummary(s, now)}

	case VerbList:
		var live []string
		for _, s := range leases.List() {
			if s.State.Terminal() {
				continue
			}
			live = append(live, FormatSummary(s, now))
		}
		if len(live) == 0 {
			return Reply{Text: "No boxes running."}
		}
		return Reply{Text: strings.Join(live, "\n")}

	case VerbHelp:
		return Reply{Text: HelpText}

	default:
		return Reply{Text: fmt.Sprintf("Unknown command %q. Try help.", cmd.Verb), Failed: true}
	}
}

// HelpText lists the supported commands.
const HelpText = "Commands:\n" +
	"launch [image-tag] - start a box\n" +
	"stop <lease-id> - stop a box\n" +
	"status <lease-id> - show a box\n" +
	"boxes - list running boxes\n" +
	"help - show this message"

// FormatSummary renders one lease on a single line.
func FormatSummary(s model.LeaseSummary, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s]", s.LeaseID, s.State)
	if s.URL != "" && !s.State.Terminal() {
		fmt.Fprintf(&sb, " %s", s.URL)
	}
	if s.State.Terminal() {
		if s.Reason != "" {
			fmt.Fprintf(&sb, " reason=%s", s.Reason)
		}
	} else {
		fmt.Fprintf(&sb, " remaining=%s", s.Remaining(now).Truncate(time.Second))
	}
	return sb.String()
}

func failure(prefix string, err error) Reply {
	msg := fmt.Sprintf("%s: %v", prefix, err)
	if model.Retryable(err) {
		msg += " (try again shortly)"
	}
	if errors.Is(err, model.ErrLeaseNotFound) {
		msg = prefix + ": no such box"
	}
	return Reply{Text: msg, Failed: true}
}

// Tracker remembers where each launched lease was requested so reclamation
// notices can be sent back to the same conversation.
type Tracker[D any] struct {
	mu   sync.Mutex
	dest map[string]D
}

// NewTracker creates an empty Tracker.
func NewTracker[D any]() *Tracker[D] {
	return &Tracker[D]{dest: make(map[string]D)}
}

// Track records dest for leaseID.
func (t *Tracker[D]) Track(leaseID string, dest D) {
	t.mu.Lock()
	t.dest[leaseID] = dest
	t.mu.Unlock()
}

// Take returns and forgets the destination for leaseID.
func (t *Tracker[D]) Take(leaseID string) (D, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.dest[leaseID]
	delete(t.dest, leaseID)
	return d, ok
}

// Len returns the number of tracked leases.
func (t *Tracker[D]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dest)
}

// WatchReclaims calls fn for every reclamation published on bus until ctx
// is canceled.
func WatchReclaims(ctx context.Context, bus eventbus.Bus, fn func(*model.Event)) {
	ch := bus.Subscribe(eventbus.AllLeases)
	defer bus.Unsubscribe(eventbus.AllLeases, ch)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Type == model.EventReclaimed {
				fn(event)
			}
		}
	}
}

// ReclaimNotice renders a reclamation event for chat.
func ReclaimNotice(event *model.Event) string {
	reason := event.Data
	if reason == "" {
		reason = "stopped"
	}
	return fmt.Sprintf("Box %s was reclaimed (%s).", event.LeaseID, reason)
}
