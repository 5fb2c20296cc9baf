package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prsweep/prsweep/internal/model"
	"github.com/prsweep/prsweep/internal/store"
)

// Item is one attention-needing pull request headed for a summary or
// digest, with enough context to render a line about it.
type Item struct {
	Key    store.RecordKey
	Reason model.AttentionReason
	Status model.PullRequestStatus
}

// reasonOrder fixes the section order of summaries and digests.
var reasonOrder = []model.AttentionReason{
	model.ReasonChangesRequested,
	model.ReasonChecksFailing,
	model.ReasonConflict,
	model.ReasonStaleDraft,
}

var reasonLabels = map[model.AttentionReason]string{
	model.ReasonChangesRequested: "Changes requested",
	model.ReasonChecksFailing:    "Checks failing",
	model.ReasonConflict:         "Merge conflict",
	model.ReasonStaleDraft:       "Stale draft",
}

// composeChannelSummary renders the summary message posted into one
// channel, grouped by reason.
func (d *Dispatcher) composeChannelSummary(items []Item) string {
	var b strings.Builder
	noun := "pull requests need"
	if len(items) == 1 {
		noun = "pull request needs"
	}
	fmt.Fprintf(&b, ":clipboard: *%d %s attention*\n", len(items), noun)

	for _, reason := range reasonOrder {
		group := filterByReason(items, reason)
		if len(group) == 0 {
			continue
		}
		b.WriteString("\n")
		if emoji := d.emojiFor(reason); emoji != "" {
			fmt.Fprintf(&b, ":%s: ", emoji)
		}
		fmt.Fprintf(&b, "*%s*\n", reasonLabels[reason])
		for _, item := range group {
			b.WriteString(d.composeItemLine(item))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// composeDMDigest renders one user's cross-channel digest, grouped by
// channel and then by reason.
func (d *Dispatcher) composeDMDigest(items []Item, channelNames map[string]string) string {
	channels := groupByChannel(items)

	var b strings.Builder
	noun := "items"
	if len(items) == 1 {
		noun = "item"
	}
	fmt.Fprintf(&b, ":wave: Your pull request digest: %d %s across %d %s.\n",
		len(items), noun, len(channels), pluralize("channel", len(channels)))

	for _, ch := range channels {
		name := channelNames[ch.channelID]
		if name == "" {
			name = ch.channelID
		}
		fmt.Fprintf(&b, "\n*#%s*\n", name)
		for _, reason := range reasonOrder {
			for _, item := range filterByReason(ch.items, reason) {
				b.WriteString(d.composeItemLine(item))
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// composeItemLine renders a single PR bullet in Slack mrkdwn.
func (d *Dispatcher) composeItemLine(item Item) string {
	ref := item.Key.Ref
	var b strings.Builder
	b.WriteString("• ")
	if emoji := d.emojiFor(item.Reason); emoji != "" {
		fmt.Fprintf(&b, ":%s: ", emoji)
	}
	fmt.Fprintf(&b, "<%s|%s/%s#%d>", ref.URL(), ref.Owner, ref.Repo, ref.Number)
	if item.Status.Title != "" {
		fmt.Fprintf(&b, " %s", item.Status.Title)
	}
	if !item.Status.CreatedAt.IsZero() {
		fmt.Fprintf(&b, " _(opened %s)_", relativeAge(item.Status.CreatedAt, d.now()))
	}
	if link := d.sink.MessageLink(item.Key.ChannelID, item.Key.MessageID); link != "" {
		fmt.Fprintf(&b, " <%s|→ message>", link)
	}
	b.WriteString("\n")
	return b.String()
}

// composeDigestMarkdown renders the run's digest in plain Markdown for
// the stored run report and the dashboard.
func (d *Dispatcher) composeDigestMarkdown(items []Item, channelNames map[string]string) string {
	if len(items) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %d pull %s needing attention\n", len(items), pluralize("request", len(items)))

	for _, ch := range groupByChannel(items) {
		name := channelNames[ch.channelID]
		if name == "" {
			name = ch.channelID
		}
		fmt.Fprintf(&b, "\n### #%s\n\n", name)
		for _, reason := range reasonOrder {
			for _, item := range filterByReason(ch.items, reason) {
				ref := item.Key.Ref
				fmt.Fprintf(&b, "- **%s** [%s/%s#%d](%s)", reasonLabels[item.Reason],
					ref.Owner, ref.Repo, ref.Number, ref.URL())
				if item.Status.Title != "" {
					fmt.Fprintf(&b, " %s", item.Status.Title)
				}
				if !item.Status.CreatedAt.IsZero() {
					fmt.Fprintf(&b, " (opened %s)", relativeAge(item.Status.CreatedAt, d.now()))
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func filterByReason(items []Item, reason model.AttentionReason) []Item {
	var out []Item
	for _, item := range items {
		if item.Reason == reason {
			out = append(out, item)
		}
	}
	return out
}

type channelGroup struct {
	channelID string
	items     []Item
}

func groupByChannel(items []Item) []channelGroup {
	byChannel := make(map[string][]Item)
	for _, item := range items {
		byChannel[item.Key.ChannelID] = append(byChannel[item.Key.ChannelID], item)
	}
	ids := make([]string, 0, len(byChannel))
	for id := range byChannel {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	groups := make([]channelGroup, 0, len(ids))
	for _, id := range ids {
		groups = append(groups, channelGroup{channelID: id, items: byChannel[id]})
	}
	return groups
}

// relativeAge renders a coarse human-readable age like "3 days ago".
func relativeAge(t, now time.Time) string {
	age := now.Sub(t)
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		n := int(age.Minutes())
		return fmt.Sprintf("%d %s ago", n, pluralize("minute", n))
	case age < 24*time.Hour:
		n := int(age.Hours())
		return fmt.Sprintf("%d %s ago", n, pluralize("hour", n))
	case age < 48*time.Hour:
		return "yesterday"
	case age < 14*24*time.Hour:
		n := int(age.Hours() / 24)
		return fmt.Sprintf("%d days ago", n)
	case age < 60*24*time.Hour:
		n := int(age.Hours() / 24 / 7)
		return fmt.Sprintf("%d %s ago", n, pluralize("week", n))
	default:
		n := int(age.Hours() / 24 / 30)
		return fmt.Sprintf("%d %s ago", n, pluralize("month", n))
	}
}

func pluralize(word string, n int) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
