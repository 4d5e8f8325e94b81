// Package slack provides the chat tool group.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	goslack "github.com/slack-go/slack"

	"github.com/kazz187/taskpilot/internal/integration"
	"github.com/kazz187/taskpilot/internal/taskevent"
	"github.com/kazz187/taskpilot/internal/tool"
)

const (
	SearchToolName = "search_slack_workspace"
	PostToolName   = "post_slack_message"
)

const searchDescription = `Search Slack messages based on a query.
Filters:
- in:channel (e.g. "in:#channel")
- from:user (e.g. "from:@username")
- during:day/month/year (e.g. "during:Yesterday", "during:Today", "during:June", "during:2021")
- before/after/on:date (e.g. "before:2021-06-01", "after:2021-06-01", "on:2021-06-01")
- has:reaction (e.g. "has::eyes:")

You can combine multiple filters, e.g. "in:#general in:#random from:@username during:Yesterday during:Today has::eyes:"`

type Config struct {
	BotToken  string
	UserToken string
	// APIURL overrides https://slack.com/api/.
	APIURL string
}

type searchInput struct {
	Query string `json:"query"`
}

type postInput struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

type tools struct {
	bot  *goslack.Client
	user *goslack.Client
	rec  taskevent.Recorder
}

// Tools returns the Slack group: search (user token) and post (bot token).
func Tools(cfg Config, rec taskevent.Recorder) []tool.Tool {
	var opts []goslack.Option
	if cfg.APIURL != "" {
		u := cfg.APIURL
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		opts = append(opts, goslack.OptionAPIURL(u))
	}
	t := &tools{
		bot:  goslack.New(cfg.BotToken, opts...),
		user: goslack.New(cfg.UserToken, opts...),
		rec:  rec,
	}
	return []tool.Tool{
		tool.New(SearchToolName, searchDescription,
			tool.Object(map[string]*jsonschema.Schema{
				"query": tool.String("Slack search query, optionally with filters"),
			}, "query"),
			t.search),
		tool.New(PostToolName, "Post a message to a Slack channel.",
			tool.Object(map[string]*jsonschema.Schema{
				"channel": tool.String("Slack channel to post the message to"),
				"message": tool.String("The message to post"),
			}, "channel", "message"),
			t.post),
	}
}

func (t *tools) search(ctx context.Context, taskID string, in searchInput) tool.Result {
	resp, err := t.user.SearchMessagesContext(ctx, in.Query, goslack.NewSearchParameters())
	if err != nil {
		slog.ErrorContext(ctx, "slack search failed", "error", err)
		return tool.Errorf("Error searching Slack messages: %v", err)
	}
	matches := resp.Matches
	integration.Record(ctx, t.rec, taskID, SearchToolName, in.Query,
		fmt.Sprintf("Searched for Slack messages and found %d matches for query '%s'", len(matches), in.Query), false)

	if len(matches) == 0 {
		return tool.Text(fmt.Sprintf("No messages found matching the query '%s'.", in.Query))
	}
	var b strings.Builder
	b.WriteString("---\n")
	for _, m := range matches {
		fmt.Fprintf(&b, "Link: %s\n", m.Permalink)
		fmt.Fprintf(&b, "%s @%s said:\n```\n%s\n```\n---\n", formatTS(m.Timestamp), m.Username, m.Text)
	}
	return tool.Text(fmt.Sprintf("Found %d messages matching the query '%s':\n\n%s", len(matches), in.Query, b.String()))
}

func (t *tools) post(ctx context.Context, taskID string, in postInput) tool.Result {
	url, err := t.postMessage(ctx, in.Channel, in.Message)
	if err != nil {
		slog.ErrorContext(ctx, "slack post failed", "channel", in.Channel, "error", err)
		integration.Record(ctx, t.rec, taskID, PostToolName, in.Channel,
			fmt.Sprintf("Failed to post message to channel #%s: %v", in.Channel, err), false)
		return tool.Errorf("Error posting message to channel #%s: %v", in.Channel, err)
	}
	integration.Record(ctx, t.rec, taskID, PostToolName, in.Channel,
		fmt.Sprintf("Posted [message](%s) to channel #%s", url, in.Channel), true)
	return tool.Text(fmt.Sprintf("Message posted to channel #%s successfully: %s", in.Channel, url))
}

func (t *tools) postMessage(ctx context.Context, channel, text string) (string, error) {
	channelID, ts, err := t.bot.PostMessageContext(ctx, channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return "", err
	}
	team, err := t.bot.GetTeamInfoContext(ctx)
	if err != nil {
		return "", err
	}
	return Permalink(team.Domain, channelID, ts), nil
}

// Permalink builds the archive URL of a message.
func Permalink(domain, channelID, ts string) string {
	return fmt.Sprintf("https://%s.slack.com/archives/%s/p%s", domain, channelID, strings.ReplaceAll(ts, ".", ""))
}

func formatTS(ts string) string {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return ts
	}
	return time.Unix(n, 0).UTC().Format("2006-01-02 15:04:05 UTC")
}
