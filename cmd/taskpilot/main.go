package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"connectrpc.com/connect"
	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/kazz187/taskpilot/internal/apiv1"
	"github.com/kazz187/taskpilot/pkg/vault"
)

var (
	app       = kingpin.New("taskpilot", "Submit and follow TaskPilot tasks")
	serverURL = app.Flag("server", "TaskPilot server URL").Envar("TASKPILOT_SERVER").Default("http://localhost:3200").String()
	apiKey    = app.Flag("api-key", "API key").Envar("TASKPILOT_API_KEY").String()
	username  = app.Flag("username", "Requesting identity").Envar("TASKPILOT_USERNAME").String()

	submitCmd    = app.Command("submit", "Submit a task")
	submitRepo   = submitCmd.Arg("repo", "Repository as owner/name").Required().String()
	submitText   = submitCmd.Arg("request", "What the agent should do").Required().String()
	submitTitle  = submitCmd.Flag("title", "Task title").String()
	submitIssue  = submitCmd.Flag("issue", "Issue number for context").Int()
	submitPR     = submitCmd.Flag("pr", "Pull request number to continue").Int()
	submitBranch = submitCmd.Flag("branch", "Existing branch to push to").String()
	submitModel  = submitCmd.Flag("model", "Agent model").String()
	submitImage  = submitCmd.Flag("image", "Image file to attach").ExistingFile()
	submitWatch  = submitCmd.Flag("watch", "Follow the task until it finishes").Bool()

	showCmd = app.Command("show", "Show a task")
	showID  = showCmd.Arg("id", "Task ID").Required().String()

	listCmd    = app.Command("list", "List tasks")
	listStatus = listCmd.Flag("status", "Filter by status").Enum("queued", "running", "completed", "failed")
	listAll    = listCmd.Flag("all", "List every identity's tasks").Bool()
	listLimit  = listCmd.Flag("limit", "Maximum tasks to show").Default("20").Int()

	eventsCmd = app.Command("events", "List a task's events")
	eventsID  = eventsCmd.Arg("id", "Task ID").Required().String()

	billCmd = app.Command("bill", "Show a task's bill")
	billID  = billCmd.Arg("id", "Task ID").Required().String()

	budgetCmd = app.Command("budget", "Show the remaining credits")

	watchCmd = app.Command("watch", "Follow a task until it finishes")
	watchID  = watchCmd.Arg("id", "Task ID").Required().String()

	reversedCmd     = app.Command("mark-reversed", "Record that an event was undone")
	reversedTaskID  = reversedCmd.Arg("task-id", "Task ID").Required().String()
	reversedEventID = reversedCmd.Arg("event-id", "Event ID").Required().String()

	encryptCmd    = app.Command("encrypt", "Encrypt a credential for the identity file")
	encryptSecret = encryptCmd.Flag("secret-key", "Server secret key").Envar("TASKPILOT_SECRET_KEY").Required().String()
	encryptValue  = encryptCmd.Arg("value", "Plain credential").Required().String()

	vapidCmd = app.Command("vapid-keys", "Generate a VAPID key pair for push notifications")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, command); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string) error {
	switch command {
	case encryptCmd.FullCommand():
		return encrypt()
	case vapidCmd.FullCommand():
		return vapidKeys()
	}

	c := newClient()
	switch command {
	case submitCmd.FullCommand():
		return submit(ctx, c)
	case showCmd.FullCommand():
		res, err := c.GetTask(ctx, connect.NewRequest(&apiv1.GetTaskRequest{ID: *showID}))
		if err != nil {
			return err
		}
		printTask(res.Msg.Task, true)
	case listCmd.FullCommand():
		return list(ctx, c)
	case eventsCmd.FullCommand():
		return events(ctx, c)
	case billCmd.FullCommand():
		return bill(ctx, c)
	case budgetCmd.FullCommand():
		res, err := c.GetBudget(ctx, connect.NewRequest(&apiv1.GetBudgetRequest{Username: *username}))
		if err != nil {
			return err
		}
		fmt.Printf("%s has %.2f credits left\n", res.Msg.Username, res.Msg.Credits)
	case watchCmd.FullCommand():
		return watch(ctx, c, *watchID)
	case reversedCmd.FullCommand():
		res, err := c.MarkEventReversed(ctx, connect.NewRequest(&apiv1.MarkEventReversedRequest{TaskID: *reversedTaskID, EventID: *reversedEventID}))
		if err != nil {
			return err
		}
		printEvent(res.Msg.Event)
	}
	return nil
}

// apiKeyTransport adds the API key to every request.
type apiKeyTransport struct {
	key  string
	next http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("X-API-Key", t.key)
	return t.next.RoundTrip(r)
}

func newClient() apiv1.TaskServiceClient {
	httpClient := &http.Client{Transport: &apiKeyTransport{key: *apiKey, next: http.DefaultTransport}}
	return apiv1.NewTaskServiceClient(httpClient, *serverURL)
}

func optionalInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func submit(ctx context.Context, c apiv1.TaskServiceClient) error {
	req := &apiv1.SubmitTaskRequest{
		Title:       *submitTitle,
		UserRequest: *submitText,
		Username:    *username,
		Repo:        *submitRepo,
		IssueNumber: optionalInt(*submitIssue),
		PRNumber:    optionalInt(*submitPR),
		Branch:      *submitBranch,
		Model:       *submitModel,
	}
	if *submitImage != "" {
		data, err := os.ReadFile(*submitImage)
		if err != nil {
			return err
		}
		req.Image = data
		req.ImageMediaType = mime.TypeByExtension(filepath.Ext(*submitImage))
	}
	res, err := c.SubmitTask(ctx, connect.NewRequest(req))
	if err != nil {
		return err
	}
	printTask(res.Msg.Task, false)
	if *submitWatch {
		return watch(ctx, c, res.Msg.Task.ID)
	}
	return nil
}

func list(ctx context.Context, c apiv1.TaskServiceClient) error {
	req := &apiv1.ListTasksRequest{Status: *listStatus, Limit: *listLimit}
	if !*listAll {
		req.Username = *username
	}
	res, err := c.ListTasks(ctx, connect.NewRequest(req))
	if err != nil {
		return err
	}
	for _, t := range res.Msg.Tasks {
		printTask(t, false)
	}
	if res.Msg.Total > len(res.Msg.Tasks) {
		fmt.Printf("(%d of %d)\n", len(res.Msg.Tasks), res.Msg.Total)
	}
	return nil
}

func events(ctx context.Context, c apiv1.TaskServiceClient) error {
	res, err := c.ListTaskEvents(ctx, connect.NewRequest(&apiv1.ListTaskEventsRequest{TaskID: *eventsID}))
	if err != nil {
		return err
	}
	for _, e := range res.Msg.Events {
		printEvent(e)
	}
	if res.Msg.CanUndo {
		fmt.Println(color.YellowString("Some actions can still be undone."))
	}
	return nil
}

func bill(ctx context.Context, c apiv1.TaskServiceClient) error {
	res, err := c.GetTaskBill(ctx, connect.NewRequest(&apiv1.GetTaskBillRequest{TaskID: *billID}))
	if err != nil {
		return err
	}
	for _, it := range res.Msg.CostItems {
		fmt.Printf("  %-50s %8.2f\n", it.Description, it.Credits)
	}
	b := res.Msg.Bill
	fmt.Printf("  %-50s %8.2f\n", "Gross", b.GrossCredits)
	if b.DiscountPercent > 0 {
		fmt.Printf("  %-50s %7d%%\n", "Discount", b.DiscountPercent)
	}
	fmt.Printf("  %-50s %8.2f\n", color.New(color.Bold).Sprint("Total"), b.TotalCredits)
	return nil
}

func watch(ctx context.Context, c apiv1.TaskServiceClient, id string) error {
	stream, err := c.WatchTask(ctx, connect.NewRequest(&apiv1.WatchTaskRequest{TaskID: id}))
	if err != nil {
		return err
	}
	defer stream.Close()
	for stream.Receive() {
		msg := stream.Msg()
		switch {
		case msg.Event != nil:
			printEvent(msg.Event)
		case msg.Task != nil:
			printTask(msg.Task, msg.Task.Status == "completed" || msg.Task.Status == "failed")
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return stream.Err()
}

func statusColor(status string) func(format string, a ...any) string {
	switch status {
	case "completed":
		return color.GreenString
	case "failed":
		return color.RedString
	case "running":
		return color.CyanString
	default:
		return color.YellowString
	}
}

func printTask(t *apiv1.Task, detail bool) {
	fmt.Printf("%s  %s  %s  %s\n", t.ID, statusColor(t.Status)("%-9s", t.Status), t.Repo, t.Title)
	if !detail {
		return
	}
	if t.Branch != "" {
		fmt.Printf("  branch: %s\n", t.Branch)
	}
	if t.PRURL != "" {
		fmt.Printf("  pull request: %s\n", t.PRURL)
	}
	if t.Result != "" {
		fmt.Printf("\n%s\n", t.Result)
	}
}

func printEvent(e *apiv1.TaskEvent) {
	marker := " "
	switch {
	case e.Reversed:
		marker = color.HiBlackString("↺")
	case e.Reversible:
		marker = color.YellowString("*")
	}
	fmt.Printf("%s %s %-9s %-24s %s\n", marker, e.CreatedAt.Local().Format("15:04:05"), e.Actor, e.Action, e.Message)
}

func encrypt() error {
	v, err := vault.New(*encryptSecret)
	if err != nil {
		return err
	}
	token, err := v.Encrypt(*encryptValue)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func vapidKeys() error {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]string{
		"TASKPILOT_VAPID_PUBLIC_KEY":  pub,
		"TASKPILOT_VAPID_PRIVATE_KEY": priv,
	})
}
