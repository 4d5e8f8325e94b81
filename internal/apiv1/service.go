package apiv1

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

const TaskServiceName = "taskpilot.v1.TaskService"

const (
	TaskServiceSubmitTaskProcedure        = "/" + TaskServiceName + "/SubmitTask"
	TaskServiceGetTaskProcedure           = "/" + TaskServiceName + "/GetTask"
	TaskServiceListTasksProcedure         = "/" + TaskServiceName + "/ListTasks"
	TaskServiceListTaskEventsProcedure    = "/" + TaskServiceName + "/ListTaskEvents"
	TaskServiceGetTaskBillProcedure       = "/" + TaskServiceName + "/GetTaskBill"
	TaskServiceMarkEventReversedProcedure = "/" + TaskServiceName + "/MarkEventReversed"
	TaskServiceGetBudgetProcedure         = "/" + TaskServiceName + "/GetBudget"
	TaskServiceWatchTaskProcedure         = "/" + TaskServiceName + "/WatchTask"
)

type TaskServiceHandler interface {
	SubmitTask(context.Context, *connect.Request[SubmitTaskRequest]) (*connect.Response[SubmitTaskResponse], error)
	GetTask(context.Context, *connect.Request[GetTaskRequest]) (*connect.Response[GetTaskResponse], error)
	ListTasks(context.Context, *connect.Request[ListTasksRequest]) (*connect.Response[ListTasksResponse], error)
	ListTaskEvents(context.Context, *connect.Request[ListTaskEventsRequest]) (*connect.Response[ListTaskEventsResponse], error)
	GetTaskBill(context.Context, *connect.Request[GetTaskBillRequest]) (*connect.Response[GetTaskBillResponse], error)
	MarkEventReversed(context.Context, *connect.Request[MarkEventReversedRequest]) (*connect.Response[MarkEventReversedResponse], error)
	GetBudget(context.Context, *connect.Request[GetBudgetRequest]) (*connect.Response[GetBudgetResponse], error)
	WatchTask(context.Context, *connect.Request[WatchTaskRequest], *connect.ServerStream[WatchTaskResponse]) error
}

// NewTaskServiceHandler returns the mount path and handler of the service.
func NewTaskServiceHandler(svc TaskServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)
	handlers := map[string]http.Handler{
		TaskServiceSubmitTaskProcedure:        connect.NewUnaryHandler(TaskServiceSubmitTaskProcedure, svc.SubmitTask, opts...),
		TaskServiceGetTaskProcedure:           connect.NewUnaryHandler(TaskServiceGetTaskProcedure, svc.GetTask, opts...),
		TaskServiceListTasksProcedure:         connect.NewUnaryHandler(TaskServiceListTasksProcedure, svc.ListTasks, opts...),
		TaskServiceListTaskEventsProcedure:    connect.NewUnaryHandler(TaskServiceListTaskEventsProcedure, svc.ListTaskEvents, opts...),
		TaskServiceGetTaskBillProcedure:       connect.NewUnaryHandler(TaskServiceGetTaskBillProcedure, svc.GetTaskBill, opts...),
		TaskServiceMarkEventReversedProcedure: connect.NewUnaryHandler(TaskServiceMarkEventReversedProcedure, svc.MarkEventReversed, opts...),
		TaskServiceGetBudgetProcedure:         connect.NewUnaryHandler(TaskServiceGetBudgetProcedure, svc.GetBudget, opts...),
		TaskServiceWatchTaskProcedure:         connect.NewServerStreamHandler(TaskServiceWatchTaskProcedure, svc.WatchTask, opts...),
	}
	prefix := "/" + TaskServiceName + "/"
	return prefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.URL.Path]
		if !ok || !strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

type TaskServiceClient interface {
	SubmitTask(context.Context, *connect.Request[SubmitTaskRequest]) (*connect.Response[SubmitTaskResponse], error)
	GetTask(context.Context, *connect.Request[GetTaskRequest]) (*connect.Response[GetTaskResponse], error)
	ListTasks(context.Context, *connect.Request[ListTasksRequest]) (*connect.Response[ListTasksResponse], error)
	ListTaskEvents(context.Context, *connect.Request[ListTaskEventsRequest]) (*connect.Response[ListTaskEventsResponse], error)
	GetTaskBill(context.Context, *connect.Request[GetTaskBillRequest]) (*connect.Response[GetTaskBillResponse], error)
	MarkEventReversed(context.Context, *connect.Request[MarkEventReversedRequest]) (*connect.Response[MarkEventReversedResponse], error)
	GetBudget(context.Context, *connect.Request[GetBudgetRequest]) (*connect.Response[GetBudgetResponse], error)
	WatchTask(context.Context, *connect.Request[WatchTaskRequest]) (*connect.ServerStreamForClient[WatchTaskResponse], error)
}

type taskServiceClient struct {
	submitTask        *connect.Client[SubmitTaskRequest, SubmitTaskResponse]
	getTask           *connect.Client[GetTaskRequest, GetTaskResponse]
	listTasks         *connect.Client[ListTasksRequest, ListTasksResponse]
	listTaskEvents    *connect.Client[ListTaskEventsRequest, ListTaskEventsResponse]
	getTaskBill       *connect.Client[GetTaskBillRequest, GetTaskBillResponse]
	markEventReversed *connect.Client[MarkEventReversedRequest, MarkEventReversedResponse]
	getBudget         *connect.Client[GetBudgetRequest, GetBudgetResponse]
	watchTask         *connect.Client[WatchTaskRequest, WatchTaskResponse]
}

func NewTaskServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) TaskServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(JSONCodec{})}, opts...)
	return &taskServiceClient{
		submitTask:        connect.NewClient[SubmitTaskRequest, SubmitTaskResponse](httpClient, baseURL+TaskServiceSubmitTaskProcedure, opts...),
		getTask:           connect.NewClient[GetTaskRequest, GetTaskResponse](httpClient, baseURL+TaskServiceGetTaskProcedure, opts...),
		listTasks:         connect.NewClient[ListTasksRequest, ListTasksResponse](httpClient, baseURL+TaskServiceListTasksProcedure, opts...),
		listTaskEvents:    connect.NewClient[ListTaskEventsRequest, ListTaskEventsResponse](httpClient, baseURL+TaskServiceListTaskEventsProcedure, opts...),
		getTaskBill:       connect.NewClient[GetTaskBillRequest, GetTaskBillResponse](httpClient, baseURL+TaskServiceGetTaskBillProcedure, opts...),
		markEventReversed: connect.NewClient[MarkEventReversedRequest, MarkEventReversedResponse](httpClient, baseURL+TaskServiceMarkEventReversedProcedure, opts...),
		getBudget:         connect.NewClient[GetBudgetRequest, GetBudgetResponse](httpClient, baseURL+TaskServiceGetBudgetProcedure, opts...),
		watchTask:         connect.NewClient[WatchTaskRequest, WatchTaskResponse](httpClient, baseURL+TaskServiceWatchTaskProcedure, opts...),
	}
}

func (c *taskServiceClient) SubmitTask(ctx context.Context, req *connect.Request[SubmitTaskRequest]) (*connect.Response[SubmitTaskResponse], error) {
	return c.submitTask.CallUnary(ctx, req)
}

func (c *taskServiceClient) GetTask(ctx context.Context, req *connect.Request[GetTaskRequest]) (*connect.Response[GetTaskResponse], error) {
	return c.getTask.CallUnary(ctx, req)
}

func (c *taskServiceClient) ListTasks(ctx context.Context, req *connect.Request[ListTasksRequest]) (*connect.Response[ListTasksResponse], error) {
	return c.listTasks.CallUnary(ctx, req)
}

func (c *taskServiceClient) ListTaskEvents(ctx context.Context, req *connect.Request[ListTaskEventsRequest]) (*connect.Response[ListTaskEventsResponse], error) {
	return c.listTaskEvents.CallUnary(ctx, req)
}

func (c *taskServiceClient) GetTaskBill(ctx context.Context, req *connect.Request[GetTaskBillRequest]) (*connect.Response[GetTaskBillResponse], error) {
	return c.getTaskBill.CallUnary(ctx, req)
}

func (c *taskServiceClient) MarkEventReversed(ctx context.Context, req *connect.Request[MarkEventReversedRequest]) (*connect.Response[MarkEventReversedResponse], error) {
	return c.markEventReversed.CallUnary(ctx, req)
}

func (c *taskServiceClient) GetBudget(ctx context.Context, req *connect.Request[GetBudgetRequest]) (*connect.Response[GetBudgetResponse], error) {
	return c.getBudget.CallUnary(ctx, req)
}

func (c *taskServiceClient) WatchTask(ctx context.Context, req *connect.Request[WatchTaskRequest]) (*connect.ServerStreamForClient[WatchTaskResponse], error) {
	return c.watchTask.CallServerStream(ctx, req)
}
