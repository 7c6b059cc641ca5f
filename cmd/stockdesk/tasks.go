package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/stockdesk/internal/gateway"
)

// paramFlags are the analysis parameters accepted by submit and batch.
type paramFlags struct {
	depth    string
	date     string
	analysts []string
	extra    []string
}

func (p *paramFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&p.depth, "depth", "", "research depth: shallow, standard or deep")
	f.StringVar(&p.date, "date", "", "analysis date (YYYY-MM-DD)")
	f.StringSliceVar(&p.analysts, "analysts", nil, "analysts to run (market, sentiment, news, fundamentals)")
	f.StringArrayVar(&p.extra, "param", nil, "extra parameter key=value; JSON values are decoded")
}

func (p *paramFlags) build() (map[string]any, error) {
	params := map[string]any{}
	for _, kv := range p.extra {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[strings.TrimSpace(key)] = v
	}
	if p.depth != "" {
		params["research_depth"] = p.depth
	}
	if p.date != "" {
		params["analysis_date"] = p.date
	}
	if len(p.analysts) > 0 {
		list := make([]any, len(p.analysts))
		for i, a := range p.analysts {
			list[i] = a
		}
		params["analysts"] = list
	}
	return params, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// signalContext cancels on Ctrl-C so --wait can be interrupted cleanly.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		params  paramFlags
		wait    bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "submit <symbol>",
		Short: "Queue an analysis task for one symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := params.build()
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			var resp map[string]any
			err = client.do(ctx, http.MethodPost, "/api/tasks", map[string]any{"symbol": args[0], "parameters": p}, &resp)
			if err != nil {
				if isStatus(err, http.StatusTooManyRequests) && str(resp, "task_id") != "" {
					return fmt.Errorf("task %s rejected: queue full", str(resp, "task_id"))
				}
				return fmt.Errorf("submit: %w", err)
			}
			taskID := str(resp, "task_id")
			if !wait {
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintln(cmd.OutOrStdout(), taskID)
				return nil
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "task %s queued\n", taskID)
			if err := client.follow(ctx, taskID, func(ev gateway.StreamEvent) {
				renderEvent(cmd.ErrOrStderr(), ev)
			}); err != nil {
				return fmt.Errorf("follow %s: %w", taskID, err)
			}
			return showTask(ctx, cmd.OutOrStdout(), client, taskID, jsonOut)
		},
	}
	params.register(cmd)
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "stream progress until the task finishes")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

// renderEvent prints one stream event as a progress line.
func renderEvent(w io.Writer, ev gateway.StreamEvent) {
	data, _ := ev.Data.(map[string]any)
	switch ev.Type {
	case gateway.EventProgress:
		line := fmt.Sprintf("[%3s%%] %s", str(data, "percentage"), str(data, "message"))
		if step := str(data, "current_step"); step != "" {
			line += " (" + step + ")"
		}
		fmt.Fprintln(w, line)
	case gateway.EventDebate:
		suffix := ""
		if data["degraded"] == true {
			suffix = " [degraded]"
		}
		fmt.Fprintf(w, "       %s: %s turn %s%s\n", str(data, "phase"), str(data, "speaker"), str(data, "count"), suffix)
	case gateway.EventTask:
		fmt.Fprintf(w, "       status %s -> %s\n", str(data, "old_status"), str(data, "new_status"))
	}
}

func showTask(ctx context.Context, w io.Writer, client *apiClient, taskID string, jsonOut bool) error {
	var task map[string]any
	if err := client.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if jsonOut {
		return printJSON(w, task)
	}
	paint := newPainter(w)
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "Task:\t%s\n", str(task, "task_id"))
	fmt.Fprintf(tw, "Symbol:\t%s\n", str(task, "symbol"))
	fmt.Fprintf(tw, "Status:\t%s\n", paint.status(str(task, "status")))
	fmt.Fprintf(tw, "Progress:\t%s%%\n", str(task, "progress"))
	if msg := str(task, "message"); msg != "" {
		fmt.Fprintf(tw, "Message:\t%s\n", msg)
	}
	if batch := str(task, "batch_id"); batch != "" {
		fmt.Fprintf(tw, "Batch:\t%s\n", batch)
	}
	if e := str(task, "error_message"); e != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", e)
	}
	if res, ok := task["result"].(map[string]any); ok {
		if d, ok := res["decision"].(map[string]any); ok {
			fmt.Fprintf(tw, "Decision:\t%s (confidence %s)\n", paint.status(str(d, "action")), str(d, "confidence"))
		}
		if u, ok := res["usage"].(map[string]any); ok {
			cost, _ := u["estimated_cost_usd"].(float64)
			fmt.Fprintf(tw, "LLM usage:\t%s calls, %s prompt + %s completion tokens, ~$%.4f\n",
				str(u, "calls"), str(u, "prompt_tokens"), str(u, "completion_tokens"), cost)
		}
	}
	return tw.Flush()
}

func newBatchCmd(opts *rootOptions) *cobra.Command {
	var (
		params  paramFlags
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "batch <symbol> [symbol...]",
		Short: "Queue one analysis task per symbol as a batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := params.build()
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			var resp map[string]any
			if err := client.do(cmd.Context(), http.MethodPost, "/api/batches", map[string]any{"symbols": args, "parameters": p}, &resp); err != nil {
				return fmt.Errorf("batch: %w", err)
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "batch %s\n", str(resp, "batch_id"))
			if ids, ok := resp["task_ids"].([]any); ok {
				for i, id := range ids {
					sym := ""
					if i < len(args) {
						sym = strings.ToUpper(args[i])
					}
					fmt.Fprintf(out, "  %s\t%v\n", sym, id)
				}
			}
			if rejected, ok := resp["rejected"].([]any); ok {
				for _, r := range rejected {
					fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", r)
				}
			}
			return nil
		},
	}
	params.register(cmd)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show server health, or one task's status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return showTask(cmd.Context(), cmd.OutOrStdout(), client, args[0], jsonOut)
			}

			var health map[string]any
			err = client.do(cmd.Context(), http.MethodGet, "/healthz", nil, &health)
			if err != nil && !isStatus(err, http.StatusServiceUnavailable) {
				return fmt.Errorf("status: %w", err)
			}
			if jsonOut {
				if perr := printJSON(cmd.OutOrStdout(), health); perr != nil {
					return perr
				}
			} else {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
				fmt.Fprintf(tw, "Healthy:\t%v\n", health["healthy"])
				fmt.Fprintf(tw, "Draining:\t%v\n", health["draining"])
				fmt.Fprintf(tw, "Worker:\t%s\n", str(health, "worker_id"))
				fmt.Fprintf(tw, "Queue depth:\t%s\n", str(health, "queue_depth"))
				fmt.Fprintf(tw, "Config:\t%s\n", str(health, "config_fingerprint"))
				_ = tw.Flush()
			}
			if err != nil {
				return &exitError{code: 2, err: fmt.Errorf("server unhealthy")}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		status  string
		batchID string
		limit   int
		offset  int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if batchID != "" {
				q.Set("batch_id", batchID)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			path := "/api/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var resp struct {
				Tasks []map[string]any `json:"tasks"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return fmt.Errorf("list: %w", err)
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), resp.Tasks)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tSYMBOL\tSTATUS\tPROGRESS\tCREATED")
			for _, t := range resp.Tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s%%\t%s\n",
					str(t, "task_id"), str(t, "symbol"), str(t, "status"), str(t, "progress"), str(t, "created_at"))
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "filter by status")
	f.StringVar(&batchID, "batch", "", "filter by batch id")
	f.IntVar(&limit, "limit", 0, "maximum tasks to return (server default 20)")
	f.IntVar(&offset, "offset", 0, "tasks to skip")
	f.BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id> [task-id...]",
		Short: "Cancel pending or running tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			for _, id := range args {
				var resp map[string]any
				err := client.do(cmd.Context(), http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/cancel", nil, &resp)
				switch {
				case isStatus(err, http.StatusConflict):
					fmt.Fprintf(cmd.OutOrStdout(), "%s already %s\n", id, str(resp, "status"))
				case err != nil:
					return fmt.Errorf("cancel %s: %w", id, err)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s cancelled\n", id)
				}
			}
			return nil
		},
	}
}

func newResultCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result <task-id>",
		Short: "Print a completed task's analysis document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var res map[string]any
			if err := client.do(cmd.Context(), http.MethodGet, "/api/tasks/"+url.PathEscape(args[0])+"/result", nil, &res); err != nil {
				return fmt.Errorf("result: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
