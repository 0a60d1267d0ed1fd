package main

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/nidhogg/deep-research/internal/orchestrator"
	"github.com/nidhogg/deep-research/internal/store"
	"github.com/nidhogg/deep-research/internal/workspace"
)

var (
	waitForResult bool
	pollInterval  time.Duration
	rawOutput     bool
	searchSubdir  string
)

var submitCmd = &cobra.Command{
	Use:     "submit <query>",
	Aliases: []string{"run"},
	Short:   "Submit a research query",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job orchestrator.Job
		req := orchestrator.JobRequest{Query: strings.Join(args, " ")}
		if err := post("/api/research", req, &job); err != nil {
			return err
		}
		okColor.Printf("Submitted task %s\n", job.ID)
		if !waitForResult {
			return nil
		}
		return follow(job.ID)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's status and report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job orchestrator.Job
		if err := get("/api/research/"+url.PathEscape(args[0]), &job); err != nil {
			return err
		}
		printJob(&job)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List live jobs and stored results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Jobs    []orchestrator.Job `json:"jobs"`
			History []store.Summary    `json:"history"`
		}
		if err := get("/api/research", &body); err != nil {
			return err
		}
		if len(body.Jobs) == 0 && len(body.History) == 0 {
			fmt.Println("No research tasks yet.")
			return nil
		}
		for _, j := range body.Jobs {
			fmt.Printf("%-36s  %-9s  %-12s  %s\n", j.ID, statusText(string(j.Status)), j.Stage, j.Query)
		}
		if len(body.History) > 0 {
			dimColor.Println("--- history ---")
		}
		for _, s := range body.History {
			fmt.Printf("%-36s  %-9s  %8s  %s\n", s.TaskID, statusText(s.Status), s.Duration.Round(time.Second), s.Query)
		}
		return nil
	},
}

var filesCmd = &cobra.Command{
	Use:   "files <task-id>",
	Short: "List the artifacts in a task workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var files []workspace.FileInfo
		if err := get("/api/research/"+url.PathEscape(args[0])+"/files", &files); err != nil {
			return err
		}
		for _, f := range files {
			source := ""
			if f.Meta != nil {
				source = f.Meta.Source
			}
			fmt.Printf("%-32s  %8d  %s  ", f.Path, f.Size, f.ModTime.Local().Format(time.DateTime))
			dimColor.Println(source)
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <task-id> <subdir/name>",
	Short: "Print an artifact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, name, ok := strings.Cut(args[1], "/")
		if !ok {
			return fmt.Errorf("artifact must be <subdir>/<name>, got %q", args[1])
		}
		var content string
		path := fmt.Sprintf("/api/research/%s/files/%s/%s", url.PathEscape(args[0]), url.PathEscape(sub), url.PathEscape(name))
		if err := get(path, &content); err != nil {
			return err
		}
		printMarkdown(content)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <task-id> <keyword>",
	Short: "Search a task's artifacts for a keyword",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{"q": {strings.Join(args[1:], " ")}}
		if searchSubdir != "" {
			q.Set("sub", searchSubdir)
		}
		var matches []workspace.Match
		if err := get("/api/research/"+url.PathEscape(args[0])+"/search?"+q.Encode(), &matches); err != nil {
			return err
		}
		if len(matches) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, m := range matches {
			stageColor.Println(m.Path)
			for _, l := range m.Lines {
				fmt.Printf("  %4d: %s\n", l.Number, l.Text)
			}
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().BoolVarP(&waitForResult, "wait", "w", false, "wait for the report and print it")
	submitCmd.Flags().DurationVar(&pollInterval, "poll", 2*time.Second, "status poll interval while waiting")
	for _, c := range []*cobra.Command{submitCmd, statusCmd, catCmd} {
		c.Flags().BoolVar(&rawOutput, "raw", false, "print markdown without rendering")
	}
	searchCmd.Flags().StringVar(&searchSubdir, "sub", "", "limit the search to one subdirectory (plans, notes, reports)")
}

// follow polls a job, printing each stage change, until it finishes.
func follow(id string) error {
	var last string
	for {
		var job orchestrator.Job
		if err := get("/api/research/"+url.PathEscape(id), &job); err != nil {
			return err
		}
		if stage := string(job.Stage); stage != "" && stage != last {
			stageColor.Printf("→ %s\n", stage)
			last = stage
		}
		if job.Done() {
			printJob(&job)
			return nil
		}
		time.Sleep(pollInterval)
	}
}

func printJob(job *orchestrator.Job) {
	fmt.Printf("Task:   %s\nQuery:  %s\nStatus: %s\n", job.ID, job.Query, statusText(string(job.Status)))
	if job.Stage != "" {
		fmt.Printf("Stage:  %s\n", job.Stage)
	}
	if job.Error != "" {
		errColor.Printf("Error:  %s\n", job.Error)
	}
	res := job.Result
	if res == nil {
		return
	}

	steps := make([]string, 0, len(res.StepsCompleted))
	for s := range res.StepsCompleted {
		steps = append(steps, s)
	}
	sort.Strings(steps)
	for _, s := range steps {
		if res.StepsCompleted[s] {
			okColor.Printf("  ✓ %s\n", s)
		} else {
			dimColor.Printf("  ✗ %s\n", s)
		}
	}
	for stage, level := range res.Recovered {
		dimColor.Printf("  %s recovered via %s\n", stage, level)
	}
	fmt.Println()
	printMarkdown(res.FinalReport)
}

func statusText(s string) string {
	switch s {
	case string(orchestrator.JobCompleted):
		return okColor.Sprint(s)
	case string(orchestrator.JobFailed):
		return errColor.Sprint(s)
	default:
		return stageColor.Sprint(s)
	}
}

func printMarkdown(md string) {
	if rawOutput {
		fmt.Println(md)
		return
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		fmt.Println(md)
		return
	}
	out, err := r.Render(md)
	if err != nil {
		fmt.Println(md)
		return
	}
	fmt.Print(out)
}
