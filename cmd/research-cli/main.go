package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	client    = &http.Client{Timeout: 30 * time.Second}

	okColor    = color.New(color.FgGreen)
	errColor   = color.New(color.FgRed, color.Bold)
	stageColor = color.New(color.FgCyan)
	dimColor   = color.New(color.Faint)
)

var rootCmd = &cobra.Command{
	Use:   "research-cli",
	Short: "Submit and inspect deep research tasks",
	Long: `research-cli talks to a running deep research server.

Submit a query, follow its stages, read the final report and browse the
artifacts each stage left in the task workspace.`,
	SilenceUsage: true,
}

func main() {
	defaultServer := os.Getenv("RESEARCH_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "deep research server URL")

	rootCmd.AddCommand(submitCmd, statusCmd, listCmd, filesCmd, catCmd, searchCmd, indexCmd)

	if err := rootCmd.Execute(); err != nil {
		errColor.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// apiError is the server's error body.
type apiError struct {
	Error string `json:"error"`
}

func get(path string, out interface{}) error {
	resp, err := client.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return decode(resp, out)
}

func post(path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(serverURL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, ae.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = string(data)
		return nil
	}
	return json.Unmarshal(data, out)
}
