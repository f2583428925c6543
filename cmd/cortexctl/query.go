package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cxhttp "github.com/fyrsmithlabs/cortexd/internal/http"
)

func newQueryCmd(opts *options) *cobra.Command {
	var (
		sessionID string
		stream    bool
		asJSON    bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask the server a question",
		Long: `Ask a running cortexd server a question as the caller identified by
--api-key. The answer is redacted according to the caller's DLP level.

Examples:
  # Ask a question
  cortexctl query --api-key demo-key-cli-81093 "What is the late-payment fee?"

  # Continue a conversation
  cortexctl query --session s1 "And for corporate accounts?"

  # Stream the answer as it is delivered
  cortexctl query --stream "Summarize the refund policy"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.apiKey == "" {
				return errors.New("an API key is required (--api-key or CORTEXCTL_API_KEY)")
			}
			req := cxhttp.QueryRequest{
				Question:  strings.Join(args, " "),
				SessionID: sessionID,
			}
			c := newClient(opts, timeout)
			if stream {
				return runStream(cmd, c, req)
			}

			var resp cxhttp.QueryResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/query", req, &resp); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			printAnswer(cmd.OutOrStdout(), resp.Answer, resp.Citations, resp.CacheHit)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "conversation session id")
	cmd.Flags().BoolVar(&stream, "stream", false, "use the streaming endpoint")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
	return cmd
}

func printAnswer(w io.Writer, answer string, citations []string, cacheHit bool) {
	fmt.Fprintln(w, answer)
	if len(citations) > 0 {
		fmt.Fprintf(w, "\nSources: %s\n", strings.Join(citations, ", "))
	}
	if cacheHit {
		fmt.Fprintln(w, "(cached)")
	}
}

// runStream prints data events as they arrive and the citations from the
// closing done event.
func runStream(cmd *cobra.Command, c *client, req cxhttp.QueryRequest) error {
	resp, err := c.send(cmd.Context(), http.MethodPost, "/api/v1/query/stream", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out := cmd.OutOrStdout()
	var done *cxhttp.StreamDone
	err = readEvents(resp.Body, func(event, data string) error {
		if event == "done" {
			done = &cxhttp.StreamDone{}
			if err := json.Unmarshal([]byte(data), done); err != nil {
				return fmt.Errorf("failed to decode stream trailer: %w", err)
			}
			return nil
		}
		_, err := io.WriteString(out, data)
		return err
	})
	if err != nil {
		return err
	}
	if done == nil {
		return errors.New("stream ended without a done event")
	}
	fmt.Fprintln(out)
	if len(done.Citations) > 0 {
		fmt.Fprintf(out, "\nSources: %s\n", strings.Join(done.Citations, ", "))
	}
	if done.CacheHit {
		fmt.Fprintln(out, "(cached)")
	}
	return nil
}

// readEvents parses a server-sent event stream. Multiple data lines of one
// event are joined with newlines.
func readEvents(r io.Reader, fn func(event, data string) error) error {
	sc := bufio.NewScanner(r)
	var (
		event string
		data  []string
	)
	flush := func() error {
		if len(data) == 0 {
			event = ""
			return nil
		}
		err := fn(event, strings.Join(data, "\n"))
		event, data = "", nil
		return err
	}
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			v := strings.TrimPrefix(line, "data:")
			data = append(data, strings.TrimPrefix(v, " "))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return flush()
}
