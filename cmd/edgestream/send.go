package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/edgestream/internal/peer"
	"github.com/danmuck/edgestream/internal/protocol/requests"
	"github.com/danmuck/edgestream/internal/protocol/stream"
	"github.com/spf13/cobra"
)

const defaultSendAttempts = 3

var (
	sendEndpoint    string
	sendData        []string
	sendFiles       []string
	sendContentType string
	sendTimeout     time.Duration
	sendAttempts    int
)

var sendCmd = &cobra.Command{
	Use:   "send <verb> <path>",
	Short: "Send one request and print the response",
	Long: `send dials the endpoint, sends one request carrying a stream per --data and
--file value, and prints the status followed by every response stream.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ccfg := cfg.Client
		if sendEndpoint != "" {
			ccfg.Endpoint = sendEndpoint
		}
		switch {
		case sendAttempts > 0:
			ccfg.MaxConnectAttempts = sendAttempts
		case ccfg.MaxConnectAttempts == 0:
			ccfg.MaxConnectAttempts = defaultSendAttempts
		}

		req, err := buildRequest(args[0], args[1])
		if err != nil {
			return err
		}
		client, err := peer.NewClient(ccfg, nil)
		if err != nil {
			closeRequestStreams(req)
			return err
		}
		defer client.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := client.Connect(ctx); err != nil {
			closeRequestStreams(req)
			return fmt.Errorf("connect %s: %w", client.Endpoint(), err)
		}
		if sendTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, sendTimeout)
			defer cancel()
		}
		resp, err := client.SendRequest(ctx, req)
		if err != nil {
			return err
		}
		return printResponse(cmd, resp)
	},
}

func buildRequest(verb, path string) (*requests.Request, error) {
	verb = strings.ToUpper(strings.TrimSpace(verb))
	if verb == "" || strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("verb and path are required")
	}
	req := requests.NewRequest(verb, path)
	for i, d := range sendData {
		req.AddStream(fmt.Sprintf("data-%d", i), sendContentType, stream.FromString(d))
	}
	for _, p := range sendFiles {
		f, err := openFile(p)
		if err != nil {
			closeRequestStreams(req)
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			closeRequestStreams(req)
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		req.AddStream(info.Name(), sendContentType, stream.New(f, info.Size()))
	}
	return req, nil
}

// openFile is swapped in tests.
var openFile = os.Open

// closeRequestStreams releases the files behind a request that will never
// be sent.
func closeRequestStreams(req *requests.Request) {
	for _, cs := range req.Streams {
		if cs.Stream != nil {
			_ = cs.Stream.Close()
		}
	}
}

func printResponse(cmd *cobra.Command, resp *requests.ReceivedResponse) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "status: %d\n", resp.StatusCode)
	for _, s := range resp.Streams {
		fmt.Fprintf(out, "--- %s (%s) %d bytes\n", s.Name, s.ContentType, len(s.Body))
		if _, err := out.Write(s.Body); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}
	return nil
}

func init() {
	sendCmd.Flags().StringVarP(&sendEndpoint, "endpoint", "e", "", "endpoint URL (overrides client.endpoint)")
	sendCmd.Flags().StringArrayVarP(&sendData, "data", "d", nil, "attach a stream with this literal body")
	sendCmd.Flags().StringArrayVarP(&sendFiles, "file", "f", nil, "attach a stream read from this file")
	sendCmd.Flags().StringVar(&sendContentType, "content-type", "application/octet-stream", "content type of attached streams")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 0, "request timeout (defaults to session.request_timeout)")
	sendCmd.Flags().IntVar(&sendAttempts, "attempts", 0, "connect attempts (defaults to client.max_connect_attempts, or 3)")
	rootCmd.AddCommand(sendCmd)
}
