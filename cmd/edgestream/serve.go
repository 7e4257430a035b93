package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgestream/internal/peer"
	"github.com/danmuck/edgestream/internal/protocol/requests"
	"github.com/danmuck/edgestream/internal/protocol/stream"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serveListen []string
	serveHTTP   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the echo handler on every configured endpoint",
	Long: `serve listens on the server.listen endpoints and the HTTP address and
answers "/echo" with the request's streams and "/ping" with "pong".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scfg := cfg.Server
		if cmd.Flags().Changed("listen") {
			scfg.Listen = serveListen
		}
		if cmd.Flags().Changed("http") {
			scfg.HTTPAddr = serveHTTP
		}

		srv, err := peer.NewServer(scfg, echoHandler())
		if err != nil {
			return err
		}
		if err := srv.Listen(); err != nil {
			return err
		}
		for _, ep := range srv.Endpoints() {
			fmt.Fprintf(cmd.OutOrStdout(), "listening %s\n", ep)
		}
		if addr := srv.HTTPAddr(); addr != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "http %s\n", addr)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return srv.Serve(ctx)
	},
}

// echoHandler routes by path: "/echo" returns every request stream in
// order, "/ping" answers "pong", anything else is 404.
func echoHandler() requests.Handler {
	return requests.HandlerFunc(func(ctx context.Context, req *requests.ReceivedRequest) *requests.Response {
		log.Debug().Str("verb", req.Verb).Str("path", req.Path).Int("streams", len(req.Streams)).Msg("request")
		switch req.Path {
		case "/echo":
			resp := requests.NewResponse(http.StatusOK)
			for _, s := range req.Streams {
				resp.AddStream(s.Name, s.ContentType, s.Stream())
			}
			return resp
		case "/ping":
			return requests.NewResponse(http.StatusOK).AddStream("body", "text/plain", stream.FromString("pong"))
		default:
			return requests.NewResponse(http.StatusNotFound)
		}
	})
}

func init() {
	serveCmd.Flags().StringSliceVar(&serveListen, "listen", nil, "endpoints to listen on, e.g. tcp://:7400,quic://:7401")
	serveCmd.Flags().StringVar(&serveHTTP, "http", "", "HTTP address for websocket, /health and /metrics")
	rootCmd.AddCommand(serveCmd)
}
