package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/vmplex/dispatch"
	"github.com/projecteru2/vmplex/errdefs"
)

// maxRequestLine bounds one JSON request line.
const maxRequestLine = 4 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve tool calls as JSON lines on stdin/stdout",
	Long: `Each input line is {"id": ..., "tool": ..., "action": ..., "params": {...}}.
Each output line is {"id": ..., "result": <envelope>}. Calls run concurrently,
so responses may come back out of order; match them by id.`,
	RunE: runServe,
}

type serveRequest struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Tool   string          `json:"tool"`
	Action string          `json:"action"`
	Params map[string]any  `json:"params,omitempty"`
}

type serveResponse struct {
	ID     json.RawMessage  `json:"id,omitempty"`
	Result *dispatch.Result `json:"result"`
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()
	logger := log.WithFunc("cmd.serve")

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	go func() {
		if err := a.cache.Watch(ctx, conf.WatchPaths); err != nil {
			logger.Warnf(ctx, "cache watch stopped: %v", err)
		}
	}()

	logger.Infof(ctx, "serving %d tools on stdio", len(a.reg.Tools()))
	return serve(ctx, a.reg, os.Stdin, os.Stdout)
}

// serve reads requests until in is exhausted or ctx is done and waits for
// in-flight calls before returning.
func serve(ctx context.Context, reg *dispatch.Registry, in io.Reader, out io.Writer) error {
	var mu sync.Mutex
	enc := json.NewEncoder(out)
	reply := func(r serveResponse) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(r); err != nil {
			log.WithFunc("cmd.serve").Warnf(ctx, "write response: %v", err)
		}
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64<<10), maxRequestLine) //nolint:mnd
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	var g errgroup.Group
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return nil
		case line, ok := <-lines:
			if !ok {
				_ = g.Wait()
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read requests: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			var req serveRequest
			if err := json.Unmarshal(line, &req); err != nil {
				reply(serveResponse{Result: &dispatch.Result{
					Status: dispatch.StatusFailure,
					Error:  &dispatch.ErrorBody{Kind: errdefs.KindValidation, Message: fmt.Sprintf("malformed request: %v", err)},
				}})
				continue
			}
			g.Go(func() error {
				reply(serveResponse{ID: req.ID, Result: reg.Dispatch(ctx, req.Tool, req.Action, req.Params)})
				return nil
			})
		}
	}
}
