package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agentworkforce/helpsync/internal/helpsync"
	"github.com/k0kubun/pp/v3"
	"github.com/urfave/cli/v2"
)

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "Fetch and print the current requests",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "dump", Usage: "pretty-print the full snapshot instead of a table"},
	},
	Action: func(cCtx *cli.Context) error {
		rt := fromContext(cCtx)
		snap, err := refresh(cCtx, rt)
		if err != nil {
			return err
		}
		if cCtx.Bool("dump") {
			printer := pp.New()
			printer.SetOutput(cCtx.App.Writer)
			printer.SetColoringEnabled(false)
			_, err := printer.Println(snap.Requests)
			return err
		}
		return printSnapshot(cCtx.App.Writer, snap)
	},
}

var postCommand = &cli.Command{
	Name:  "post",
	Usage: "Ask for help at a location",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "title", Usage: "short summary (defaults to \"Help needed\")"},
		&cli.StringFlag{Name: "details", Usage: "what you need"},
		&cli.Float64Flag{Name: "tip", Usage: "optional tip amount"},
		&cli.Float64Flag{Name: "lat", Usage: "latitude"},
		&cli.Float64Flag{Name: "lng", Usage: "longitude"},
	},
	Action: func(cCtx *cli.Context) error {
		rt := fromContext(cCtx)
		draft := helpsync.Draft{
			Title:   cCtx.String("title"),
			Details: cCtx.String("details"),
		}
		if cCtx.IsSet("tip") {
			amount := cCtx.Float64("tip")
			draft.TipAmount = &amount
		}
		if cCtx.IsSet("lat") && cCtx.IsSet("lng") {
			draft.Location = &helpsync.Coordinate{Latitude: cCtx.Float64("lat"), Longitude: cCtx.Float64("lng")}
		}
		ctx, cancel := commandContext(cCtx, rt)
		defer cancel()
		created, err := rt.manager.Create(ctx, draft)
		if err != nil {
			return err
		}
		printRequest(cCtx.App.Writer, "posted", created)
		return nil
	},
}

var acceptCommand = &cli.Command{
	Name:      "accept",
	Usage:     "Offer to help with someone else's request",
	ArgsUsage: "<id>",
	Action: func(cCtx *cli.Context) error {
		rt := fromContext(cCtx)
		id, err := requireID(cCtx)
		if err != nil {
			return err
		}
		if _, err := refresh(cCtx, rt); err != nil {
			return err
		}
		ctx, cancel := commandContext(cCtx, rt)
		defer cancel()
		if err := rt.manager.Accept(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cCtx.App.Writer, "accepted %s as %s\n", id, rt.identity.CurrentUserID())
		return nil
	},
}

var completeCommand = &cli.Command{
	Name:      "complete",
	Usage:     "Close a request and rate the helper",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "helper", Usage: "who helped (defaults to \"Neighbor\")"},
		&cli.IntFlag{Name: "rating", Usage: "1 to 5", Required: true},
	},
	Action: func(cCtx *cli.Context) error {
		rt := fromContext(cCtx)
		id, err := requireID(cCtx)
		if err != nil {
			return err
		}
		if _, err := refresh(cCtx, rt); err != nil {
			return err
		}
		ctx, cancel := commandContext(cCtx, rt)
		defer cancel()
		if err := rt.manager.Complete(ctx, id, cCtx.String("helper"), cCtx.Int("rating")); err != nil {
			return err
		}
		fmt.Fprintf(cCtx.App.Writer, "completed %s\n", id)
		return nil
	},
}

var cancelCommand = &cli.Command{
	Name:      "cancel",
	Aliases:   []string{"delete"},
	Usage:     "Withdraw one of your requests",
	ArgsUsage: "<id>",
	Action: func(cCtx *cli.Context) error {
		rt := fromContext(cCtx)
		id, err := requireID(cCtx)
		if err != nil {
			return err
		}
		if _, err := refresh(cCtx, rt); err != nil {
			return err
		}
		ctx, cancel := commandContext(cCtx, rt)
		defer cancel()
		if err := rt.manager.Cancel(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cCtx.App.Writer, "cancelled %s\n", id)
		return nil
	},
}

var declineCommand = &cli.Command{
	Name:      "decline",
	Usage:     "Hide a request on this device",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "no-wait", Usage: "commit immediately instead of offering undo"},
	},
	Action: func(cCtx *cli.Context) error {
		rt := fromContext(cCtx)
		id, err := requireID(cCtx)
		if err != nil {
			return err
		}
		if _, err := refresh(cCtx, rt); err != nil {
			return err
		}
		window, err := rt.manager.Decline(id)
		if err != nil {
			return err
		}
		out := cCtx.App.Writer
		if cCtx.Bool("no-wait") {
			fmt.Fprintf(out, "declined %s\n", id)
			return nil
		}
		fmt.Fprintf(out, "declined %s %q. Type \"undo\" and press enter within %s to restore it.\n",
			id, window.Title, time.Until(window.Deadline).Round(time.Second))
		if waitForUndo(cCtx.Context, cCtx.App.Reader, window.Deadline) {
			if _, ok := rt.manager.Undo(); ok {
				fmt.Fprintf(out, "restored %s\n", id)
				return nil
			}
		}
		fmt.Fprintf(out, "decline of %s is final\n", id)
		return nil
	},
}

var whoamiCommand = &cli.Command{
	Name:  "whoami",
	Usage: "Print this installation's user id",
	Action: func(cCtx *cli.Context) error {
		fmt.Fprintln(cCtx.App.Writer, fromContext(cCtx).identity.CurrentUserID())
		return nil
	},
}

var declinedCommand = &cli.Command{
	Name:  "declined",
	Usage: "List requests hidden on this device",
	Action: func(cCtx *cli.Context) error {
		for _, id := range fromContext(cCtx).suppression.IDs() {
			fmt.Fprintln(cCtx.App.Writer, id)
		}
		return nil
	},
}

var forgetCommand = &cli.Command{
	Name:      "forget",
	Usage:     "Stop hiding a declined request",
	ArgsUsage: "<id>",
	Action: func(cCtx *cli.Context) error {
		rt := fromContext(cCtx)
		id, err := requireID(cCtx)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cCtx, rt)
		defer cancel()
		if err := rt.manager.Unsuppress(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cCtx.App.Writer, "%s is visible again\n", id)
		return nil
	},
}

func requireID(cCtx *cli.Context) (string, error) {
	id := strings.TrimSpace(cCtx.Args().First())
	if id == "" {
		return "", fmt.Errorf("%s: request id is required", cCtx.Command.Name)
	}
	return id, nil
}

func commandContext(cCtx *cli.Context, rt *runtime) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cCtx.Context, rt.cfg.Timeout)
}

func refresh(cCtx *cli.Context, rt *runtime) (helpsync.Snapshot, error) {
	ctx, cancel := commandContext(cCtx, rt)
	defer cancel()
	return rt.manager.Refresh(ctx)
}

// waitForUndo reports whether the user typed undo before the deadline.
func waitForUndo(ctx context.Context, in io.Reader, deadline time.Time) bool {
	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		if scanner.Scan() {
			lines <- strings.TrimSpace(strings.ToLower(scanner.Text()))
			return
		}
		close(lines)
	}()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case line, ok := <-lines:
		return ok && (line == "undo" || line == "u")
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
