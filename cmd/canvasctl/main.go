// Command canvasctl is a command-line client for canvasd.
//
// Usage:
//
//	canvasctl identity
//	canvasctl set -x 3 -y 4 -color red
//	canvasctl list
//	canvasctl sweep
//	canvasctl stats
//	canvasctl watch
//
// The server address comes from PIXELCANVAS_URL and the bearer token from
// PIXELCANVAS_TOKEN. Print a token with `canvasctl identity`.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"

	"github.com/dreamware/pixelcanvas/internal/client"
)

// Config holds canvasctl configuration.
type Config struct {
	URL   string `env:"PIXELCANVAS_URL" envDefault:"http://localhost:8080"`
	Token string `env:"PIXELCANVAS_TOKEN"`
}

var errUsage = errors.New("usage: canvasctl <identity|set|list|sweep|stats|watch> [flags]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if len(args) == 0 {
		return errUsage
	}

	c := client.New(cfg.URL)
	c.SetToken(cfg.Token)

	cmd, args := args[0], args[1:]
	switch cmd {
	case "identity":
		grant, err := c.Identity(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, grant)
	case "set":
		return runSet(ctx, c, args)
	case "list":
		pixels, err := c.Pixels(ctx)
		if err != nil {
			return err
		}
		for _, p := range pixels {
			fmt.Fprintf(out, "%s\t%s\t%s\n", p.Key, p.Color, p.UpdatedAt.Format("2006-01-02T15:04:05.000000Z07:00"))
		}
		return nil
	case "sweep":
		result, err := c.Sweep(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, result)
	case "stats":
		stats, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, stats)
	case "watch":
		return runWatch(ctx, c, out)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func runSet(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	x := fs.Int("x", 0, "x coordinate")
	y := fs.Int("y", 0, "y coordinate")
	color := fs.String("color", "", "color value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if int64(*x) != int64(int32(*x)) || int64(*y) != int64(int32(*y)) {
		return fmt.Errorf("coordinates must be 32-bit integers, got (%d,%d)", *x, *y)
	}
	return c.SetPixel(ctx, int32(*x), int32(*y), *color)
}

// runWatch prints every frame of the pixel feed until ctx is cancelled or
// the server closes the feed.
func runWatch(ctx context.Context, c *client.Client, out io.Writer) error {
	sub, err := c.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	enc := json.NewEncoder(out)
	for {
		f, err := sub.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
