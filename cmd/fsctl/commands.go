package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/dreamware/torua/internal/fs"
	"github.com/dreamware/torua/internal/remote"
)

var (
	ErrNotEnoughArgs = errors.New("not enough args")
	ErrInvalidArg    = errors.New("invalid argument")
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "fsctl",
		Usage: "manage files stored in a torua cluster",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Value:   "http://127.0.0.1:8080",
				EnvVars: []string{"TORUA_ADDR"},
				Usage:   "coordinator or node base URL",
			},
			&cli.StringFlag{
				Name:  "path",
				Value: "/fs",
				Usage: "command endpoint; use /cluster/fs when talking to a node",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Second,
				Usage: "timeout for non-streaming commands",
			},
		},
		Commands: []*cli.Command{
			{Name: "put", Usage: "upload a local file (- for stdin)", ArgsUsage: "<local> <name>", Action: put},
			{
				Name:      "get",
				Usage:     "download a file to a local path or stdout",
				ArgsUsage: "<name> [local]",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "offset", Usage: "first byte to read"},
					&cli.Int64Flag{Name: "limit", Value: fs.Unlimited, Usage: "number of bytes to read"},
				},
				Action: get,
			},
			{Name: "ls", Usage: "list files matching a glob", ArgsUsage: "[glob]", Action: list},
			{Name: "cp", Usage: "copy a file", ArgsUsage: "<source> <target>", Action: transfer(false)},
			{Name: "mv", Usage: "move a file", ArgsUsage: "<source> <target>", Action: transfer(true)},
			{Name: "rm", Usage: "delete files", ArgsUsage: "<name>...", Action: remove},
			{Name: "info", Usage: "show file metadata", ArgsUsage: "<name>...", Action: info},
			{Name: "ping", Usage: "check that the cluster answers", Action: ping},
		},
	}
}

func client(ctx *cli.Context) fs.Client {
	return remote.NewClient(ctx.String("addr"), remote.Options{
		Path:    ctx.String("path"),
		Timeout: ctx.Duration("timeout"),
	}, nil)
}

func put(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return ErrNotEnoughArgs
	}
	local, name := ctx.Args().Get(0), ctx.Args().Get(1)

	var src io.Reader = ctx.App.Reader
	if local != "-" {
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	sink, err := client(ctx).Upload(ctx.Context, name)
	if err != nil {
		return err
	}
	n, err := io.Copy(sink, src)
	if err != nil {
		sink.Abort(err)
		return err
	}
	if err := sink.Close(); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "%s %s (%d bytes)\n", color.GreenString("uploaded"), name, n)
	return nil
}

func get(ctx *cli.Context) error {
	if ctx.NArg() < 1 || ctx.NArg() > 2 {
		return ErrNotEnoughArgs
	}
	name := ctx.Args().Get(0)

	r, err := client(ctx).Download(ctx.Context, name, ctx.Int64("offset"), ctx.Int64("limit"))
	if err != nil {
		return err
	}
	defer r.Close()

	if ctx.NArg() == 1 {
		_, err = io.Copy(ctx.App.Writer, r)
		return err
	}
	f, err := os.Create(ctx.Args().Get(1))
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func list(ctx *cli.Context) error {
	glob := "**"
	if ctx.NArg() > 0 {
		glob = ctx.Args().First()
	}
	files, err := client(ctx).List(ctx.Context, glob)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	for _, f := range files {
		fmt.Fprintf(w, "%d\t%s\t%s\n", f.Size, f.ModTime.Format(time.RFC3339), color.BlueString(f.Name))
	}
	return w.Flush()
}

func transfer(move bool) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return ErrNotEnoughArgs
		}
		source, target := ctx.Args().Get(0), ctx.Args().Get(1)
		if source == target {
			return fmt.Errorf("%w: source and target are the same", ErrInvalidArg)
		}
		c := client(ctx)
		verb := "copied"
		var err error
		if move {
			verb = "moved"
			err = c.Move(ctx.Context, source, target)
		} else {
			err = c.Copy(ctx.Context, source, target)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "%s %s -> %s\n", color.GreenString(verb), source, target)
		return nil
	}
}

func remove(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return ErrNotEnoughArgs
	}
	names := ctx.Args().Slice()
	if err := client(ctx).DeleteAll(ctx.Context, names); err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintf(ctx.App.Writer, "%s %s\n", color.GreenString("deleted"), name)
	}
	return nil
}

func info(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return ErrNotEnoughArgs
	}
	names := ctx.Args().Slice()
	infos, err := client(ctx).InfoAll(ctx.Context, names)
	if err != nil {
		return err
	}
	sort.Strings(names)
	w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	for _, name := range names {
		meta := infos[name]
		if meta == nil {
			fmt.Fprintf(w, "%s\t%s\n", name, color.YellowString("absent"))
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", name, meta.Size, meta.ModTime.Format(time.RFC3339))
	}
	return w.Flush()
}

func ping(ctx *cli.Context) error {
	if err := client(ctx).Ping(ctx.Context); err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, color.GreenString("ok"))
	return nil
}
