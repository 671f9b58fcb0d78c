package cmd

import (
	"context"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/justapithecus/promptopt/cli/render"
	"github.com/justapithecus/promptopt/client"
	"github.com/justapithecus/promptopt/runtime"
)

// HealthCommand returns the health command.
func HealthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Probe every configured service endpoint",
		Flags: joinFlags(
			configFlags(),
			serviceFlags(),
			OutputFlags(),
		),
		Action: healthAction,
	}
}

func healthAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return usageError("%v", err)
	}
	if c.Bool("tui") {
		return usageError("--tui is not supported for health command")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s := &runSetup{}
	if err := s.resolveService(c, cfg); err != nil {
		return err
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	rows := probeEndpoints(ctx, s.urls, s.clientOpts)
	if err := r.Render(rows); err != nil {
		return err
	}
	for _, row := range rows {
		if row.Error != "" {
			return cli.Exit("", runtime.ExitCodeTransport)
		}
	}
	return nil
}

// probeEndpoints checks every endpoint concurrently. Rows keep the order
// of urls.
func probeEndpoints(ctx context.Context, urls []string, opts []client.Option) []render.HealthRow {
	rows := make([]render.HealthRow, len(urls))

	var g errgroup.Group
	for i, u := range urls {
		g.Go(func() error {
			rows[i] = probeEndpoint(ctx, u, opts)
			return nil
		})
	}
	_ = g.Wait()
	return rows
}

func probeEndpoint(ctx context.Context, url string, opts []client.Option) render.HealthRow {
	row := render.HealthRow{Endpoint: url}
	cl, err := client.New(url, opts...)
	if err != nil {
		row.Status = "invalid"
		row.Error = err.Error()
		return row
	}
	st, err := cl.Health(ctx)
	if err != nil {
		row.Status = "unreachable"
		row.Error = err.Error()
		return row
	}
	row.Status = st.Status
	row.Version = st.Version
	if !st.Healthy() {
		row.Error = "service reported " + st.Status
	}
	return row
}
