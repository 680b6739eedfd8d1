package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/cellmesh/internal/cell"
	"github.com/danmuck/cellmesh/internal/config"
	"github.com/danmuck/cellmesh/internal/delta"
	"github.com/danmuck/cellmesh/internal/observability"
	"github.com/danmuck/cellmesh/internal/protocol/schema"
	"github.com/danmuck/cellmesh/internal/server"
	"github.com/danmuck/cellmesh/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/cellctl/config.toml", "cellctl service config")
	template := flag.Bool("template", false, "write a cell config template to cell_config and exit")
	validate := flag.Bool("validate", false, "validate the cell config and exit")
	force := flag.Bool("force", false, "overwrite an existing cell config with -template")
	flag.Parse()

	if err := run(*configPath, *template, *validate, *force); err != nil {
		fmt.Fprintf(os.Stderr, "cellctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, template, validate, force bool) error {
	svc, err := loadServiceConfig(configPath)
	if err != nil {
		return err
	}

	if template {
		if err := config.WriteTemplate(svc.CellConfig, force); err != nil {
			return err
		}
		fmt.Printf("wrote cell config template to %s\n", svc.CellConfig)
		return nil
	}

	cfg, err := config.Load(svc.CellConfig)
	if err != nil {
		return err
	}
	if validate {
		fmt.Printf("validated cell config %s (%s)\n", svc.CellConfig, cfg.ID)
		return nil
	}

	observability.InitLogger("cellctl", cfg.ID)
	if lvl, err := zerolog.ParseLevel(svc.LogLevel); err == nil && svc.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	registry, err := demoRegistry()
	if err != nil {
		return err
	}
	c, err := cell.New(cfg, registry, cell.WithBackupSink(cell.BackupFunc(logBackups)))
	if err != nil {
		return err
	}
	c.SetOffloadPolicy(c.RegionPolicy(cell.Region{Center: svc.RegionCenter, Radius: svc.RegionRadius}))

	w := newWorld(svc.RegionCenter, svc.RegionRadius, svc.DemoEntities)
	if err := w.spawn(c); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errc := make(chan error, 4)
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("%s: %w", name, err)
				stop()
			}
		}()
	}

	if svc.WitnessLog != "" {
		f, err := os.OpenFile(svc.WitnessLog, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open witness log: %w", err)
		}
		defer f.Close()
		stream := transport.NewStream(cfg.ID, schema.MsgWitnessBatch, 256)
		if err := c.AddWitness("observer", svc.RegionCenter, 0, stream); err != nil {
			return err
		}
		log.Info().Str("session", stream.ID().String()).Str("path", svc.WitnessLog).Msg("witness stream attached")
		goRun("witness stream", func() error { return stream.Run(ctx, f) })
	}

	interval := time.Second / time.Duration(cfg.TickRate)
	admin := server.Appear(c, svc.AdminListenAddr, svc.CORSOrigins)
	goRun("admin", func() error { return admin.Serve(ctx) })
	goRun("cell", func() error { return c.Run(ctx, interval) })
	goRun("world", func() error { return drive(ctx, c, w, interval) })

	wg.Wait()
	close(errc)
	var errs []error
	for err := range errc {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// drive posts one world step per tick interval until ctx is done.
func drive(ctx context.Context, c *cell.Cell, w *world, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Do(ctx, w.advance); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn().Err(err).Msg("world step failed")
			}
		}
	}
}

func logBackups(tick uint64, entities []delta.EntityID) {
	if len(entities) == 0 {
		return
	}
	log.Debug().Uint64("tick", tick).Int("entities", len(entities)).Msg("backup due")
}
