package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"todoapi.org/internal/config"
	"todoapi.org/internal/migrate"
	"todoapi.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	var (
		dsn = flag.String("dsn", cfg.DatabaseURL, "PostgreSQL DSN")
		dir = flag.String("dir", "", "Read migrations from this directory instead of the embedded set")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	var files fs.FS
	if *dir != "" {
		files = os.DirFS(*dir)
	}
	mgr := migrate.NewManager(store.DB(), files)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Println("nothing to roll back")
			err = nil
		} else if err == nil {
			fmt.Println("rolled back", name)
		}
	case "status":
		var applied, pending []string
		if applied, err = mgr.Status(ctx); err == nil {
			pending, err = mgr.Pending(ctx)
		}
		for _, name := range applied {
			fmt.Println("applied ", name)
		}
		for _, name := range pending {
			fmt.Println("pending ", name)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
