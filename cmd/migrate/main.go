package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tullo/inbox/config"
	"github.com/tullo/inbox/internal/alias"
	"github.com/tullo/inbox/internal/auth"
	"github.com/tullo/inbox/internal/database"
	"github.com/tullo/inbox/internal/models"
	"github.com/tullo/inbox/internal/repository"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "migrate",
		Usage: "Manage the inbox database",
		Commands: []*cli.Command{
			upCommand(),
			statusCommand(),
			seedUserCommand(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func open() (*config.Config, *database.DB, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Connect to database
	db, err := database.Open(cfg.Database.Driver, cfg.GetDSN())
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func upCommand() *cli.Command {
	return &cli.Command{
		Name:  "up",
		Usage: "Apply pending migrations",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			log.Info("Running migrations...", "driver", db.Driver)
			if err := database.RunMigrations(ctx, db); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			log.Info("Migrations completed successfully")
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "List applied migrations",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := database.AppliedMigrations(ctx, db)
			if err != nil {
				return err
			}
			known, err := database.MigrationsFor(db.Driver)
			if err != nil {
				return err
			}

			fmt.Println("\nApplied Migrations:")
			fmt.Println("-------------------")
			for _, m := range applied {
				fmt.Printf("Version %d - Applied at: %s\n", m.Version, m.AppliedAt.Format(time.RFC3339))
			}
			fmt.Printf("\n%d of %d migrations applied\n", len(applied), len(known))
			return nil
		},
	}
}

// seedUserCommand writes a directory entry. Account management lives
// outside this service; this exists for local development.
func seedUserCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed-user",
		Usage: "Create a user and print its alias and a session token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Required: true, Usage: "user email"},
			&cli.StringFlag{Name: "name", Required: true, Usage: "display name"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.RunMigrations(ctx, db); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			users := repository.NewUserRepository(db)
			user, err := users.GetByEmail(ctx, strings.ToLower(cmd.String("email")))
			if errors.Is(err, repository.ErrNotFound) {
				user = &models.User{
					Email:       strings.ToLower(cmd.String("email")),
					DisplayName: cmd.String("name"),
					CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
				}
				if err := user.Validate(); err != nil {
					return err
				}
				if err := users.Create(ctx, user); err != nil {
					return err
				}
				log.Info("Created user", "id", user.ID, "email", user.Email)
			} else if err != nil {
				return err
			}

			aliases, err := alias.New(cfg.Alias.Secret)
			if err != nil {
				return err
			}
			token, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours).GenerateToken(user.ID, user.Email)
			if err != nil {
				return err
			}

			fmt.Printf("id:    %d\nalias: %s\ntoken: %s\n", user.ID, aliases.Encode(user.ID), token)
			return nil
		},
	}
}
