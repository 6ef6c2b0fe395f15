// Command scanorc-migrate applies (or inspects) the Job Store/Module
// Registry's Postgres schema via db/migrations, independent of the main
// scanorc server binary so schema changes can be rolled out as their own
// deploy step.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/cuemby/scanorc/db/migrations"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("SCANORC_DATABASE_DSN"), "Postgres DSN")
	action := flag.String("action", "up", "up, down, or status")
	flag.Parse()

	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "scanorc-migrate: -dsn or SCANORC_DATABASE_DSN is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scanorc-migrate: open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch *action {
	case "up":
		err = migrations.Up(db)
	case "down":
		err = migrations.Down(db)
	case "status":
		err = migrations.Status(db)
	default:
		fmt.Fprintf(os.Stderr, "scanorc-migrate: unknown action %q\n", *action)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "scanorc-migrate: %v\n", err)
		os.Exit(1)
	}
}
