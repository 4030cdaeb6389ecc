package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/wavesops/internal/store"
)

func main() {
	steps := flag.Int("steps", 1, "Migrations to roll back with down")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-steps n] up|down|version\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	_ = godotenv.Load()
	dbURL := os.Getenv("DB_SOURCE")
	if dbURL == "" {
		logrus.Fatal("DB_SOURCE environment variable is required")
	}

	switch flag.Arg(0) {
	case "up":
		if err := store.MigrateUp(dbURL); err != nil {
			logrus.WithError(err).Fatal("migrate up")
		}
		logrus.Info("schema is up to date")
	case "down":
		if err := store.MigrateDown(dbURL, *steps); err != nil {
			logrus.WithError(err).Fatal("migrate down")
		}
		logrus.WithField("steps", *steps).Info("rolled back")
	case "version":
		v, dirty, err := store.MigrationVersion(dbURL)
		if err != nil {
			logrus.WithError(err).Fatal("migrate version")
		}
		logrus.WithFields(logrus.Fields{"version": v, "dirty": dirty}).Info("schema version")
	default:
		flag.Usage()
		os.Exit(2)
	}
}
