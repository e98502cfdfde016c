/*
 * Courier
 * Copyright (C) 2026  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command courier runs the credential exchange workflow service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/config"
	"github.com/gravitational/courier/lib/service"
)

func main() {
	app := kingpin.New("courier", "Credential exchange workflow engine.")
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the courier service.")
	configPath := start.Flag("config", "Path to the configuration file.").
		Short('c').Default("/etc/courier.yaml").String()
	debug := start.Flag("debug", "Enable debug logging.").Short('d').Bool()

	version := app.Command("version", "Print the version and exit.")

	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	switch command {
	case start.FullCommand():
		if err := run(*configPath, *debug); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
			os.Exit(1)
		}
	case version.FullCommand():
		fmt.Println(courier.Version)
	}
}

func run(configPath string, debug bool) error {
	fc, err := config.ReadFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if debug {
		fc.Log.Severity = "debug"
	}
	logger := fc.Log.BuildLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, service.Config{
		FileConfig: fc,
		Logger:     logger,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer svc.Close()
	return trace.Wrap(svc.Run(ctx))
}
