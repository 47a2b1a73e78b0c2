// Copyright 2024 The amldtb Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// The amldtb CLI tool splits an Amlogic multi-DTB container image into
// individual device-tree blobs, and packs a directory of blobs back into a
// container accepted by the bootloader.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/dtbtools/amldtb/pkg/packer"
	"github.com/dtbtools/amldtb/pkg/splitter"
	"github.com/dtbtools/amldtb/pkg/utils"
)

const (
	defaultPageSize = 2048
	maxPageSize     = 1024 * 1024
)

var versionGitCommit string
var versionBuildTime string

func logLevelFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		Usage:   "Set log level (panic, fatal, error, warn, info, debug, trace)",
		EnvVars: []string{"LOG_LEVEL"},
	}
}

func setupLogLevel(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return errors.Wrap(err, "parse log level")
	}
	logrus.SetLevel(level)
	return nil
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	version := fmt.Sprintf("%s.%s", versionGitCommit, versionBuildTime)

	app := &cli.App{
		Name:    "amldtb",
		Usage:   "Amlogic multi-DTB container split/pack tool",
		Version: version,
	}

	app.Commands = []*cli.Command{
		{
			Name:  "split",
			Usage: "Split a multi-DTB container into individual DTB files",
			Flags: []cli.Flag{
				logLevelFlag(),
				&cli.StringFlag{Name: "boot-img", Aliases: []string{"b"}, Required: true, Usage: "Container image path, optionally gzip-compressed"},
				&cli.StringFlag{Name: "dest", Aliases: []string{"d"}, Value: "", Usage: "Prefix prepended to every output filename"},
			},
			Action: func(c *cli.Context) error {
				if err := setupLogLevel(c); err != nil {
					return err
				}
				bootImg := c.String("boot-img")
				if !utils.IsPathExists(bootImg) {
					return errors.Errorf("boot image %q not found", bootImg)
				}
				count, err := splitter.New(splitter.Opt{
					BootImgPath: bootImg,
					Dest:        c.String("dest"),
				}).Split()
				if err != nil {
					return err
				}
				logrus.Infof("extracted %d DTB(s)", count)
				return nil
			},
		},
		{
			Name:  "pack",
			Usage: "Pack a directory of DTB files into a multi-DTB container",
			Flags: []cli.Flag{
				logLevelFlag(),
				&cli.StringFlag{Name: "out-file", Aliases: []string{"o"}, Required: true, Usage: "Output container path"},
				&cli.StringFlag{Name: "input-dir", Aliases: []string{"i"}, Required: true, Usage: "Directory scanned non-recursively for .dtb files"},
				&cli.UintFlag{Name: "page-size", Aliases: []string{"p"}, Value: defaultPageSize, Usage: "Alignment granularity in bytes, must be below 1 MiB"},
			},
			Action: func(c *cli.Context) error {
				if err := setupLogLevel(c); err != nil {
					return err
				}
				pageSize := int(c.Uint("page-size"))
				if pageSize <= 0 || pageSize >= maxPageSize {
					return errors.Errorf("invalid page size %d: must be between 1 and %d", pageSize, maxPageSize-1)
				}
				inputDir := c.String("input-dir")
				if !utils.IsPathExists(inputDir) {
					return errors.Errorf("input directory %q not found", inputDir)
				}
				logrus.Infof("DTB combiner: input directory %q, output file %q", inputDir, c.String("out-file"))
				count, err := packer.New(packer.Opt{
					OutFile:  c.String("out-file"),
					InputDir: inputDir,
					PageSize: pageSize,
				}).Pack()
				if err != nil {
					return err
				}
				logrus.Infof("packed %d DTB(s)", count)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
