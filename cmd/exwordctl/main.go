// exwordctl: manage dictionaries on a Casio EX-word device over USB
// Copyright (C) 2026  Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"exworddrv/internal/content"
	"exworddrv/internal/exword"
	"exworddrv/internal/hostfs"
	"exworddrv/internal/obex"
	"exworddrv/internal/region"
	"exworddrv/internal/usbtransport"
	"exworddrv/internal/xwconfig"
)

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := xwconfig.Load()
	if err != nil {
		log.Fatalf("exwordctl: load config: %v", err)
	}

	logger := log.New(os.Stderr, "exwordctl: ", log.LstdFlags)

	switch args[0] {
	case "install":
		runContentCmd(cfg, logger, args[1:], (*content.Engine).Install)
	case "remove":
		runContentCmd(cfg, logger, args[1:], (*content.Engine).Remove)
	case "decrypt":
		runContentCmd(cfg, logger, args[1:], (*content.Engine).Decrypt)
	case "list-remote":
		runListRemote(cfg, logger, args[1:])
	case "list-local":
		runListLocal(cfg, logger)
	case "reset-auth":
		runResetAuth(cfg, logger, args[1:])
	case "model":
		runModel(cfg, logger)
	case "capacity":
		runCapacity(cfg, logger)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `exwordctl: manage dictionaries on a Casio EX-word device

Usage:
  exwordctl install      <root> <id>
  exwordctl remove       <root> <id>
  exwordctl decrypt      <root> <id>
  exwordctl list-remote  <root>
  exwordctl list-local
  exwordctl reset-auth    <user>
  exwordctl model
  exwordctl capacity
`)
}

// openDevice opens the USB transport, wraps it in an obex.Session and
// exword.Device, connects, and returns everything needed to drive the
// content engine. The caller must Close the returned transport.
func openDevice(cfg *xwconfig.Config, logger *log.Logger, observer obex.ProgressObserver) (*usbtransport.Transport, *exword.Device, error) {
	transport, err := usbtransport.Open(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open device: %w", err)
	}
	transport.StartWatchdog(context.Background(), func() {
		logger.Printf("device disconnected")
	})

	sess := obex.NewSession(transport, logger, observer)
	dev := exword.NewDevice(sess, logger)

	mode := exword.ModeLibrary
	switch cfg.Mode {
	case "TEXT":
		mode = exword.ModeText
	case "CD":
		mode = exword.ModeCD
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dev.Connect(ctx, exword.ConnectOptions{Mode: mode, Locale: cfg.Region}); err != nil {
		transport.StopWatchdog()
		transport.Close()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return transport, dev, nil
}

func newEngine(cfg *xwconfig.Config, dev *exword.Device, logger *log.Logger) (*content.Engine, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dir, err := hostfs.DataDir()
		if err != nil {
			return nil, fmt.Errorf("resolve data directory: %w", err)
		}
		dataDir = dir
	}
	mode := content.ModeLibrary
	if cfg.Mode == "CD" {
		mode = content.ModeCD
	}
	return content.NewEngine(dev, mode, region.ID(cfg.Region), dataDir, logger), nil
}

// progressBars implements obex.ProgressObserver with an mpb multi-bar
// display, one bar per named transfer, matching the progress-bar pattern
// used for batch PDF processing in the teacher's data-pipeline tooling.
type progressBars struct {
	p    *mpb.Progress
	bars map[string]*mpb.Bar
}

func newProgressBars() *progressBars {
	return &progressBars{p: mpb.New(mpb.WithWidth(64)), bars: make(map[string]*mpb.Bar)}
}

func (pb *progressBars) OnProgress(name string, sent, total int64) {
	if name == "" {
		return
	}
	bar, ok := pb.bars[name]
	if !ok {
		barTotal := total
		if barTotal <= 0 {
			barTotal = sent
			if barTotal <= 0 {
				barTotal = 1
			}
		}
		bar = pb.p.AddBar(barTotal,
			mpb.PrependDecorators(decor.Name(name+" ")),
			mpb.AppendDecorators(decor.CountersKiloByte("% .1f / % .1f")),
		)
		pb.bars[name] = bar
	}
	bar.SetCurrent(sent)
	if total > 0 && sent >= total {
		bar.SetTotal(total, true)
	}
}

func (pb *progressBars) wait() {
	pb.p.Wait()
}

type contentOp func(*content.Engine, context.Context, string, string) error

func runContentCmd(cfg *xwconfig.Config, logger *log.Logger, args []string, op contentOp) {
	if len(args) != 2 {
		usage()
		os.Exit(2)
	}
	root, id := args[0], args[1]

	pb := newProgressBars()
	transport, dev, err := openDevice(cfg, logger, pb)
	if err != nil {
		log.Fatalf("exwordctl: %v", err)
	}
	defer transport.Close()
	defer dev.Disconnect(context.Background())

	engine, err := newEngine(cfg, dev, logger)
	if err != nil {
		log.Fatalf("exwordctl: %v", err)
	}

	ctx := context.Background()
	if err := op(engine, ctx, root, id); err != nil {
		pb.wait()
		fmt.Println("Failed")
		log.Fatalf("exwordctl: %v", err)
	}
	pb.wait()
	fmt.Println("Done")
}

func runListRemote(cfg *xwconfig.Config, logger *log.Logger, args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	transport, dev, err := openDevice(cfg, logger, obex.NopObserver{})
	if err != nil {
		log.Fatalf("exwordctl: %v", err)
	}
	defer transport.Close()
	defer dev.Disconnect(context.Background())

	engine, err := newEngine(cfg, dev, logger)
	if err != nil {
		log.Fatalf("exwordctl: %v", err)
	}
	entries, err := engine.ListRemote(context.Background(), args[0])
	if err != nil {
		log.Fatalf("exwordctl: %v", err)
	}
	for i, e := range entries {
		fmt.Printf("%d. %s (%s)\n", i, e.Name, e.ID)
	}
}

func runListLocal(cfg *xwconfig.Config, logger *log.Logger) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dir, err := hostfs.DataDir()
		if err != nil {
			log.Fatalf("exwordctl: %v", err)
		}
		dataDir = dir
	}
	mode := content.ModeLibrary
	if cfg.Mode == "CD" {
		mode = content.ModeCD
	}
	engine := content.NewEngine(nil, mode, region.ID(cfg.Region), dataDir, logger)
	entries, err := engine.ListLocal()
	if err != nil {
		log.Fatalf("exwordctl: %v", err)
	}
	for i, e := range entries {
		fmt.Printf("%d. %s (%s)\n", i, e.Name, e.ID)
	}
}

func runResetAuth(cfg *xwconfig.Config, logger *log.Logger, args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	transport, dev, err := openDevice(cfg, logger, obex.NopObserver{})
	if err != nil {
		log.Fatalf("exwordctl: %v", err)
	}
	defer transport.Close()
	defer dev.Disconnect(context.Background())

	engine, err := newEngine(cfg, dev, logger)
	if err != nil {
		log.Fatalf("exwordctl: %v", err)
	}
	if err := engine.Reset(context.Background(), args[0]); err != nil {
		log.Fatalf("exwordctl: %v", err)
	}
	fmt.Println("Done")
}

func runModel(cfg *xwconfig.Config, logger *log.Logger) {
	transport, dev, err := openDevice(cfg, logger, obex.NopObserver{})
	if err != nil {
		log.Fatalf("exwordctl: %v", err)
	}
	defer transport.Close()
	defer dev.Disconnect(context.Background())

	model, err := dev.Model(context.Background())
	if err != nil {
		log.Fatalf("exwordctl: %v", err)
	}
	fmt.Printf("Model: %s\nSub-model: %s\n", model.Model, model.SubModel)
	if model.CapExt {
		fmt.Printf("Extended model: %s\n", model.ExtModel)
	}
}

func runCapacity(cfg *xwconfig.Config, logger *log.Logger) {
	transport, dev, err := openDevice(cfg, logger, obex.NopObserver{})
	if err != nil {
		log.Fatalf("exwordctl: %v", err)
	}
	defer transport.Close()
	defer dev.Disconnect(context.Background())

	capacity, err := dev.Capacity(context.Background())
	if err != nil {
		log.Fatalf("exwordctl: %v", err)
	}
	fmt.Printf("Total: %d bytes\nFree:  %d bytes\n", capacity.Total, capacity.Free)
}
