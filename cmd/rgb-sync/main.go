// rgb-sync — калибровка такта выборки RGB-захвата и genlock HDMI по кадрам источника.
//
// Использование:
//
//	rgb-sync -calibrate               — одна калибровка, вывод сводки и выход
//	rgb-sync -run -config rgb-sync.yml — управляющий цикл (genlock, консоль)
//	rgb-sync -dump-pll -verbose        — регистры PLL в лог
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shiwa/rgb-sync/internal/logger"
	"github.com/shiwa/rgb-sync/pkg/config"
	"github.com/shiwa/rgb-sync/pkg/framesync"
)

func main() {
	run := flag.Bool("run", false, "запуск управляющего цикла")
	calibrate := flag.Bool("calibrate", false, "одна калибровка такта и выход")
	dumpPLL := flag.Bool("dump-pll", false, "вывести регистры PLL и выйти")
	configPath := flag.String("config", "", "путь к YAML конфигу (по умолчанию rgb-sync.yml)")
	dryRun := flag.Bool("dry-run", false, "без железа: регистры в памяти, синтетический источник")
	mode := flag.String("vlockmode", "", "режим genlock (переопределяет config)")
	line := flag.Int("vlockline", -1, "целевая строка genlock (переопределяет config)")
	quiet := flag.Bool("quiet", false, "меньше вывода")
	verbose := flag.Bool("verbose", false, "отладочный вывод")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *dryRun {
		cfg.Hardware.DryRun = true
	}
	if *mode != "" {
		cfg.Genlock.Mode = *mode
	}
	if *line >= 0 {
		cfg.Genlock.Line = *line
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger.Quiet = *quiet
	logger.Verbose = *verbose

	ctx, cancel := signalContext()
	defer cancel()

	switch {
	case *dumpPLL:
		logger.Verbose = true
		if err := framesync.DumpPLL(ctx, cfg); err != nil {
			log.Fatalf("dump-pll: %v", err)
		}
	case *calibrate:
		st, err := framesync.CalibrateOnce(ctx, cfg)
		if err != nil {
			log.Fatalf("calibrate: %v", err)
		}
		fmt.Print(st)
	case *run:
		if err := framesync.RunDaemon(ctx, cfg, *quiet); err != nil && err != context.Canceled {
			logger.Error("%v", err)
			os.Exit(1)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = "rgb-sync.yml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// signalContext отменяется по SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("получен сигнал %v, завершение...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
