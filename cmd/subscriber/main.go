// Package main — точка входа ядра сопоставления ключевых слов.
// Парсит флаги, загружает конфигурацию, настраивает логирование и организует
// корректное завершение по системным сигналам (Ctrl+C/SIGTERM). Главная
// задача: инициализировать App и отдать ему управление, обеспечив graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keyword-subscriber/internal/app"
	"keyword-subscriber/internal/infra/config"
	"keyword-subscriber/internal/infra/logger"
	"keyword-subscriber/internal/infra/pr"
)

// main поднимает окружение, стартует приложение и блокируется до завершения.
// Порядок:
//  1. bootstrap: stdout/stderr → pr, базовый log с префиксом времени,
//  2. flags/env: путь к .env,
//  3. config: загрузка и предупреждения,
//  4. logger: уровень и перенаправление вывода в pr,
//  5. signals: контекст с отменой по Ctrl+C/SIGTERM (stop обязателен к вызову),
//  6. app: Init(ctx, stop) и Run().
func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))
	if err := pr.Init(); err != nil {
		log.Fatalf("failed to assigning stdout and stderr: %v", err)
	}

	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(config.Env().LogLevel)
	stdout := pr.Stdout()
	if logFile := config.Env().LogFile; logFile != "" {
		stdout = io.MultiWriter(stdout, logger.NewRotatingFileWriter(logFile))
	}
	logger.SetWriters(stdout, pr.Stderr())
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp()
	if iniErr := a.Init(ctx, stop); iniErr != nil {
		stop()
		log.Fatalf("app init failed: %v", iniErr)
	}

	if runErr := a.Run(); runErr != nil {
		stop()
		log.Fatalf("app run failed: %v", runErr)
	}
	stop()
	log.Println("Graceful shutdown complete")
}
