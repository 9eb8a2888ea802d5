package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/santamore/feeds/internal/config"
	"github.com/santamore/feeds/internal/database"
	"github.com/santamore/feeds/internal/routes"
	"github.com/santamore/feeds/internal/services"
)

func main() {
	cfg := config.Load()
	db := database.Connect(cfg.DatabaseURL)

	app := fiber.New(fiber.Config{
		AppName: "Santamore Feeds Payments",
	})

	app.Use(recover.New())
	app.Use(logger.New())

	svc := routes.NewServices(db, cfg, services.NewMpesaClient(cfg.Mpesa))
	routes.Register(app, db, cfg, svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := services.NewExpirySweeper(svc.Payments, cfg.Mpesa.SweepInterval)
	go sweeper.Run(ctx)

	go func() {
		<-ctx.Done()
		log.Println("Shutting down")
		if err := app.Shutdown(); err != nil {
			log.Printf("fiber.Shutdown error: %v", err)
		}
	}()

	log.Printf("Starting server on :%s", cfg.AppPort)
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatalf("fiber.Listen error: %v", err)
	}
}
