package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thepKz/gender-care-sub008/config"
	"github.com/thepKz/gender-care-sub008/internal/database"
	"github.com/thepKz/gender-care-sub008/internal/mq"
	"github.com/thepKz/gender-care-sub008/internal/reconcile"
	"github.com/thepKz/gender-care-sub008/internal/repository"
	"github.com/thepKz/gender-care-sub008/internal/router"
	"github.com/thepKz/gender-care-sub008/internal/sweeper"
	"github.com/thepKz/gender-care-sub008/pkg/payos"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	var deadLetters reconcile.DeadLetterPublisher = mq.LogPublisher{}
	if cfg.Queue.RabbitURL != "" {
		pub, err := mq.NewPublisher(cfg.Queue.RabbitURL, cfg.Queue.Exchange)
		if err != nil {
			log.Fatalf("rabbitmq: %v", err)
		}
		defer pub.Close()
		deadLetters = pub
	} else {
		log.Printf("[DEADLETTER] RABBIT_URL not set, dead-letter events go to the log only")
	}

	gateway := payos.NewClient(cfg.PayOS.BaseURL, cfg.PayOS.ClientID, cfg.PayOS.APIKey, cfg.PayOS.ChecksumKey)
	engine := reconcile.NewEngine(
		repository.NewPaymentRecordRepository(db),
		repository.NewAppointmentRepository(db),
		repository.NewConsultationRepository(db),
		gateway,
		deadLetters,
		reconcile.Windows{
			Appointment:  cfg.Payment.AppointmentWindow,
			Consultation: cfg.Payment.ConsultationWindow,
			PollTimeout:  cfg.Payment.PollTimeout,
		},
	)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sweeper.New(engine, cfg.Payment.SweepInterval, cfg.Payment.SweepBatch).Run(sweepCtx)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.Setup(cfg, engine),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Printf("server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")
	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("server shutdown:", err)
	}
	log.Println("server stopped")
}
