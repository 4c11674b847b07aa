package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"bookline/agent/internal/api"
	"bookline/agent/internal/booking"
	"bookline/agent/internal/config"
	"bookline/agent/internal/floor"
	"bookline/agent/internal/health"
	"bookline/agent/internal/logger"
	"bookline/agent/internal/orchestrator"
	"bookline/agent/internal/store"
	"bookline/agent/internal/telephony"
)

// ended calls stay visible to the ops API this long
const callRetention = time.Hour

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("server stopped")
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cl closers
	defer func() { cl.close(log) }()

	rdb, err := newRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	if rdb != nil {
		cl.add(rdb.Close)
	}
	st, err := openStorage(ctx, cfg, &cl, log)
	if err != nil {
		return err
	}
	cal, err := openCalendar(cfg, rdb)
	if err != nil {
		return err
	}
	rec, err := openRecognizer(ctx, cfg, &cl, log)
	if err != nil {
		return err
	}
	syn, err := openSynthesizer(ctx, cfg, &cl, log)
	if err != nil {
		return err
	}
	classifier, err := openClassifier(ctx, cfg, log)
	if err != nil {
		return err
	}

	calls := store.New()
	media := telephony.NewRegistry()
	ctrl := orchestrator.New(orchestrator.Deps{
		Recognizer:  rec,
		Synthesizer: syn,
		Business:    openBusiness(cfg, rdb),
		Calendar:    cal,
		Storage:     st,
		Classifier:  classifier,
		Calls:       calls,
		Media:       media,
	}, orchestrator.Options{
		Floor: floor.Params{
			Grace:     cfg.Turn.Grace,
			Hold:      cfg.Turn.Hold,
			Dropout:   cfg.Turn.Dropout,
			MinRMS:    cfg.Turn.MinRMS,
			MinTokens: cfg.Turn.MinTokens,
		},
		Format:             inboundFormat(cfg),
		RecognitionTimeout: cfg.Turn.RecognitionTimeout,
		TurnBudget:         cfg.Turn.TurnBudget,
		SynthesisTimeout:   cfg.Turn.SynthesisTimeout,
		MaxReprompts:       cfg.Turn.MaxReprompts,
		Booking: booking.Options{
			Alternatives: cfg.Business.Alternatives,
			HorizonDays:  cfg.Business.HorizonDays,
			Policy:       booking.Policy{RequireBothContacts: cfg.Business.RequireBothContacts},
		},
		Log: log,
	})

	checks := []health.Check{health.Storage(st), health.Calendar(cal), health.Providers(cfg)}
	if cfg.TTS.Primary == "elevenlabs" || cfg.TTS.Fallback == "elevenlabs" {
		checks = append(checks, health.ElevenLabsVoice(cfg, nil))
	}
	checker := health.NewChecker(5*time.Second, 3*time.Second, checks...)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewRouter(api.NewHandlers(cfg, calls, media, ctrl, checker, log)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// gRPC health with keepalive for fast death detection
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 2 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		return err
	}

	bg, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	go checker.Publish(bg, hs, 10*time.Second, logger.Component(log, "health"))
	go prune(bg, calls, log)

	errc := make(chan error, 2)
	go func() {
		log.WithField("addr", lis.Addr().String()).Info("grpc health listening")
		errc <- gs.Serve(lis)
	}()
	go func() {
		log.WithField("addr", srv.Addr).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received; stopping server...")
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	// Hang up live calls before draining HTTP; media sockets are hijacked
	// and Shutdown does not wait for them.
	cancelBG()
	hs.Shutdown()
	if n := media.HangupAll(); n > 0 {
		log.WithField("calls", n).Info("hung up live calls")
		waitCalls(media, 5*time.Second)
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	gs.GracefulStop()
	return nil
}

// waitCalls gives hung-up calls time to flush their summaries.
func waitCalls(media *telephony.Registry, d time.Duration) {
	deadline := time.Now().Add(d)
	for media.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

func prune(ctx context.Context, calls *store.Store, log *logrus.Logger) {
	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := calls.PruneEnded(now.Add(-callRetention)); n > 0 {
				log.WithField("calls", n).Debug("pruned ended calls")
			}
		}
	}
}
