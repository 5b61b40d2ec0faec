package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"consultnet/internal/callleg"
	"consultnet/internal/core/domain"
	"consultnet/internal/core/services"
	signaling "consultnet/internal/infrastructure/signal"
	webrtcinfra "consultnet/internal/infrastructure/webrtc"
	"consultnet/pkg/config"
	"consultnet/pkg/logger"
	"consultnet/pkg/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func runCall(cmd *cobra.Command, roomID string, host bool) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagServer != "" {
		cfg.Call.ServerURL = flagServer
	}
	if flagName != "" {
		cfg.Call.DisplayName = flagName
	}

	zapLogger := logger.NewWithFormat(flagLogLevel, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connecting to %s...\n", cfg.Call.ServerURL)
	client, err := signaling.Dial(ctx, cfg.Call.ServerURL, cfg.Call.Dial, log.Named("signal"))
	if err != nil {
		return err
	}
	defer client.Close()

	sessionCfg := webrtcinfra.SessionConfigFrom(cfg)
	sessionCfg.Trickle = flagTrickle
	acquirer := webrtcinfra.NewAcquirer(sessionCfg, webrtcinfra.Devices{
		Microphone:       !flagNoMicrophone,
		Camera:           !flagNoCamera,
		PermissionDenied: flagDenyPermission,
	}, log.Named("media"))

	legCfg := callleg.Config{
		DisplayName:     cfg.Call.DisplayName,
		WantsVideo:      !flagAudioOnly,
		PeerLossGrace:   cfg.Call.PeerLossGrace,
		QualityInterval: cfg.Call.QualityInterval,
	}
	if flagSimulateQuality {
		legCfg.Sampler = services.SimulatedSampler{}
	}
	leg := callleg.NewLeg(legCfg, client, acquirer, services.NewQualityService(cfg.Quality), log.Named("call"))

	updates := leg.Subscribe()
	if host {
		err = leg.StartAsInitiator(ctx, domain.RoomID(roomID))
	} else {
		err = leg.StartAsResponder(ctx, domain.RoomID(roomID))
	}
	if err != nil {
		return err
	}

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		render(out, updates)
	}()
	go readCommands(ctx, leg, cmd.InOrStdin(), out, log)

	<-leg.Done()
	<-rendered

	final := leg.Snapshot()
	if final.State == domain.CallError {
		return errors.New(final.Cause)
	}
	if !final.ConnectedAt.IsZero() {
		fmt.Fprintf(out, "Call duration %s, %d chat messages.\n",
			utils.FormatClock(final.Elapsed(time.Now())), len(final.Transcript))
	}
	return nil
}

// readCommands turns stdin lines into call actions until the call is over.
func readCommands(ctx context.Context, leg *callleg.Leg, in io.Reader, out io.Writer, log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch line {
		case "/end", "/quit":
			err = leg.EndCall(ctx)
		case "/mute":
			var muted bool
			if muted, err = leg.ToggleAudio(ctx); err == nil {
				fmt.Fprintln(out, onOff("Microphone", !muted))
			}
		case "/video":
			var off bool
			if off, err = leg.ToggleVideo(ctx); err == nil {
				fmt.Fprintln(out, onOff("Camera", !off))
			}
		default:
			_, err = leg.SendChat(ctx, line)
		}

		switch {
		case errors.Is(err, callleg.ErrCallOver):
			return
		case err != nil:
			fmt.Fprintln(out, "!", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debugw("stdin closed", "error", err)
	}
}

func onOff(device string, on bool) string {
	if on {
		return device + " on"
	}
	return device + " off"
}
