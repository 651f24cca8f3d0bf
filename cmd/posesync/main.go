package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/gpose-together/internal/apply"
	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/config"
	"github.com/DoyleJ11/gpose-together/internal/lobby"
	"github.com/DoyleJ11/gpose-together/internal/logging"
	"github.com/DoyleJ11/gpose-together/internal/nearby"
	"github.com/DoyleJ11/gpose-together/internal/relayclient"
	"github.com/DoyleJ11/gpose-together/internal/store"
	"github.com/DoyleJ11/gpose-together/internal/world"
	"github.com/DoyleJ11/gpose-together/internal/wsclient"
)

type flags struct {
	create    bool
	join      string
	rejoin    bool
	data      string
	share     string
	note      string
	autoApply bool
	report    time.Duration

	x, y, z  float64
	bearing  float64
	mapID    uint
	serverID uint
	instance uint
}

func parseFlags() flags {
	var f flags
	flag.BoolVar(&f.create, "create", false, "create a new lobby")
	flag.StringVar(&f.join, "join", "", "join the lobby with this id")
	flag.BoolVar(&f.rejoin, "rejoin", false, "rejoin the last lobby")
	flag.StringVar(&f.data, "data", "", "local character data to share")
	flag.StringVar(&f.share, "share", "", "publish the current pose to Nearby Poses with this description")
	flag.StringVar(&f.note, "note", "", "set a private note, as uid=text")
	flag.BoolVar(&f.autoApply, "auto-apply", false, "spawn and apply every member's data as it arrives")
	flag.DurationVar(&f.report, "report", 5*time.Second, "how often to log the lobby and nearby views")
	flag.Float64Var(&f.x, "x", 0, "position x")
	flag.Float64Var(&f.y, "y", 0, "position y")
	flag.Float64Var(&f.z, "z", 0, "position z")
	flag.Float64Var(&f.bearing, "bearing", 0, "facing in radians")
	flag.UintVar(&f.mapID, "map", 0, "map id")
	flag.UintVar(&f.serverID, "server", 0, "server id")
	flag.UintVar(&f.instance, "instance", 0, "instance id")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg := config.LoadClient()
	if cfg.UserUID == "" {
		fmt.Fprintln(os.Stderr, "USER_UID is required")
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, f, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("posesync stopped", zap.Error(err))
	}
}

func run(cfg config.Client, f flags, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	self := chara.UserID{UID: cfg.UserUID, Alias: cfg.UserAlias}

	st, err := store.Open(cfg.StateDB)
	if err != nil {
		return err
	}
	defer st.Close()

	if f.note != "" {
		uid, text, ok := strings.Cut(f.note, "=")
		if !ok {
			return fmt.Errorf("note %q: want uid=text", f.note)
		}
		if err := st.SetNote(uid, text); err != nil {
			return err
		}
	}

	settings, err := st.NearbySettings(cfg.Nearby)
	if err != nil {
		logger.Warn("saved nearby settings unreadable, using defaults", zap.Error(err))
	}
	lastLobby, err := st.LastLobbyID()
	if err != nil {
		return err
	}

	me := &standing{
		snap: world.New(mgl64.Vec3{f.x, f.y, f.z}, f.bearing,
			uint32(f.mapID), uint32(f.serverID), uint32(f.instance), time.Now()),
	}

	conn, err := wsclient.Dial(ctx, cfg.RelayURL, self, wsclient.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer conn.Close()

	sess := lobby.NewSession(ctx, lobby.Config{
		Self:         self,
		Transport:    conn,
		SelfState:    me,
		Notes:        st,
		Hints:        st,
		Applier:      apply.NewCoordinator(&logPoser{logger: logger.Named("poser")}, logger),
		Matcher:      world.Default,
		PushInterval: cfg.PushInterval,
		StaleAfter:   cfg.StaleAfter,
		LastLobbyID:  lastLobby,
		Logger:       logger,
	})
	defer sess.Close()

	if f.data != "" {
		if err := sess.SetLocalData(ctx, []byte(f.data)); err != nil {
			return err
		}
	}
	if err := enterLobby(ctx, sess, f); err != nil {
		return err
	}

	relay := relayclient.New(cfg.RelayURL, self)
	if f.share != "" {
		saved, err := relay.Share(ctx, nearby.SharedPose{
			Description: f.share,
			World:       me.CurrentWorldSnapshot(),
			Payload:     chara.NewPayload(self, 1, []byte(f.data)),
		})
		if err != nil {
			return err
		}
		logger.Info("pose shared", zap.String("id", saved.ID))
	}

	nb := nearby.NewService(
		nearby.NewIndex(self, st, world.Default),
		nearby.NewFetcher(relay.FollowMap(func() uint32 { return me.CurrentWorldSnapshot().MapID }), cfg.NearbyCooldown, logger),
		settings,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-conn.Done():
			return fmt.Errorf("relay connection lost: %w", conn.Err())
		}
	})
	g.Go(func() error {
		t := time.NewTicker(f.report)
		defer t.Stop()
		for {
			report(gctx, logger, sess, nb, me, f.autoApply)
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.C:
			}
		}
	})
	return g.Wait()
}

func enterLobby(ctx context.Context, sess *lobby.Session, f flags) error {
	switch {
	case f.create:
		return sess.Create(ctx)
	case f.join != "":
		return sess.Join(ctx, f.join)
	case f.rejoin:
		return sess.Rejoin(ctx)
	}
	return nil
}

func report(ctx context.Context, logger *zap.Logger, sess *lobby.Session, nb *nearby.Service, me *standing, autoApply bool) {
	v, err := sess.View(ctx)
	if err != nil {
		return
	}
	logger.Info("lobby",
		zap.Stringer("state", v.State),
		zap.String("lobby", v.LobbyID),
		zap.Int("members", len(v.Members)))

	for _, m := range v.Others() {
		fields := []zap.Field{
			zap.String("member", m.DisplayName),
			zap.Bool("data", m.HasPayload),
			zap.Uint64("version", m.PayloadVersion),
			zap.Bool("stale", m.Stale),
		}
		if m.World != nil {
			fields = append(fields,
				zap.String("where", m.WorldDescription),
				zap.String("distance", world.FormatDistance(m.Distance)))
		}
		logger.Info("member", fields...)

		if !autoApply {
			continue
		}
		switch {
		case m.CanApply:
			err = sess.ApplyMember(ctx, m.User.UID)
		case m.CanSpawn && !m.Entity.Valid():
			err = sess.SpawnAndApplyMember(ctx, m.User.UID)
		default:
			continue
		}
		if err != nil {
			logger.Warn("apply member data", zap.String("member", m.User.UID), zap.Error(err))
		}
	}

	if err := nb.Refresh(ctx); err != nil && !errors.Is(err, nearby.ErrCooldown) {
		logger.Warn("refresh nearby poses", zap.Error(err))
	}
	// headless: the nearby view counts as always open
	if !nb.ShouldSample(true) {
		return
	}
	for _, e := range nb.Sample(me.CurrentWorldSnapshot()) {
		logger.Info("nearby",
			zap.String("by", e.DisplayName),
			zap.String("description", e.Pose.Description),
			zap.String("distance", world.FormatDistance(e.Distance)))
	}
	logger.Debug("nearby markers", zap.Int("count", len(nb.Markers())))
}
