package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/wordchain/internal/admin"
	"github.com/victornm/wordchain/internal/api"
	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/event"
	"github.com/victornm/wordchain/internal/leaderboard"
	"github.com/victornm/wordchain/internal/lexicon"
	"github.com/victornm/wordchain/internal/registry"
	"github.com/victornm/wordchain/internal/session"
	"github.com/victornm/wordchain/internal/stats"
	"github.com/victornm/wordchain/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	// Postgres is optional. Without an address stats go to SQLite and the accepted
	// words table is not read.
	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	SQLite struct {
		Path string
	}

	Lexicon struct {
		Files   []string
		URLs    []string
		Refresh time.Duration
	}

	Game struct {
		OwnerID       int64
		VirtualPlayer struct {
			ID   int64
			Name string
		}
		KillGrace time.Duration
	}

	Events struct {
		PoolSize int
		Timeout  time.Duration
	}
}

// DefaultConfig returns the values used when neither the file nor the environment sets them.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Redis.Leaderboard.Addrs = []string{"localhost:6379"}
	c.Redis.Leaderboard.Prefix = "wordchain"
	c.Redis.Pubsub.Addrs = []string{"localhost:6379"}
	c.Redis.Pubsub.Prefix = "wordchain"
	c.SQLite.Path = "data/wordchain.db"
	c.Lexicon.Files = []string{"data/words.txt"}
	c.Lexicon.Refresh = 3 * time.Hour
	c.Game.VirtualPlayer.Name = "Wordchain"
	c.Game.KillGrace = 2 * time.Second
	c.Events.PoolSize = 100
	c.Events.Timeout = 5 * time.Second
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		lexicon     *lexicon.Lexicon
		refresher   *lexicon.Refresher
		stats       *stats.Service
		store       stats.Store
		leaderboard *leaderboard.Service
		admins      *admin.Checker
		pubsub      *api.Pubsub
		registry    *registry.Registry
	}

	api  *api.API
	http *http.Server
	grpc *grpc.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.eb = event.NewBus(event.WithPoolSize(c.Events.PoolSize), event.WithTimeout(c.Events.Timeout))
	telemetry.NewGameMetrics(prometheus.DefaultRegisterer).Subscribe(s.eb)

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect("leaderboard", s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	p := s.c.Postgres
	if p.Addr == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", p.User, p.Pass, p.Addr, p.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.initLexicon(ctx); err != nil {
		return fmt.Errorf("lexicon: %w", err)
	}

	if err := s.initStats(ctx); err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	s.service.admins = admin.NewChecker(admin.Config{
		Redis:   s.infra.redis.pubsub,
		Prefix:  s.c.Redis.Pubsub.Prefix,
		OwnerID: s.c.Game.OwnerID,
	})

	s.service.pubsub = api.NewPubsub(api.PubsubConfig{
		Redis:    s.infra.redis.pubsub,
		Prefix:   s.c.Redis.Pubsub.Prefix,
		EventBus: s.eb,
	})

	s.service.registry = registry.New(registry.Config{
		Session: session.Config{
			Sink:     s.service.pubsub,
			Lexicon:  s.service.lexicon,
			Events:   s.eb,
			Admins:   s.service.admins,
			Notifier: s.service.pubsub,
			OwnerID:  s.c.Game.OwnerID,
			VirtualPlayer: domain.User{
				ID:   s.c.Game.VirtualPlayer.ID,
				Name: s.c.Game.VirtualPlayer.Name,
			},
		},
		KillGrace: s.c.Game.KillGrace,
	})

	return nil
}

func (s *Server) initLexicon(ctx context.Context) error {
	sources := lexiconSources(s.c)
	if s.infra.postgres != nil {
		sources = append(sources, lexicon.PostgresSource{DB: s.infra.postgres})
	}

	s.service.lexicon = lexicon.New(nil)
	s.service.refresher = lexicon.NewRefresher(lexicon.RefresherConfig{
		Lexicon:  s.service.lexicon,
		Sources:  sources,
		Interval: s.c.Lexicon.Refresh,
	})

	return s.service.refresher.Refresh(ctx)
}

func lexiconSources(c Config) []lexicon.Source {
	var sources []lexicon.Source
	for _, f := range c.Lexicon.Files {
		sources = append(sources, lexicon.FileSource{Path: f})
	}
	for _, u := range c.Lexicon.URLs {
		sources = append(sources, lexicon.HTTPSource{URL: u, Client: &http.Client{Timeout: 30 * time.Second}})
	}
	return sources
}

func (s *Server) initStats(ctx context.Context) error {
	if s.infra.postgres != nil {
		store := stats.NewPostgresStore(s.infra.postgres)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		s.service.store = store
	} else {
		store, err := stats.OpenSQLite(ctx, s.c.SQLite.Path)
		if err != nil {
			return err
		}
		s.service.store = store
	}

	s.service.stats = stats.NewService(stats.Config{
		EventBus: s.eb,
		Store:    s.service.store,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor(), telemetry.GRPCStreamInterceptor())

	s.api = api.New(api.Config{
		GRPC:        s.grpc,
		Registry:    s.service.registry,
		Lexicon:     s.service.lexicon,
		Leaderboard: s.service.leaderboard,
		Stats:       s.service.stats,
		Admins:      s.service.admins,
		OwnerID:     s.c.Game.OwnerID,
	})
	s.api.Register(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := s.ctx

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		return s.service.refresher.Run(ctx)
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.cancel()
	s.api.Shutdown()

	if err := s.service.registry.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown games failed", "error", err)
	}

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	if err := s.service.store.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close stats store failed", "error", err)
	}
	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}
	_ = s.infra.redis.leaderboard.Close()
	_ = s.infra.redis.pubsub.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}

// LoadLexicon reads the configured files and URLs without connecting to anything else.
func LoadLexicon(ctx context.Context, c Config) (*lexicon.Lexicon, error) {
	words, err := lexicon.Load(ctx, lexiconSources(c)...)
	if err != nil {
		return nil, fmt.Errorf("server: load lexicon: %w", err)
	}

	return lexicon.New(words), nil
}
