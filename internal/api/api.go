package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/wordchain/internal/domain"
	"github.com/victornm/wordchain/internal/errors"
	"github.com/victornm/wordchain/internal/leaderboard"
	"github.com/victornm/wordchain/internal/registry"
	"github.com/victornm/wordchain/internal/session"
	"github.com/victornm/wordchain/internal/stats"
)

// GamesService is the health service name that reports NOT_SERVING in maintenance mode.
const GamesService = "wordchain.Games"

const defaultSearchLimit = 20

type Lexicon interface {
	Contains(word string) bool
	PrefixSearch(prefix string, limit int) []string
	Count() int
}

type Admins interface {
	IsAdmin(ctx context.Context, groupID, userID int64) (bool, error)
	Grant(ctx context.Context, groupID, userID int64) error
	Revoke(ctx context.Context, groupID, userID int64) error
}

type Config struct {
	GRPC        *grpc.Server
	Registry    *registry.Registry
	Lexicon     Lexicon
	Leaderboard *leaderboard.Service
	Stats       *stats.Service
	Admins      Admins
	OwnerID     int64
}

// API is the command and query surface the chat transport talks to.
type API struct {
	reg     *registry.Registry
	lex     Lexicon
	ls      *leaderboard.Service
	ss      *stats.Service
	admins  Admins
	ownerID int64
	health  *health.Server
}

func New(c Config) *API {
	a := &API{
		reg:     c.Registry,
		lex:     c.Lexicon,
		ls:      c.Leaderboard,
		ss:      c.Stats,
		admins:  c.Admins,
		ownerID: c.OwnerID,
		health:  health.NewServer(),
	}

	// gRPC APIs
	if c.GRPC != nil {
		healthpb.RegisterHealthServer(c.GRPC, a.health)
	}
	a.syncHealth()

	return a
}

// Register adds the HTTP routes to e.
func (a *API) Register(e *gin.Engine) {
	g := e.Group("/groups/:group")
	g.GET("/game", a.GetGame)
	g.POST("/games", a.StartGame)
	g.DELETE("/game", a.KillGame)
	g.POST("/join", a.Join)
	g.POST("/flee", a.Flee)
	g.POST("/forcejoin", a.ForceJoin)
	g.POST("/forceflee", a.ForceFlee)
	g.POST("/extend", a.Extend)
	g.POST("/forcestart", a.ForceStart)
	g.POST("/vp", a.AddVirtualPlayer)
	g.DELETE("/vp", a.RemoveVirtualPlayer)
	g.POST("/skip", a.ForceSkip)
	g.POST("/maxplayers", a.IncreaseMaxPlayers)
	g.POST("/answers", a.SubmitAnswer)
	g.GET("/stats", a.GroupStats)
	g.POST("/admins/:user", a.GrantAdmin)
	g.DELETE("/admins/:user", a.RevokeAdmin)

	e.GET("/games", a.RunInfo)
	e.PUT("/maintenance", a.SetMaintenance)
	e.GET("/words", a.SearchWords)
	e.GET("/words/:word", a.GetWord)
	e.GET("/sessions/:session/leaderboard", a.GetLeaderboard)
	e.GET("/players/:id/stats", a.PlayerStats)
	e.GET("/stats", a.GlobalStats)
}

type (
	User struct {
		ID   int64  `json:"id" binding:"required"`
		Name string `json:"name" binding:"required"`
	}

	UserRequest struct {
		User User `json:"user" binding:"required"`
	}

	StartGameRequest struct {
		Mode string `json:"mode" binding:"required"`
		User User   `json:"user" binding:"required"`
	}

	RequesterRequest struct {
		Requester int64 `json:"requester" binding:"required"`
	}

	ForceUserRequest struct {
		Requester int64 `json:"requester" binding:"required"`
		User      User  `json:"user" binding:"required"`
	}

	ExtendRequest struct {
		UserID  int64 `json:"user_id" binding:"required"`
		Seconds int   `json:"seconds"`
	}

	AnswerRequest struct {
		UserID    int64  `json:"user_id" binding:"required"`
		Text      string `json:"text" binding:"required"`
		MessageID string `json:"message_id"`
	}

	MaintenanceRequest struct {
		Requester int64 `json:"requester" binding:"required"`
		Enabled   bool  `json:"enabled"`
	}

	WordResponse struct {
		Word   string `json:"word"`
		Exists bool   `json:"exists"`
	}

	SearchWordsResponse struct {
		Words []string `json:"words"`
		Total int      `json:"total"`
	}
)

func (u User) toDomain() domain.User {
	return domain.User{ID: u.ID, Name: u.Name}
}

func (a *API) StartGame(c *gin.Context) {
	group, ok := a.groupParam(c)
	if !ok {
		return
	}

	var req StartGameRequest
	if !bind(c, &req) {
		return
	}

	mode, ok := session.ParseMode(req.Mode)
	if !ok {
		writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown game mode: %s", req.Mode)))
		return
	}

	s, created, err := a.reg.StartGame(c.Request.Context(), group, mode, req.User.toDomain())
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, s.Info())
}

func (a *API) GetGame(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, s.Info())
}

func (a *API) KillGame(c *gin.Context) {
	group, ok := a.groupParam(c)
	if !ok {
		return
	}

	var req RequesterRequest
	if !bind(c, &req) || !a.requireOwner(c, req.Requester) {
		return
	}

	if err := a.reg.Kill(c.Request.Context(), group); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) Join(c *gin.Context) {
	var req UserRequest
	a.withSession(c, &req, func(s *session.Session) error {
		return s.Join(c.Request.Context(), req.User.toDomain())
	})
}

func (a *API) Flee(c *gin.Context) {
	var req UserRequest
	a.withSession(c, &req, func(s *session.Session) error {
		return s.Flee(c.Request.Context(), req.User.ID)
	})
}

func (a *API) ForceJoin(c *gin.Context) {
	var req ForceUserRequest
	a.withSession(c, &req, func(s *session.Session) error {
		if !a.requireOwner(c, req.Requester) {
			return nil
		}
		return s.ForceJoin(c.Request.Context(), req.User.toDomain())
	})
}

func (a *API) ForceFlee(c *gin.Context) {
	var req ForceUserRequest
	a.withSession(c, &req, func(s *session.Session) error {
		if !a.requireOwner(c, req.Requester) {
			return nil
		}
		return s.ForceFlee(c.Request.Context(), req.User.ID)
	})
}

func (a *API) Extend(c *gin.Context) {
	var req ExtendRequest
	a.withSession(c, &req, func(s *session.Session) error {
		return s.Extend(c.Request.Context(), req.UserID, req.Seconds)
	})
}

func (a *API) ForceStart(c *gin.Context) {
	var req RequesterRequest
	a.withSession(c, &req, func(s *session.Session) error {
		if !a.requireAdmin(c, s.GroupID(), req.Requester) {
			return nil
		}
		s.ForceStart()
		return nil
	})
}

func (a *API) AddVirtualPlayer(c *gin.Context) {
	var req RequesterRequest
	a.withSession(c, &req, func(s *session.Session) error {
		return s.AddVirtualPlayer(c.Request.Context(), req.Requester)
	})
}

func (a *API) RemoveVirtualPlayer(c *gin.Context) {
	var req RequesterRequest
	a.withSession(c, &req, func(s *session.Session) error {
		return s.RemoveVirtualPlayer(c.Request.Context(), req.Requester)
	})
}

func (a *API) ForceSkip(c *gin.Context) {
	var req RequesterRequest
	a.withSession(c, &req, func(s *session.Session) error {
		if !a.requireOwner(c, req.Requester) {
			return nil
		}
		s.ForceSkip()
		return nil
	})
}

func (a *API) IncreaseMaxPlayers(c *gin.Context) {
	var req RequesterRequest
	a.withSession(c, &req, func(s *session.Session) error {
		if !a.requireOwner(c, req.Requester) {
			return nil
		}
		return s.IncreaseMaxPlayers(c.Request.Context())
	})
}

func (a *API) SubmitAnswer(c *gin.Context) {
	var req AnswerRequest
	a.withSession(c, &req, func(s *session.Session) error {
		return s.SubmitAnswer(c.Request.Context(), session.Answer{
			UserID: req.UserID,
			Text:   req.Text,
			Ref:    domain.MessageRef{GroupID: s.GroupID(), MessageID: req.MessageID},
		})
	})
}

func (a *API) RunInfo(c *gin.Context) {
	info := a.reg.Info()
	c.JSON(http.StatusOK, gin.H{
		"maintenance": a.reg.Maintenance(),
		"games":       info.Games,
		"running":     info.Running,
		"players":     info.Players,
		"sessions":    info.Sessions,
	})
}

func (a *API) SetMaintenance(c *gin.Context) {
	var req MaintenanceRequest
	if !bind(c, &req) || !a.requireOwner(c, req.Requester) {
		return
	}

	a.reg.SetMaintenance(req.Enabled)
	a.syncHealth()
	slog.InfoContext(c.Request.Context(), "api: maintenance mode changed", "enabled", req.Enabled)

	c.JSON(http.StatusOK, gin.H{"maintenance": req.Enabled})
}

func (a *API) GetWord(c *gin.Context) {
	w := c.Param("word")
	c.JSON(http.StatusOK, WordResponse{Word: w, Exists: a.lex.Contains(w)})
}

func (a *API) SearchWords(c *gin.Context) {
	limit := defaultSearchLimit
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid limit: %s", l)))
			return
		}
		limit = n
	}

	c.JSON(http.StatusOK, SearchWordsResponse{
		Words: a.lex.PrefixSearch(c.Query("prefix"), limit),
		Total: a.lex.Count(),
	})
}

func (a *API) GetLeaderboard(c *gin.Context) {
	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		SessionID: c.Param("session"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	resp := Leaderboard{
		SessionID: l.SessionID,
		GroupID:   l.GroupID,
		Entries:   make([]LeaderboardEntry, 0, len(l.Entries)),
	}
	for _, e := range l.Entries {
		resp.Entries = append(resp.Entries, LeaderboardEntry{UserID: e.UserID, Name: e.Name, Score: e.Score})
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) PlayerStats(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid player id: %s", c.Param("id"))))
		return
	}

	ps, err := a.ss.PlayerStats(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ps)
}

func (a *API) GroupStats(c *gin.Context) {
	group, ok := a.groupParam(c)
	if !ok {
		return
	}

	gs, err := a.ss.GroupStats(c.Request.Context(), group)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gs)
}

func (a *API) GlobalStats(c *gin.Context) {
	gs, err := a.ss.GlobalStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gs)
}

func (a *API) GrantAdmin(c *gin.Context) {
	a.changeAdmin(c, a.admins.Grant)
}

func (a *API) RevokeAdmin(c *gin.Context) {
	a.changeAdmin(c, a.admins.Revoke)
}

func (a *API) changeAdmin(c *gin.Context, change func(ctx context.Context, groupID, userID int64) error) {
	group, ok := a.groupParam(c)
	if !ok {
		return
	}

	user, err := strconv.ParseInt(c.Param("user"), 10, 64)
	if err != nil {
		writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid user id: %s", c.Param("user"))))
		return
	}

	var req RequesterRequest
	if !bind(c, &req) || !a.requireOwner(c, req.Requester) {
		return
	}

	if err := change(c.Request.Context(), group, user); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// withSession binds req, resolves the group's game and runs fn on it. A nil error from
// fn answers with the game info unless fn already wrote a response.
func (a *API) withSession(c *gin.Context, req any, fn func(s *session.Session) error) {
	s, ok := a.session(c)
	if !ok || !bind(c, req) {
		return
	}

	if err := fn(s); err != nil {
		writeError(c, err)
		return
	}

	if !c.Writer.Written() {
		c.JSON(http.StatusOK, s.Info())
	}
}

func (a *API) session(c *gin.Context) (*session.Session, bool) {
	group, ok := a.groupParam(c)
	if !ok {
		return nil, false
	}

	s, err := a.reg.Get(group)
	if err != nil {
		writeError(c, err)
		return nil, false
	}

	return s, true
}

func (a *API) groupParam(c *gin.Context) (int64, bool) {
	group, err := strconv.ParseInt(c.Param("group"), 10, 64)
	if err != nil {
		writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid group id: %s", c.Param("group"))))
		return 0, false
	}

	return group, true
}

func (a *API) requireOwner(c *gin.Context, requester int64) bool {
	if requester == a.ownerID {
		return true
	}

	writeError(c, errors.New(errors.CodePermissionDenied, errors.WithMessagef("only the bot owner can do this")))
	return false
}

func (a *API) requireAdmin(c *gin.Context, groupID, requester int64) bool {
	if requester == a.ownerID {
		return true
	}

	ok, err := a.admins.IsAdmin(c.Request.Context(), groupID, requester)
	if err != nil {
		writeError(c, err)
		return false
	}

	if !ok {
		writeError(c, errors.New(errors.CodePermissionDenied, errors.WithMessagef("only group admins can do this")))
		return false
	}

	return true
}

func (a *API) syncHealth() {
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	status := healthpb.HealthCheckResponse_SERVING
	if a.reg.Maintenance() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	a.health.SetServingStatus(GamesService, status)
}

// Shutdown marks every health service as not serving.
func (a *API) Shutdown() {
	a.health.Shutdown()
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request: %v", err), errors.WithCause(err)))
		return false
	}

	return true
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed", "path", c.FullPath(), "error", err)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
