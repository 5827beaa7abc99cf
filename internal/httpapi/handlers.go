package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/upgraded/internal/episodic"
	"github.com/fyrsmithlabs/upgraded/internal/mode"
	"github.com/fyrsmithlabs/upgraded/internal/orchestrator"
)

// Wire types. JSON field names are the stable API contract; internal
// structs stay free to change shape behind them.

type startSessionRequest struct {
	TargetRef string         `json:"target_ref"`
	Mode      string         `json:"mode,omitempty"`
	Budget    *budgetRequest `json:"budget,omitempty"`
}

type budgetRequest struct {
	MaxRounds              int   `json:"max_rounds,omitempty"`
	RoundTimeoutMs         int64 `json:"round_timeout_ms,omitempty"`
	GracePeriodMs          int64 `json:"grace_period_ms,omitempty"`
	MaxIndeterminateRounds int   `json:"max_indeterminate_rounds,omitempty"`
}

type budgetResponse struct {
	MaxRounds              int   `json:"max_rounds"`
	RoundTimeoutMs         int64 `json:"round_timeout_ms"`
	GracePeriodMs          int64 `json:"grace_period_ms"`
	MaxIndeterminateRounds int   `json:"max_indeterminate_rounds"`
}

type resultResponse struct {
	Variant       string  `json:"variant"`
	Success       bool    `json:"success"`
	QualityScore  float64 `json:"quality_score"`
	CompletedAtMs int64   `json:"completed_at_ms"`
	Summary       string  `json:"summary,omitempty"`
	Error         string  `json:"error,omitempty"`
}

type roundResponse struct {
	Round    int              `json:"round"`
	Mode     string           `json:"mode"`
	Results  []resultResponse `json:"results"`
	Winner   string           `json:"winner,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Merged   bool             `json:"merged"`
	TreeHash string           `json:"tree_hash,omitempty"`
}

type sessionResponse struct {
	ID             string          `json:"id"`
	TargetRef      string          `json:"target_ref"`
	Mode           string          `json:"mode"`
	State          string          `json:"state"`
	Budget         budgetResponse  `json:"budget"`
	Rounds         []roundResponse `json:"rounds"`
	LastMergedHash string          `json:"last_merged_hash,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
}

type toggleRequest struct {
	Mode  string `json:"mode,omitempty"`
	Cycle bool   `json:"cycle,omitempty"`
}

type episodicResponse struct {
	Target        string         `json:"target"`
	Wins          map[string]int `json:"wins"`
	Streak        int            `json:"streak"`
	StreakHolder  string         `json:"streak_holder,omitempty"`
	LastMode      string         `json:"last_mode,omitempty"`
	LastUpdatedMs int64          `json:"last_updated_ms"`
}

func sessionToWire(sess *orchestrator.Session) sessionResponse {
	out := sessionResponse{
		ID:        sess.ID,
		TargetRef: sess.TargetRef,
		Mode:      string(sess.Mode),
		State:     string(sess.State),
		Budget: budgetResponse{
			MaxRounds:              sess.Budget.MaxRounds,
			RoundTimeoutMs:         sess.Budget.RoundTimeout.Milliseconds(),
			GracePeriodMs:          sess.Budget.GracePeriod.Milliseconds(),
			MaxIndeterminateRounds: sess.Budget.MaxIndeterminateRounds,
		},
		Rounds:         make([]roundResponse, 0, len(sess.Rounds)),
		LastMergedHash: sess.LastMergedHash,
		Error:          sess.Error,
		ErrorKind:      sess.ErrorKind,
		StartedAt:      sess.StartedAt,
	}
	if !sess.EndedAt.IsZero() {
		ended := sess.EndedAt
		out.EndedAt = &ended
	}
	for _, rec := range sess.Rounds {
		round := roundResponse{
			Round:    rec.Round,
			Mode:     string(rec.Mode),
			Results:  make([]resultResponse, 0, len(rec.Results)),
			Winner:   string(rec.Winner),
			Reason:   rec.Reason,
			Merged:   rec.Merged,
			TreeHash: rec.TreeHash,
		}
		for _, res := range rec.Results {
			wire := resultResponse{
				Variant:       string(res.Role),
				Success:       res.Success,
				QualityScore:  res.QualityScore,
				CompletedAtMs: res.CompletedAtMs,
				Summary:       res.Summary,
			}
			if res.Err != nil {
				wire.Error = res.Err.Error()
			}
			round.Results = append(round.Results, wire)
		}
		out.Rounds = append(out.Rounds, round)
	}
	return out
}

func episodicToWire(rec episodic.Record) episodicResponse {
	out := episodicResponse{
		Target:       rec.Target,
		Wins:         make(map[string]int, len(rec.Wins)),
		Streak:       rec.Streak,
		StreakHolder: string(rec.StreakHolder),
		LastMode:     string(rec.LastMode),
	}
	if !rec.LastUpdated.IsZero() {
		out.LastUpdatedMs = rec.LastUpdated.UnixMilli()
	}
	for role, count := range rec.Wins {
		out.Wins[string(role)] = count
	}
	return out
}

func (s *Server) handleStartSession(c echo.Context) error {
	var req startSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TargetRef == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target_ref is required")
	}

	start := orchestrator.StartRequest{
		TargetRef: req.TargetRef,
		Mode:      mode.ID(req.Mode),
	}
	if b := req.Budget; b != nil {
		start.Budget = orchestrator.Budget{
			MaxRounds:              b.MaxRounds,
			RoundTimeout:           time.Duration(b.RoundTimeoutMs) * time.Millisecond,
			GracePeriod:            time.Duration(b.GracePeriodMs) * time.Millisecond,
			MaxIndeterminateRounds: b.MaxIndeterminateRounds,
		}
	}

	sess, err := s.sessions.Start(c.Request().Context(), start)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrSessionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	s.logger.Info("session started via api",
		zap.String("session_id", sess.ID),
		zap.String("target", sess.TargetRef),
		zap.String("mode", string(sess.Mode)))
	return c.JSON(http.StatusAccepted, sessionToWire(sess))
}

func (s *Server) handleListSessions(c echo.Context) error {
	sessions := s.sessions.List(c.Request().Context())
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionToWire(sess))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, sessionToWire(sess))
}

func (s *Server) handleAbortSession(c echo.Context) error {
	id := c.Param("id")
	if err := s.sessions.Abort(c.Request().Context(), id); err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	sess, err := s.sessions.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessionToWire(sess))
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.bridge.Status())
}

func (s *Server) handleToggleState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.bridge.ToggleState())
}

func (s *Server) handleToggle(c echo.Context) error {
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Cycle {
		return c.JSON(http.StatusOK, s.bridge.CycleModePreference())
	}
	if req.Mode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "either mode or cycle is required")
	}
	st, err := s.bridge.SetModePreference(mode.ID(req.Mode))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleListEpisodic(c echo.Context) error {
	records, err := s.memory.List(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]episodicResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, episodicToWire(rec))
	}
	return c.JSON(http.StatusOK, out)
}

// episodicTarget decodes the escaped target path parameter. Targets are
// filesystem paths, so they travel URL-escaped in a single segment.
func episodicTarget(c echo.Context) (string, error) {
	target, err := url.PathUnescape(c.Param("target"))
	if err != nil || target == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid target")
	}
	return target, nil
}

func (s *Server) handleGetEpisodic(c echo.Context) error {
	target, err := episodicTarget(c)
	if err != nil {
		return err
	}
	rec, err := s.memory.Snapshot(c.Request().Context(), target)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, episodicToWire(rec))
}

func (s *Server) handleResetEpisodic(c echo.Context) error {
	target, err := episodicTarget(c)
	if err != nil {
		return err
	}
	if err := s.memory.Reset(c.Request().Context(), target); err != nil {
		return err
	}
	s.logger.Info("episodic record reset", zap.String("target", target))
	return c.NoContent(http.StatusNoContent)
}
