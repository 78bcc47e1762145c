package client

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/gateway"
	"github.com/victornm/quizroom/internal/leaderboard"
	"github.com/victornm/quizroom/internal/relay"
)

func (s *Client) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// view returns the reconciled session as the bot sees it, or the finished game once the bot has
// left the room.
func (s *Client) view(c *gin.Context) {
	if ctrl := s.Session(); ctrl != nil && ctrl.Room() != "" {
		c.JSON(http.StatusOK, ctrl.View())
		return
	}

	if v, ok := s.lastView(); ok {
		c.JSON(http.StatusOK, v)
		return
	}

	abort(c, errors.New(errors.CodeNotFound, errors.WithMessagef("no session")))
}

func (s *Client) roomLeaderboard(c *gin.Context) {
	if s.service.leaderboard == nil {
		abort(c, errLeaderboardDisabled)
		return
	}

	l, err := s.service.leaderboard.GetLeaderboard(c, leaderboard.GetLeaderboardRequest{
		RoomCode: gateway.NormalizeRoomCode(c.Param("room")),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, relay.NewLeaderboard(*l))
}

func (s *Client) globalLeaderboard(c *gin.Context) {
	if s.service.leaderboard == nil {
		abort(c, errLeaderboardDisabled)
		return
	}

	limit := 0
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid limit: %s", q)))
			return
		}
		limit = n
	}

	l, err := s.service.leaderboard.GetGlobalLeaderboard(c, limit)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, relay.NewLeaderboard(*l))
}

var errLeaderboardDisabled = errors.New(errors.CodeUnavailable, errors.WithMessagef("leaderboard needs redis"))

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": gin.H{"code": e.Code.String(), "message": e.Message}})
}
