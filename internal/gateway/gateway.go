package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/rest"
)

// TokenSource supplies the bearer token. Refresh is expected to be shared by concurrent callers.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

type Config struct {
	REST   *rest.Client
	Tokens TokenSource
}

// Gateway calls the room lifecycle endpoints. It keeps no state between calls.
type Gateway struct {
	rest   *rest.Client
	tokens TokenSource
}

func New(c Config) *Gateway {
	return &Gateway{
		rest:   c.REST,
		tokens: c.Tokens,
	}
}

type CreateRoomResponse struct {
	RoomCode string
	Session  domain.Session
}

func (g *Gateway) CreateRoom(ctx context.Context, c domain.Configuration) (*CreateRoomResponse, error) {
	p, err := g.call(ctx, rest.Request{
		Op:     "create_room",
		Method: http.MethodPost,
		Path:   "/api/games/create",
		Body:   map[string]any{"gameConfiguration": configurationFromDomain(c)},
	})
	if err != nil {
		return nil, err
	}

	res := &CreateRoomResponse{RoomCode: p.RoomCode}
	if p.GameSession != nil {
		res.Session = p.GameSession.toDomain()
	}

	if res.RoomCode == "" {
		res.RoomCode = res.Session.RoomCode
	}

	if res.RoomCode == "" {
		return nil, errors.New(errors.CodeInternal, errors.WithMessagef("gateway: create room: response has no room code"))
	}

	return res, nil
}

// JoinResult is the outcome of any of the three join variants.
type JoinResult struct {
	Session        domain.Session
	WasReconnected bool
	IsHost         bool
	AlreadyInRoom  bool
}

// Join fails when the room is full, already started, or the password is wrong.
func (g *Gateway) Join(ctx context.Context, code, password string) (*JoinResult, error) {
	return g.join(ctx, "join", code, passwordBody(password))
}

// JoinOrReconnect rejoins a room the user is already a member of, reporting WasReconnected.
func (g *Gateway) JoinOrReconnect(ctx context.Context, code, password string) (*JoinResult, error) {
	return g.join(ctx, "join-or-reconnect", code, passwordBody(password))
}

type SmartJoinOptions struct {
	IsHost   bool   `json:"isHost,omitempty"`
	Password string `json:"password,omitempty"`
}

// SmartJoin lets the server decide between create, join and reconnect.
func (g *Gateway) SmartJoin(ctx context.Context, code string, opts SmartJoinOptions) (*JoinResult, error) {
	return g.join(ctx, "smart-join", code, opts)
}

func (g *Gateway) join(ctx context.Context, action, code string, body any) (*JoinResult, error) {
	path, err := roomPath(code, action)
	if err != nil {
		return nil, err
	}

	p, err := g.call(ctx, rest.Request{
		Op:     strings.ReplaceAll(action, "-", "_"),
		Method: http.MethodPost,
		Path:   path,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	if p.GameSession == nil {
		return nil, errors.New(errors.CodeInternal, errors.WithMessagef("gateway: %s: response has no game session", action))
	}

	return &JoinResult{
		Session:        p.GameSession.toDomain(),
		WasReconnected: p.WasReconnected,
		IsHost:         p.IsHost,
		AlreadyInRoom:  p.AlreadyInRoom,
	}, nil
}

func (g *Gateway) GetRoom(ctx context.Context, code string) (*domain.Session, error) {
	path, err := roomPath(code, "")
	if err != nil {
		return nil, err
	}

	return g.session(ctx, rest.Request{Op: "get_room", Method: http.MethodGet, Path: path})
}

// ActiveSession returns the room the user currently plays in, if any.
func (g *Gateway) ActiveSession(ctx context.Context) (*domain.Session, bool, error) {
	p, err := g.call(ctx, rest.Request{
		Op:     "active_session",
		Method: http.MethodGet,
		Path:   "/api/games/me/active",
	})
	if err != nil {
		return nil, false, err
	}

	if !p.HasActiveSession || p.GameSession == nil {
		return nil, false, nil
	}

	s := p.GameSession.toDomain()
	return &s, true, nil
}

func (g *Gateway) LeaveRoom(ctx context.Context, code string) error {
	path, err := roomPath(code, "leave")
	if err != nil {
		return err
	}

	_, err = g.call(ctx, rest.Request{Op: "leave_room", Method: http.MethodDelete, Path: path})
	return err
}

func (g *Gateway) SetReady(ctx context.Context, code string, ready bool) (*domain.Session, error) {
	path, err := roomPath(code, "ready")
	if err != nil {
		return nil, err
	}

	return g.session(ctx, rest.Request{
		Op:     "set_ready",
		Method: http.MethodPatch,
		Path:   path,
		Body:   map[string]bool{"isReady": ready},
	})
}

func (g *Gateway) StartGame(ctx context.Context, code string) error {
	path, err := roomPath(code, "start")
	if err != nil {
		return err
	}

	_, err = g.call(ctx, rest.Request{Op: "start_game", Method: http.MethodPost, Path: path, Body: struct{}{}})
	return err
}

type ListRoomsRequest struct {
	Status      domain.Status
	HasCapacity *bool
	Limit       int
	Skip        int
}

type RoomList struct {
	Rooms []domain.Session
	Count int
}

func (g *Gateway) ListRooms(ctx context.Context, req ListRoomsRequest) (*RoomList, error) {
	q := url.Values{}
	if req.Status != "" {
		q.Set("status", string(req.Status))
	}
	if req.HasCapacity != nil {
		q.Set("hasCapacity", strconv.FormatBool(*req.HasCapacity))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Skip > 0 {
		q.Set("skip", strconv.Itoa(req.Skip))
	}

	return g.rooms(ctx, rest.Request{Op: "list_rooms", Method: http.MethodGet, Path: "/api/games/rooms", Query: q})
}

type SearchRoomsRequest struct {
	ListRoomsRequest
	Categories      []domain.Category
	DifficultyRange []domain.Difficulty
	MinPlayers      int
	MaxPlayers      int
	IsPrivate       *bool
}

func (g *Gateway) SearchRooms(ctx context.Context, req SearchRoomsRequest) (*RoomList, error) {
	q := url.Values{}
	if req.Status != "" {
		q.Set("status", string(req.Status))
	}
	if req.HasCapacity != nil {
		q.Set("hasCapacity", strconv.FormatBool(*req.HasCapacity))
	}
	if len(req.Categories) > 0 {
		cats := make([]string, 0, len(req.Categories))
		for _, c := range req.Categories {
			cats = append(cats, string(c))
		}
		q.Set("categories", strings.Join(cats, ","))
	}
	if len(req.DifficultyRange) > 0 {
		ds := make([]string, 0, len(req.DifficultyRange))
		for _, d := range req.DifficultyRange {
			ds = append(ds, string(d))
		}
		q.Set("difficultyRange", strings.Join(ds, ","))
	}
	if req.MinPlayers > 0 {
		q.Set("minPlayers", strconv.Itoa(req.MinPlayers))
	}
	if req.MaxPlayers > 0 {
		q.Set("maxPlayers", strconv.Itoa(req.MaxPlayers))
	}
	if req.IsPrivate != nil {
		q.Set("isPrivate", strconv.FormatBool(*req.IsPrivate))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Skip > 0 {
		q.Set("skip", strconv.Itoa(req.Skip))
	}

	return g.rooms(ctx, rest.Request{Op: "search_rooms", Method: http.MethodGet, Path: "/api/games/search", Query: q})
}

// SettingsPatch holds the settings to change. Nil fields are left as they are.
type SettingsPatch struct {
	MaxPlayers      *int                `json:"maxPlayers,omitempty"`
	QuestionCount   *int                `json:"questionCount,omitempty"`
	TimePerQuestion *int                `json:"timePerQuestion,omitempty"`
	Categories      []domain.Category   `json:"categories,omitempty"`
	DifficultyRange []domain.Difficulty `json:"difficultyRange,omitempty"`
	IsPrivate       *bool               `json:"isPrivate,omitempty"`
	AllowSpectators *bool               `json:"allowSpectators,omitempty"`
	RoomName        *string             `json:"roomName,omitempty"`
	Password        *string             `json:"password,omitempty"`
}

func (g *Gateway) UpdateSettings(ctx context.Context, code string, patch SettingsPatch) (*domain.Session, error) {
	path, err := roomPath(code, "settings")
	if err != nil {
		return nil, err
	}

	return g.session(ctx, rest.Request{Op: "update_settings", Method: http.MethodPatch, Path: path, Body: patch})
}

func (g *Gateway) TransferHost(ctx context.Context, code, newHostID string) (*domain.Session, error) {
	path, err := roomPath(code, "transfer-host")
	if err != nil {
		return nil, err
	}

	if newHostID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("gateway: new host id is required"))
	}

	return g.session(ctx, rest.Request{
		Op:     "transfer_host",
		Method: http.MethodPost,
		Path:   path,
		Body:   map[string]string{"newHostId": newHostID},
	})
}

func (g *Gateway) KickPlayer(ctx context.Context, code, userID string) error {
	if userID == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("gateway: user id is required"))
	}

	path, err := roomPath(code, "kick/"+url.PathEscape(userID))
	if err != nil {
		return err
	}

	_, err = g.call(ctx, rest.Request{Op: "kick_player", Method: http.MethodDelete, Path: path})
	return err
}

// RoomStats returns the stats document of a room as the server sends it.
func (g *Gateway) RoomStats(ctx context.Context, code string) (map[string]any, error) {
	path, err := roomPath(code, "stats")
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := g.do(ctx, rest.Request{Op: "room_stats", Method: http.MethodGet, Path: path}, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func (g *Gateway) session(ctx context.Context, req rest.Request) (*domain.Session, error) {
	p, err := g.call(ctx, req)
	if err != nil {
		return nil, err
	}

	if p.GameSession == nil {
		return nil, errors.New(errors.CodeInternal, errors.WithMessagef("gateway: %s: response has no game session", req.Op))
	}

	s := p.GameSession.toDomain()
	return &s, nil
}

func (g *Gateway) rooms(ctx context.Context, req rest.Request) (*RoomList, error) {
	p, err := g.call(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &RoomList{
		Rooms: make([]domain.Session, 0, len(p.Rooms)),
		Count: p.Count,
	}
	for _, r := range p.Rooms {
		res.Rooms = append(res.Rooms, r.toDomain())
	}

	if res.Count == 0 {
		res.Count = len(res.Rooms)
	}

	return res, nil
}

// call performs the request and unwraps the {success, data} envelope. A bare game session body
// is accepted as well.
func (g *Gateway) call(ctx context.Context, req rest.Request) (*payload, error) {
	var raw json.RawMessage
	if err := g.do(ctx, req, &raw); err != nil {
		return nil, err
	}

	p := &payload{}
	if len(raw) == 0 {
		return p, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.New(errors.CodeInternal, errors.WithMessagef("gateway: %s: malformed response", req.Op), errors.WithCause(err))
	}

	if env.Success != nil && !*env.Success {
		msg := env.Message
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return nil, errors.FromHTTP(http.StatusInternalServerError, msg)
	}

	body := raw
	if len(env.Data) > 0 && string(env.Data) != "null" {
		body = env.Data
	}

	if err := json.Unmarshal(body, p); err != nil {
		return nil, errors.New(errors.CodeInternal, errors.WithMessagef("gateway: %s: malformed response", req.Op), errors.WithCause(err))
	}

	if p.GameSession == nil {
		var s GameSession
		if err := json.Unmarshal(body, &s); err == nil && s.RoomCode != "" {
			p.GameSession = &s
		}
	}

	return p, nil
}

// do sends an authenticated request. A 401 on a non-auth endpoint refreshes the token once and
// retries with the new one.
func (g *Gateway) do(ctx context.Context, req rest.Request, out any) error {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return err
	}

	req.Token = token
	err = g.rest.Do(ctx, req, out)
	if !errors.Is(err, errors.CodeUnauthenticated) || rest.IsAuthPath(req.Path) {
		return err
	}

	token, err = g.tokens.Refresh(ctx)
	if err != nil {
		return err
	}

	req.Token = token
	return g.rest.Do(ctx, req, out)
}

func roomPath(code, action string) (string, error) {
	code = NormalizeRoomCode(code)
	if code == "" {
		return "", errors.New(errors.CodeInvalidArgument, errors.WithMessagef("gateway: room code is required"))
	}

	p := "/api/games/" + url.PathEscape(code)
	if action != "" {
		p += "/" + action
	}

	return p, nil
}

// NormalizeRoomCode trims and upper-cases a user-entered room code.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func passwordBody(password string) map[string]string {
	if password == "" {
		return map[string]string{}
	}

	return map[string]string{"password": password}
}
