package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rummi-server/internal/meld"
	"rummi-server/internal/tiles"
)

const (
	DefaultSkipGrace = 60 * time.Second
	MaxNameLength    = 20
)

// Controller applies player commands to stored sessions. It holds no session
// state of its own; callers serialize commands per session code.
type Controller struct {
	store    Store
	bindings Bindings
	now      func() time.Time
	rng      *rand.Rand
	grace    time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRand seeds shuffling and code generation.
func WithRand(src rand.Source) Option {
	return func(c *Controller) { c.rng = rand.New(&lockedSource{src: src}) }
}

func WithSkipGrace(d time.Duration) Option {
	return func(c *Controller) { c.grace = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

func NewController(store Store, bindings Bindings, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		bindings: bindings,
		now:      time.Now,
		grace:    DefaultSkipGrace,
		logger:   slog.Default(),
		tracer:   otel.Tracer("rummi-server/session"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) span(ctx context.Context, op, code string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "session."+op, trace.WithAttributes(attribute.String("session.code", code)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
	}
	span.End()
}

// load fetches the session for a client supplied code.
func (c *Controller) load(ctx context.Context, code string) (*Session, error) {
	code = NormalizeCode(code)
	if ValidateCode(code) != nil {
		return nil, reject(CodeGameNotFound, "Game not found")
	}

	s, err := c.store.Get(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return nil, reject(CodeGameNotFound, "Game not found")
	}
	if err != nil {
		return nil, storeFailure("get", code, err)
	}
	return s, nil
}

func (c *Controller) save(ctx context.Context, s *Session) error {
	s.UpdatedAt = c.now()
	if err := c.store.Put(ctx, s); err != nil {
		return storeFailure("put", s.Code, err)
	}
	return nil
}

func (c *Controller) caller(s *Session, connID string) (int, *Player, error) {
	idx := s.PlayerIndexByConn(connID)
	if idx < 0 {
		return -1, nil, reject(CodeNotInGame, "You are not in this game")
	}
	return idx, s.Players[idx], nil
}

// turnCheck enforces the preconditions shared by draws and drops.
func turnCheck(s *Session, idx int) error {
	if s.Status != StatusPlaying {
		return reject(CodeNotPlaying, "Game is not in progress")
	}
	if idx != s.CurrentPlayerIndex {
		return reject(CodeNotYourTurn, "Not your turn")
	}
	return nil
}

// seatedElsewhere rejects a connection that still holds a seat in a live
// session other than code. Bindings left behind by finished or deleted
// sessions do not count.
func (c *Controller) seatedElsewhere(ctx context.Context, connID, code string) error {
	bound, err := c.bindings.Lookup(ctx, connID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeFailure("lookup", code, err)
	}
	if bound == code {
		return nil
	}

	other, err := c.store.Get(ctx, bound)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeFailure("get", bound, err)
	}
	if other.Status.Terminal() || other.PlayerIndexByConn(connID) < 0 {
		return nil
	}
	return reject(CodeAlreadyInGame, "You are already in another game")
}

func to(connID, name string, payload any) Outbound {
	return Outbound{ConnID: connID, Event: Event{Name: name, Payload: payload}}
}

// each builds one event per connected player, skipping exceptID.
func each(s *Session, exceptID string, build func(p *Player) Event) []Outbound {
	var out []Outbound
	for _, p := range s.Players {
		if p.ID == exceptID || !p.Connected || p.ConnectionID == "" {
			continue
		}
		out = append(out, Outbound{ConnID: p.ConnectionID, Event: build(p)})
	}
	return out
}

func withState(s *Session, build func(state GameState) any, name string) func(p *Player) Event {
	return func(p *Player) Event {
		return Event{Name: name, Payload: build(StateFor(s, p.ID))}
	}
}

func turnChanged(s *Session) []Outbound {
	payload := TurnChangedPayload{CurrentPlayerIndex: s.CurrentPlayerIndex}
	return each(s, "", func(*Player) Event {
		return Event{Name: EventTurnChanged, Payload: payload}
	})
}

// Create opens a new waiting session and returns its code to the caller. The
// caller is not a member until it joins.
func (c *Controller) Create(ctx context.Context, connID string) (out []Outbound, err error) {
	ctx, span := c.span(ctx, "create", "")
	defer func() { endSpan(span, err) }()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := c.now()
		s := &Session{
			ID:        NewSessionID(),
			Code:      GenerateCode(c.rng),
			Players:   []*Player{},
			Pool:      []tiles.Tile{},
			Status:    StatusWaiting,
			CreatedAt: now,
			UpdatedAt: now,
		}

		err := c.store.Create(ctx, s)
		if errors.Is(err, ErrCodeTaken) {
			continue
		}
		if err != nil {
			return nil, storeFailure("create", s.Code, err)
		}

		span.SetAttributes(attribute.String("session.code", s.Code))
		c.logger.InfoContext(ctx, "game created", "code", s.Code, "session_id", s.ID)
		return []Outbound{to(connID, EventGameCreated, GameCreatedPayload{Code: s.Code})}, nil
	}
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", reject(CodeNameInvalid, "Name cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", reject(CodeNameInvalid, "Name must be at most %d characters", MaxNameLength)
	}
	return name, nil
}

func (c *Controller) Join(ctx context.Context, connID, code, name string) (out []Outbound, err error) {
	ctx, span := c.span(ctx, "join", code)
	defer func() { endSpan(span, err) }()

	name, err = validateName(name)
	if err != nil {
		return nil, err
	}

	s, err := c.load(ctx, code)
	if err != nil {
		return nil, err
	}

	if s.Status != StatusWaiting {
		return nil, reject(CodeAlreadyStarted, "Game already started")
	}
	if len(s.Players) >= MaxPlayers {
		return nil, reject(CodeGameFull, "Game is full")
	}
	if s.PlayerIndexByConn(connID) >= 0 {
		return nil, reject(CodeAlreadyInGame, "You already joined this game")
	}
	if err := c.seatedElsewhere(ctx, connID, s.Code); err != nil {
		return nil, err
	}
	for _, p := range s.Players {
		if strings.EqualFold(p.Name, name) {
			return nil, reject(CodeNameTaken, "Name already taken")
		}
	}

	player := &Player{
		ID:           NewPlayerID(),
		Name:         name,
		ConnectionID: connID,
		Rack:         []tiles.Tile{},
		Connected:    true,
	}
	s.Players = append(s.Players, player)

	if err := c.bindings.Bind(ctx, connID, s.Code); err != nil {
		return nil, storeFailure("bind", s.Code, err)
	}
	if err := c.save(ctx, s); err != nil {
		_ = c.bindings.Unbind(ctx, connID)
		return nil, err
	}

	c.logger.InfoContext(ctx, "player joined", "code", s.Code, "player_id", player.ID, "players", len(s.Players))

	out = append(out, to(connID, EventPlayerJoined, PlayerJoinedPayload{
		Player:    SelfView(s, player),
		GameState: StateFor(s, player.ID),
	}))
	public := PublicView(s, player)
	out = append(out, each(s, player.ID, withState(s, func(state GameState) any {
		return PlayerJoinedPayload{Player: public, GameState: state}
	}, EventPlayerJoined))...)
	return out, nil
}

// Start deals a fresh pool to every member. Any member may start the game.
func (c *Controller) Start(ctx context.Context, connID, code string) (out []Outbound, err error) {
	ctx, span := c.span(ctx, "start", code)
	defer func() { endSpan(span, err) }()

	s, err := c.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if _, _, err := c.caller(s, connID); err != nil {
		return nil, err
	}

	if len(s.Players) < MinPlayers {
		return nil, reject(CodeNotEnoughPlayer, "Need at least %d players to start", MinPlayers)
	}
	if s.Status != StatusWaiting {
		return nil, reject(CodeAlreadyStarted, "Game already started")
	}

	racks, rest := tiles.DealWith(c.rng, tiles.GeneratePool(), len(s.Players), tiles.DefaultRackSize)
	for i, p := range s.Players {
		p.Rack = racks[i]
		p.LastDroppedTile = nil
	}
	s.Pool = rest
	s.Status = StatusPlaying
	s.CurrentPlayerIndex = 0
	s.HasDrawnThisTurn = false
	s.WinnerID = nil

	if err := c.save(ctx, s); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "game started", "code", s.Code, "players", len(s.Players), "pool", len(s.Pool))

	out = each(s, "", withState(s, func(state GameState) any {
		return GameStatePayload{GameState: state}
	}, EventGameStarted))
	return append(out, turnChanged(s)...), nil
}

// DrawFromPool takes the top pool tile. Drawing from an empty pool ends the
// game as a draw.
func (c *Controller) DrawFromPool(ctx context.Context, connID, code string) (out []Outbound, err error) {
	ctx, span := c.span(ctx, "draw_pool", code)
	defer func() { endSpan(span, err) }()

	s, err := c.load(ctx, code)
	if err != nil {
		return nil, err
	}
	idx, player, err := c.caller(s, connID)
	if err != nil {
		return nil, err
	}
	if err := turnCheck(s, idx); err != nil {
		return nil, err
	}
	if s.HasDrawnThisTurn {
		return nil, reject(CodeAlreadyDrew, "You already drew this turn")
	}

	if len(s.Pool) == 0 {
		s.Status = StatusDraw
		s.WinnerID = nil
		if err := c.save(ctx, s); err != nil {
			return nil, err
		}

		c.logger.InfoContext(ctx, "game drawn, pool exhausted", "code", s.Code)
		return each(s, "", withState(s, func(state GameState) any {
			return GameOverPayload{GameState: state, IsDraw: true}
		}, EventGameOver)), nil
	}

	tile := s.Pool[0]
	s.Pool = s.Pool[1:]
	player.Rack = append(player.Rack, tile)
	s.HasDrawnThisTurn = true
	returned := s.returnDiscard(s.LeftNeighbor(idx))

	if err := c.save(ctx, s); err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "tile drawn from pool", "code", s.Code, "player_id", player.ID, "pool", len(s.Pool))
	out = append(out, to(connID, EventTileDrawn, TileDrawnPayload{Tile: tile, GameState: StateFor(s, player.ID)}))
	notice := PlayerDrewTilePayload{PlayerIndex: idx, PoolSize: len(s.Pool), DiscardReturned: returned}
	out = append(out, each(s, player.ID, func(*Player) Event {
		return Event{Name: EventPlayerDrewTile, Payload: notice}
	})...)
	return out, nil
}

// DrawFromNeighbor takes the tile the previous player just dropped.
func (c *Controller) DrawFromNeighbor(ctx context.Context, connID, code string) (out []Outbound, err error) {
	ctx, span := c.span(ctx, "draw_neighbor", code)
	defer func() { endSpan(span, err) }()

	s, err := c.load(ctx, code)
	if err != nil {
		return nil, err
	}
	idx, player, err := c.caller(s, connID)
	if err != nil {
		return nil, err
	}
	if err := turnCheck(s, idx); err != nil {
		return nil, err
	}
	if s.HasDrawnThisTurn {
		return nil, reject(CodeAlreadyDrew, "You already drew this turn")
	}

	neighborIdx := s.LeftNeighbor(idx)
	neighbor := s.Players[neighborIdx]
	if neighborIdx == idx || neighbor.LastDroppedTile == nil {
		return nil, reject(CodeNoTileAvailable, "No tile available from your neighbor")
	}

	tile := *neighbor.LastDroppedTile
	neighbor.LastDroppedTile = nil
	player.Rack = append(player.Rack, tile)
	s.HasDrawnThisTurn = true

	if err := c.save(ctx, s); err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "tile taken from neighbor", "code", s.Code, "player_id", player.ID, "neighbor_id", neighbor.ID)
	out = append(out, to(connID, EventTileDrawn, TileDrawnPayload{Tile: tile, GameState: StateFor(s, player.ID)}))
	taken := NeighborTileTakenPayload{TakerIndex: idx, NeighborIndex: neighborIdx}
	out = append(out, each(s, "", func(*Player) Event {
		return Event{Name: EventNeighborTileTaken, Payload: taken}
	})...)
	return out, nil
}

// DropTile discards a tile from the caller's rack and passes the turn. An
// unclaimed earlier discard of the caller goes back under the pool.
func (c *Controller) DropTile(ctx context.Context, connID, code, tileID string) (out []Outbound, err error) {
	ctx, span := c.span(ctx, "drop", code)
	defer func() { endSpan(span, err) }()

	s, err := c.load(ctx, code)
	if err != nil {
		return nil, err
	}
	idx, player, err := c.caller(s, connID)
	if err != nil {
		return nil, err
	}
	if err := turnCheck(s, idx); err != nil {
		return nil, err
	}
	if !s.HasDrawnThisTurn {
		return nil, reject(CodeMustDrawFirst, "You must draw a tile first")
	}

	rack, tile, ok := tiles.Remove(player.Rack, tileID)
	if !ok {
		return nil, reject(CodeTileNotInRack, "Tile not in your rack")
	}

	if player.LastDroppedTile != nil {
		s.Pool = append(s.Pool, *player.LastDroppedTile)
	}
	player.Rack = rack
	player.LastDroppedTile = &tile
	s.advanceTurn()

	if err := c.save(ctx, s); err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "tile dropped", "code", s.Code, "player_id", player.ID, "tile_id", tile.ID)
	out = each(s, "", withState(s, func(state GameState) any {
		return TileDroppedPayload{PlayerIndex: idx, Tile: tile, GameState: state}
	}, EventTileDropped))
	return append(out, turnChanged(s)...), nil
}

// AnnounceWin checks the caller's claimed arrangement. A bad claim is answered
// with invalid-announce and leaves the session untouched.
func (c *Controller) AnnounceWin(ctx context.Context, connID, code string, melds []meld.Meld) (out []Outbound, err error) {
	ctx, span := c.span(ctx, "announce_win", code)
	defer func() { endSpan(span, err) }()

	s, err := c.load(ctx, code)
	if err != nil {
		return nil, err
	}
	_, player, err := c.caller(s, connID)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusPlaying {
		return nil, reject(CodeNotPlaying, "Game is not in progress")
	}

	winning, err := meld.CanAnnounceWin(player.Rack, melds)
	if err != nil {
		reason := meld.ErrMeldsInvalid.Error()
		if errors.Is(err, meld.ErrTilesMismatch) {
			reason = meld.ErrTilesMismatch.Error()
			c.logger.WarnContext(ctx, "win claim does not match rack", "code", s.Code, "player_id", player.ID, "error", err)
		}
		return []Outbound{to(connID, EventInvalidAnnounce, ReasonPayload{Reason: reason})}, nil
	}

	winnerID := player.ID
	s.Status = StatusFinished
	s.WinnerID = &winnerID

	if err := c.save(ctx, s); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "game won", "code", s.Code, "winner_id", winnerID)
	return each(s, "", withState(s, func(state GameState) any {
		return GameOverPayload{WinnerID: &winnerID, GameState: state, WinningMelds: winning}
	}, EventGameOver)), nil
}

// Leave removes the caller from the session. Leaving an unknown session is a
// no-op. If a game in progress drops below two players the remaining player
// wins by forfeit.
func (c *Controller) Leave(ctx context.Context, connID, code string) (out []Outbound, err error) {
	ctx, span := c.span(ctx, "leave", code)
	defer func() { endSpan(span, err) }()

	s, err := c.load(ctx, code)
	if ErrorCode(err) == CodeGameNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	idx := s.PlayerIndexByConn(connID)
	if idx < 0 {
		return nil, nil
	}

	wasCurrent := idx == s.CurrentPlayerIndex
	left := s.removePlayer(idx)
	if s.Status == StatusPlaying {
		s.Pool = append(s.Pool, left.Rack...)
		if left.LastDroppedTile != nil {
			s.Pool = append(s.Pool, *left.LastDroppedTile)
		}
	}

	forfeit := s.Status == StatusPlaying && len(s.Players) < MinPlayers
	if forfeit {
		s.Status = StatusFinished
		s.WinnerID = nil
		if len(s.Players) == 1 {
			winnerID := s.Players[0].ID
			s.WinnerID = &winnerID
		}
	}

	if err := c.save(ctx, s); err != nil {
		return nil, err
	}
	if err := c.bindings.Unbind(ctx, connID); err != nil {
		c.logger.WarnContext(ctx, "unbind failed", "conn_id", connID, "error", err)
	}

	c.logger.InfoContext(ctx, "player left", "code", s.Code, "player_id", left.ID, "players", len(s.Players))

	out = each(s, "", withState(s, func(state GameState) any {
		return PlayerLeftPayload{PlayerID: left.ID, PlayerName: left.Name, GameState: state}
	}, EventPlayerLeft))

	switch {
	case forfeit:
		out = append(out, each(s, "", withState(s, func(state GameState) any {
			return GameOverPayload{WinnerID: s.WinnerID, GameState: state, Forfeit: true}
		}, EventGameOver))...)
	case s.Status == StatusPlaying && wasCurrent:
		out = append(out, turnChanged(s)...)
	}
	return out, nil
}

// Disconnect marks the player bound to connID as offline. Unbound connections
// are ignored.
func (c *Controller) Disconnect(ctx context.Context, connID string) (out []Outbound, err error) {
	ctx, span := c.span(ctx, "disconnect", "")
	defer func() { endSpan(span, err) }()

	code, err := c.bindings.Lookup(ctx, connID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeFailure("lookup", "", err)
	}
	span.SetAttributes(attribute.String("session.code", code))

	defer func() {
		if uerr := c.bindings.Unbind(ctx, connID); uerr != nil {
			c.logger.WarnContext(ctx, "unbind failed", "conn_id", connID, "error", uerr)
		}
	}()

	s, err := c.load(ctx, code)
	if ErrorCode(err) == CodeGameNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	idx := s.PlayerIndexByConn(connID)
	if idx < 0 {
		return nil, nil
	}

	now := c.now()
	player := s.Players[idx]
	player.Connected = false
	player.ConnectionID = ""
	player.DisconnectedAt = &now

	if err := c.save(ctx, s); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "player disconnected", "code", s.Code, "player_id", player.ID)
	return each(s, player.ID, withState(s, func(state GameState) any {
		return PlayerDisconnectedPayload{PlayerID: player.ID, PlayerName: player.Name, GameState: state}
	}, EventPlayerDisconnected)), nil
}

// Reconnect reattaches a known player to a new connection. A connection the
// player still held is told it was replaced.
func (c *Controller) Reconnect(ctx context.Context, connID, code, playerID string) (out []Outbound, err error) {
	ctx, span := c.span(ctx, "reconnect", code)
	defer func() { endSpan(span, err) }()

	failed := func(reason string) []Outbound {
		return []Outbound{to(connID, EventReconnectFailed, ReasonPayload{Reason: reason})}
	}

	s, err := c.load(ctx, code)
	if ErrorCode(err) == CodeGameNotFound {
		return failed("Game not found"), nil
	}
	if err != nil {
		return nil, err
	}

	idx := s.PlayerIndexByID(playerID)
	if idx < 0 {
		return failed("Player not found"), nil
	}
	if seat := s.PlayerIndexByConn(connID); seat >= 0 && seat != idx {
		return nil, reject(CodeAlreadyInGame, "You are already in another game")
	}
	if err := c.seatedElsewhere(ctx, connID, s.Code); err != nil {
		return nil, err
	}

	player := s.Players[idx]
	previous := player.ConnectionID
	player.ConnectionID = connID
	player.Connected = true
	player.DisconnectedAt = nil

	if err := c.bindings.Bind(ctx, connID, s.Code); err != nil {
		return nil, storeFailure("bind", s.Code, err)
	}
	if err := c.save(ctx, s); err != nil {
		_ = c.bindings.Unbind(ctx, connID)
		return nil, err
	}

	if previous != "" && previous != connID {
		if err := c.bindings.Unbind(ctx, previous); err != nil {
			c.logger.WarnContext(ctx, "unbind failed", "conn_id", previous, "error", err)
		}
		out = append(out, to(previous, EventDisconnectedElsewhere, MessagePayload{Message: "You connected from another device"}))
	}

	c.logger.InfoContext(ctx, "player reconnected", "code", s.Code, "player_id", player.ID)

	out = append(out, to(connID, EventReconnectSuccess, ReconnectSuccessPayload{
		Player:    SelfView(s, player),
		GameState: StateFor(s, player.ID),
	}))
	out = append(out, each(s, player.ID, withState(s, func(state GameState) any {
		return PlayerReconnectedPayload{PlayerID: player.ID, GameState: state}
	}, EventPlayerReconnected))...)
	return out, nil
}

// RequestSkipTurn passes the turn of a current player who has been offline for
// longer than the grace period.
func (c *Controller) RequestSkipTurn(ctx context.Context, connID, code string) (out []Outbound, err error) {
	ctx, span := c.span(ctx, "skip_turn", code)
	defer func() { endSpan(span, err) }()

	s, err := c.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if _, _, err := c.caller(s, connID); err != nil {
		return nil, err
	}
	if s.Status != StatusPlaying {
		return nil, reject(CodeNotPlaying, "Game is not in progress")
	}

	skipped := s.CurrentPlayer()
	if skipped.Connected {
		return nil, reject(CodeStillConnected, "Player is still connected")
	}

	var offline time.Duration
	if skipped.DisconnectedAt != nil {
		offline = c.now().Sub(*skipped.DisconnectedAt)
	}
	if remaining := c.grace - offline; remaining > 0 {
		return nil, reject(CodeSkipTooEarly, "Wait %ds before skipping", int(math.Ceil(remaining.Seconds())))
	}

	s.returnDiscard(s.LeftNeighbor(s.CurrentPlayerIndex))
	s.advanceTurn()
	if err := c.save(ctx, s); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "turn skipped", "code", s.Code, "player_id", skipped.ID)

	out = each(s, "", withState(s, func(state GameState) any {
		return TurnSkippedPayload{SkippedPlayerID: skipped.ID, SkippedPlayerName: skipped.Name, GameState: state}
	}, EventTurnSkipped))
	return append(out, turnChanged(s)...), nil
}
