package counter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ae-utbm/comptoir/internal/auth"
	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/shared"
)

// SessionStore keeps till baskets in redis, keyed by
// (counter, customer, barman), with the till inactivity TTL.
type SessionStore struct {
	cache *redis.Client
	ttl   time.Duration
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(cache *redis.Client, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultInactivityTimeout
	}
	return &SessionStore{cache: cache, ttl: ttl}
}

// Load returns the basket of a till session, creating an empty one if none
// exists yet.
func (s *SessionStore) Load(ctx context.Context, counterID, customerID, barmanID int64) (*Basket, error) {
	raw, err := s.cache.Get(ctx, shared.BasketKey(counterID, customerID, barmanID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &Basket{CounterID: counterID, CustomerID: customerID, BarmanID: barmanID, NextLineID: 1}, nil
		}
		return nil, err
	}
	var b Basket
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Save persists the basket and refreshes its TTL.
func (s *SessionStore) Save(ctx context.Context, b *Basket) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, shared.BasketKey(b.CounterID, b.CustomerID, b.BarmanID), data, s.ttl).Err()
}

// Drop removes the basket.
func (s *SessionStore) Drop(ctx context.Context, b *Basket) error {
	err := s.cache.Del(ctx, shared.BasketKey(b.CounterID, b.CustomerID, b.BarmanID)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// seenRequest reports whether the request id already completed.
func (s *SessionStore) seenRequest(ctx context.Context, requestID string) (bool, error) {
	if requestID == "" {
		return false, nil
	}
	n, err := s.cache.Exists(ctx, shared.RequestSeenKey(requestID)).Result()
	return n > 0, err
}

// recordRequest marks a request id as completed. Only successful commands
// get recorded, so a till retry after a transient failure runs the command
// again instead of replaying a no-op.
func (s *SessionStore) recordRequest(ctx context.Context, requestID string) error {
	if requestID == "" {
		return nil
	}
	return s.cache.Set(ctx, shared.RequestSeenKey(requestID), "1", s.ttl).Err()
}

// Session interprets the till command language against a basket.
type Session struct {
	store   *SessionStore
	catalog *catalog.Service
	tracker *Tracker
	engine  *SellingEngine
	logger  *slog.Logger
	now     func() time.Time
}

// NewSession constructs the command interpreter.
func NewSession(store *SessionStore, cat *catalog.Service, tracker *Tracker, engine *SellingEngine, logger *slog.Logger) *Session {
	return &Session{
		store:   store,
		catalog: cat,
		tracker: tracker,
		engine:  engine,
		logger:  logger,
		now:     time.Now,
	}
}

// CommandResult is what one evaluated command produced: the updated basket,
// or a receipt when the command was finish.
type CommandResult struct {
	Basket    *Basket  `json:"basket,omitempty"`
	Receipt   *Receipt `json:"receipt,omitempty"`
	Cancelled bool     `json:"cancelled,omitempty"`
	Replayed  bool     `json:"replayed,omitempty"`
}

// productPattern matches "<n>x<code>" and bare "<code>" commands.
var productPattern = regexp.MustCompile(`^(?:(\d+)\s*[xX])?\s*([0-9A-Za-z]+)$`)

// Apply evaluates one command for the till session. A request id seen on a
// previously successful command is a no-op returning the current basket.
func (s *Session) Apply(ctx context.Context, c *catalog.Counter, customerUser *auth.User, barmanID int64, command, requestID string) (*CommandResult, error) {
	seen, err := s.store.seenRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if seen {
		basket, err := s.store.Load(ctx, c.ID, customerUser.ID, barmanID)
		if err != nil {
			return nil, err
		}
		return &CommandResult{Basket: basket, Replayed: true}, nil
	}

	result, err := s.eval(ctx, c, customerUser, barmanID, command)
	if err != nil {
		return nil, err
	}
	if err := s.store.recordRequest(ctx, requestID); err != nil {
		s.logger.Warn("record till request", slog.Any("error", err))
	}
	return result, nil
}

// Open loads the basket of a (counter, customer, barman) session, creating
// and persisting an empty one when the customer is first clicked.
func (s *Session) Open(ctx context.Context, c *catalog.Counter, customerID, barmanID int64) (*Basket, error) {
	basket, err := s.store.Load(ctx, c.ID, customerID, barmanID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, basket); err != nil {
		return nil, err
	}
	return basket, nil
}

func (s *Session) eval(ctx context.Context, c *catalog.Counter, customerUser *auth.User, barmanID int64, command string) (*CommandResult, error) {
	basket, err := s.store.Load(ctx, c.ID, customerUser.ID, barmanID)
	if err != nil {
		return nil, err
	}

	command = strings.TrimSpace(strings.ToLower(command))
	switch {
	case command == "cancel":
		if err := s.store.Drop(ctx, basket); err != nil {
			return nil, err
		}
		return &CommandResult{Cancelled: true}, nil

	case command == "finish":
		if len(basket.Lines) == 0 {
			return nil, ErrEmptyBasket
		}
		receipt, err := s.engine.Commit(ctx, CommitInput{
			Counter:  c,
			Customer: customerUser,
			BarmanID: barmanID,
			Basket:   basket,
			Now:      s.now(),
		})
		if err != nil {
			return nil, err
		}
		if err := s.store.Drop(ctx, basket); err != nil {
			s.logger.Warn("drop basket after commit", slog.Any("error", err))
		}
		return &CommandResult{Receipt: receipt}, nil

	case strings.HasPrefix(command, "del "):
		lineID, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(command, "del ")))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
		}
		if !basket.removeLine(lineID) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownLine, lineID)
		}
		if err := s.store.Save(ctx, basket); err != nil {
			return nil, err
		}
		return &CommandResult{Basket: basket}, nil

	default:
		quantity, code, err := parseProductCommand(command)
		if err != nil {
			return nil, err
		}
		if err := s.addLine(ctx, c, customerUser, barmanID, basket, code, quantity); err != nil {
			return nil, err
		}
		if err := s.store.Save(ctx, basket); err != nil {
			return nil, err
		}
		return &CommandResult{Basket: basket}, nil
	}
}

func parseProductCommand(command string) (int, string, error) {
	m := productPattern.FindStringSubmatch(command)
	if m == nil {
		return 0, "", fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
	quantity := 1
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return 0, "", fmt.Errorf("%w: %q", ErrUnknownCommand, command)
		}
		quantity = n
	}
	return quantity, m[2], nil
}

func (s *Session) addLine(ctx context.Context, c *catalog.Counter, customerUser *auth.User, barmanID int64, basket *Basket, code string, quantity int) error {
	now := s.now()
	product, err := s.catalog.FindByCode(ctx, c.ID, code, customerUser, now)
	if err != nil {
		return err
	}

	active, err := s.tracker.ActiveBarmen(ctx, c.ID)
	if err != nil {
		return err
	}
	price := s.catalog.ResolvePrice(product, c, customerUser.ID, active)

	// A repeated code merges into the existing line when the price still
	// matches; a price change (barman logged out meanwhile) opens a new line.
	for i := range basket.Lines {
		l := &basket.Lines[i]
		if l.ProductID == product.ID && l.UnitPrice.Cmp(price) == 0 {
			l.Quantity += quantity
			return nil
		}
	}
	basket.Lines = append(basket.Lines, BasketLine{
		ID:        basket.NextLineID,
		ProductID: product.ID,
		Code:      product.Code,
		Name:      product.Name,
		Quantity:  quantity,
		UnitPrice: price,
		Tray:      product.Tray,
	})
	basket.NextLineID++
	return nil
}

func (b *Basket) removeLine(lineID int) bool {
	for i := range b.Lines {
		if b.Lines[i].ID == lineID {
			b.Lines = append(b.Lines[:i], b.Lines[i+1:]...)
			return true
		}
	}
	return false
}
