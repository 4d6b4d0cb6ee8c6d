// Package notify delivers trade notifications recorded in the store outbox
// to external transports after the settling transaction has committed.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/store"
)

// EventOrderMatched is the event type of every trade notification.
const EventOrderMatched = "order.matched"

// Message is one rendered notification, ready for any transport.
type Message struct {
	DeliveryID string
	Event      string
	TradeID    int64
	// Channels are the per-account channels the event is addressed to.
	Channels []string
	Payload  []byte
}

// Sink is a notification transport. Send must be safe to call again with
// the same message; delivery is at least once.
type Sink interface {
	Send(ctx context.Context, msg *Message) error
}

type tradePayload struct {
	ID          int64  `json:"id"`
	BuyOrderID  int64  `json:"buy_order_id"`
	SellOrderID int64  `json:"sell_order_id"`
	Symbol      string `json:"symbol"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	Commission  string `json:"commission"`
	CreatedAt   string `json:"created_at"`
}

type eventPayload struct {
	Trade tradePayload `json:"trade"`
}

// UserChannel names the private channel of an account.
func UserChannel(accountID int64) string {
	return fmt.Sprintf("private-user.%d", accountID)
}

// DeliveryID is stable per outbox entry so receivers can drop redeliveries.
func DeliveryID(notificationID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("trade-notification:%d", notificationID))).String()
}

// NewMessage renders an outbox entry.
func NewMessage(n *store.Notification) (*Message, error) {
	body, err := json.Marshal(eventPayload{Trade: tradePayload{
		ID:          n.Trade.ID,
		BuyOrderID:  n.Trade.BuyOrderID,
		SellOrderID: n.Trade.SellOrderID,
		Symbol:      n.Trade.Symbol,
		Price:       domain.FormatQuantity(n.Trade.Price),
		Amount:      domain.FormatQuantity(n.Trade.Amount),
		Commission:  domain.FormatQuantity(n.Trade.Commission),
		CreatedAt:   n.Trade.CreatedAt.UTC().Format(time.RFC3339),
	}})
	if err != nil {
		return nil, err
	}

	channels := []string{UserChannel(n.BuyerID)}
	if n.SellerID != n.BuyerID {
		channels = append(channels, UserChannel(n.SellerID))
	}
	return &Message{
		DeliveryID: DeliveryID(n.ID),
		Event:      EventOrderMatched,
		TradeID:    n.Trade.ID,
		Channels:   channels,
		Payload:    body,
	}, nil
}

// LogSink writes notifications to a logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notify.log")}
}

func (s *LogSink) Send(_ context.Context, msg *Message) error {
	s.logger.Info("trade notification",
		zap.String("delivery_id", msg.DeliveryID),
		zap.String("event", msg.Event),
		zap.Int64("trade_id", msg.TradeID),
		zap.Strings("channels", msg.Channels),
		zap.ByteString("payload", msg.Payload))
	return nil
}

// MultiSink fans a message out to every sink. It fails if any sink fails,
// after trying all of them.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, msg *Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
