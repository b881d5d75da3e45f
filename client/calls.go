package client

import (
	"context"
	"time"

	"github.com/luma/gatewire/protocol"
)

// Message-format versions for the requests this file encodes.
const (
	reqCurrentTimeVersion      = 1
	reqIDsVersion              = 1
	reqManagedAcctsVersion     = 1
	reqNewsBulletinsVersion    = 1
	cancelNewsBulletinsVersion = 1
)

// ServerTime asks the gateway for its current time. Idempotent; safe to
// wrap in Retry.
func (c *Conn) ServerTime(ctx context.Context) (time.Time, error) {
	body := protocol.NewWriter().
		AddInt(int(protocol.OutReqCurrentTime)).
		AddInt(reqCurrentTimeVersion).
		Bytes()

	msg, err := c.oneShot(ctx, protocol.InCurrentTime, body)
	if err != nil {
		return time.Time{}, err
	}

	// type, format version, epoch seconds
	if err := discard(msg, 2); err != nil {
		return time.Time{}, err
	}
	epoch, err := msg.ReadInt64()
	if err != nil {
		return time.Time{}, err
	}

	return time.Unix(epoch, 0), nil
}

// ManagedAccounts asks the gateway for the account list. Idempotent; safe
// to wrap in Retry.
func (c *Conn) ManagedAccounts(ctx context.Context) ([]string, error) {
	body := protocol.NewWriter().
		AddInt(int(protocol.OutReqManagedAccts)).
		AddInt(reqManagedAcctsVersion).
		Bytes()

	msg, err := c.oneShot(ctx, protocol.InManagedAccts, body)
	if err != nil {
		return nil, err
	}

	// type, format version, comma-joined accounts
	if err := discard(msg, 2); err != nil {
		return nil, err
	}
	list, err := msg.ReadString()
	if err != nil {
		return nil, err
	}

	return ParseAccountList(list), nil
}

// RequestIDs asks the gateway for a fresh next-valid-order-id and re-seeds
// the order id counter with it.
func (c *Conn) RequestIDs(ctx context.Context) (int32, error) {
	body := protocol.NewWriter().
		AddInt(int(protocol.OutReqIDs)).
		AddInt(reqIDsVersion).
		AddInt(1). // number of ids, kept for wire compatibility
		Bytes()

	msg, err := c.oneShot(ctx, protocol.InNextValidID, body)
	if err != nil {
		return 0, err
	}

	if err := discard(msg, 2); err != nil {
		return 0, err
	}
	id, err := msg.ReadInt()
	if err != nil {
		return 0, err
	}

	c.orderIDs.Set(int32(id))

	return int32(id), nil
}

// PnL holds one profit-and-loss update. Unrealized and Realized are only
// present on new enough gateways; check the Has flags before use.
type PnL struct {
	ReqID         int32
	Daily         float64
	Unrealized    float64
	HasUnrealized bool
	Realized      float64
	HasRealized   bool
}

// PnLSubscription streams decoded PnL updates for one account.
type PnLSubscription struct {
	*Subscription
	serverVersion int
}

// Next decodes the next PnL update.
func (s *PnLSubscription) Next(ctx context.Context) (PnL, error) {
	msg, err := s.Subscription.Next(ctx)
	if err != nil {
		return PnL{}, err
	}

	return DecodePnL(msg, s.serverVersion)
}

// PnL subscribes to profit-and-loss updates for an account. The stream is
// open-ended; call Cancel to stop the gateway emitting updates.
func (c *Conn) PnL(account, modelCode string) (*PnLSubscription, error) {
	if err := c.CheckFeature(protocol.FeaturePnL); err != nil {
		return nil, err
	}

	reqID := c.NextRequestID()

	body := protocol.NewWriter().
		AddInt(int(protocol.OutReqPnL)).
		AddInt(int(reqID)).
		AddString(account).
		AddString(modelCode).
		Bytes()
	cancel := protocol.NewWriter().
		AddInt(int(protocol.OutCancelPnL)).
		AddInt(int(reqID)).
		Bytes()

	sub, err := c.SendRequest(reqID, body, WithCancel(cancel))
	if err != nil {
		return nil, err
	}

	return &PnLSubscription{Subscription: sub, serverVersion: c.serverVersion}, nil
}

// DecodePnL decodes a PNL frame. The unrealized and realized fields are
// version-gated: a gateway below the respective feature version never sends
// them, so they are not read. The gateway reports "no value" with the
// float sentinel.
func DecodePnL(msg *protocol.Message, serverVersion int) (PnL, error) {
	var pnl PnL

	if err := msg.Skip(); err != nil { // message type
		return pnl, err
	}

	reqID, err := msg.ReadInt()
	if err != nil {
		return pnl, err
	}
	pnl.ReqID = int32(reqID)

	pnl.Daily, err = msg.ReadFloat()
	if err != nil {
		return pnl, err
	}

	if protocol.FeatureUnrealizedPnL.SupportedBy(serverVersion) {
		pnl.Unrealized, pnl.HasUnrealized, err = msg.ReadOptFloat(protocol.UnsetFloat)
		if err != nil {
			return pnl, err
		}
	}

	if protocol.FeatureRealizedPnL.SupportedBy(serverVersion) {
		pnl.Realized, pnl.HasRealized, err = msg.ReadOptFloat(protocol.UnsetFloat)
		if err != nil {
			return pnl, err
		}
	}

	return pnl, nil
}

// NewsBulletin is one gateway news bulletin. Bulletins are connection-wide
// broadcasts, not correlated to a request id.
type NewsBulletin struct {
	MsgID    int
	MsgType  int
	Text     string
	Exchange string
}

// NewsBulletins subscribes to gateway news bulletins. When allMsgs is true
// the gateway replays the day's bulletins before streaming new ones.
func (c *Conn) NewsBulletins(allMsgs bool) (*Subscription, error) {
	body := protocol.NewWriter().
		AddInt(int(protocol.OutReqNewsBulletins)).
		AddInt(reqNewsBulletinsVersion).
		AddBool(allMsgs).
		Bytes()
	cancel := protocol.NewWriter().
		AddInt(int(protocol.OutCancelNewsBulletins)).
		AddInt(cancelNewsBulletinsVersion).
		Bytes()

	return c.SendBroadcastRequest(protocol.InNewsBulletins, body, WithCancel(cancel))
}

// DecodeNewsBulletin decodes a NEWS_BULLETINS frame.
func DecodeNewsBulletin(msg *protocol.Message) (NewsBulletin, error) {
	var nb NewsBulletin

	if err := discard(msg, 2); err != nil { // type, format version
		return nb, err
	}

	var err error
	if nb.MsgID, err = msg.ReadInt(); err != nil {
		return nb, err
	}
	if nb.MsgType, err = msg.ReadInt(); err != nil {
		return nb, err
	}
	if nb.Text, err = msg.ReadString(); err != nil {
		return nb, err
	}
	if nb.Exchange, err = msg.ReadString(); err != nil {
		return nb, err
	}

	return nb, nil
}

// OrderStatuses subscribes to the connection-wide order status broadcast.
func (c *Conn) OrderStatuses() *Subscription {
	return c.Subscribe(protocol.InOrderStatus)
}

// Executions subscribes to the connection-wide execution and commission
// broadcasts.
func (c *Conn) Executions() *Subscription {
	return c.Subscribe(protocol.InExecutionData, protocol.InCommissionReport)
}

func discard(msg *protocol.Message, n int) error {
	for i := 0; i < n; i++ {
		if err := msg.Skip(); err != nil {
			return err
		}
	}

	return nil
}
