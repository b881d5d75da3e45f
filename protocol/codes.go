package protocol

import (
	"fmt"
	"strconv"
)

// Outgoing is a client-to-gateway message type code, field 0 of a request
// body.
type Outgoing int

const (
	OutReqMktData          Outgoing = 1
	OutCancelMktData       Outgoing = 2
	OutPlaceOrder          Outgoing = 3
	OutCancelOrder         Outgoing = 4
	OutReqOpenOrders       Outgoing = 5
	OutReqAccountData      Outgoing = 6
	OutReqExecutions       Outgoing = 7
	OutReqIDs              Outgoing = 8
	OutReqContractData     Outgoing = 9
	OutReqMktDepth         Outgoing = 10
	OutCancelMktDepth      Outgoing = 11
	OutReqNewsBulletins    Outgoing = 12
	OutCancelNewsBulletins Outgoing = 13
	OutSetServerLogLevel   Outgoing = 14
	OutReqAutoOpenOrders   Outgoing = 15
	OutReqAllOpenOrders    Outgoing = 16
	OutReqManagedAccts     Outgoing = 17
	OutReqCurrentTime      Outgoing = 49
	OutStartAPI            Outgoing = 71
	OutReqPnL              Outgoing = 92
	OutCancelPnL           Outgoing = 93
	OutReqPnLSingle        Outgoing = 94
	OutCancelPnLSingle     Outgoing = 95
	OutReqTickByTick       Outgoing = 97
	OutCancelTickByTick    Outgoing = 98
)

// Incoming is a gateway-to-client message type code, field 0 of a response
// body.
type Incoming int

const (
	InTickPrice        Incoming = 1
	InTickSize         Incoming = 2
	InOrderStatus      Incoming = 3
	InErrMsg           Incoming = 4
	InOpenOrder        Incoming = 5
	InAcctValue        Incoming = 6
	InPortfolioValue   Incoming = 7
	InAcctUpdateTime   Incoming = 8
	InNextValidID      Incoming = 9
	InContractData     Incoming = 10
	InExecutionData    Incoming = 11
	InMarketDepth      Incoming = 12
	InNewsBulletins    Incoming = 14
	InManagedAccts     Incoming = 15
	InCurrentTime      Incoming = 49
	InContractDataEnd  Incoming = 52
	InOpenOrderEnd     Incoming = 53
	InAcctDownloadEnd  Incoming = 54
	InExecutionDataEnd Incoming = 55
	InTickSnapshotEnd  Incoming = 57
	InCommissionReport Incoming = 59
	InPnL              Incoming = 94
	InPnLSingle        Incoming = 95
	InTickByTick       Incoming = 99
)

var incomingNames = map[Incoming]string{
	InTickPrice:        "TICK_PRICE",
	InTickSize:         "TICK_SIZE",
	InOrderStatus:      "ORDER_STATUS",
	InErrMsg:           "ERR_MSG",
	InOpenOrder:        "OPEN_ORDER",
	InAcctValue:        "ACCT_VALUE",
	InPortfolioValue:   "PORTFOLIO_VALUE",
	InAcctUpdateTime:   "ACCT_UPDATE_TIME",
	InNextValidID:      "NEXT_VALID_ID",
	InContractData:     "CONTRACT_DATA",
	InExecutionData:    "EXECUTION_DATA",
	InMarketDepth:      "MARKET_DEPTH",
	InNewsBulletins:    "NEWS_BULLETINS",
	InManagedAccts:     "MANAGED_ACCTS",
	InCurrentTime:      "CURRENT_TIME",
	InContractDataEnd:  "CONTRACT_DATA_END",
	InOpenOrderEnd:     "OPEN_ORDER_END",
	InAcctDownloadEnd:  "ACCT_DOWNLOAD_END",
	InExecutionDataEnd: "EXECUTION_DATA_END",
	InTickSnapshotEnd:  "TICK_SNAPSHOT_END",
	InCommissionReport: "COMMISSION_REPORT",
	InPnL:              "PNL",
	InPnLSingle:        "PNL_SINGLE",
	InTickByTick:       "TICK_BY_TICK",
}

func (in Incoming) String() string {
	if name, ok := incomingNames[in]; ok {
		return name
	}

	return strconv.Itoa(int(in))
}

// Route describes how an incoming message type is dispatched: where its
// request id sits in the field list (ReqIDIndex counts from the type code at
// index 0; -1 means the type carries no request id and is routed as a
// broadcast), and whether the message is the end-of-stream marker for its
// message family.
type Route struct {
	ReqIDIndex int
	End        bool
}

// routes is the single dispatch table for incoming message types. A dynamic
// per-type parser registry is deliberately avoided; unknown types fall
// through to the dispatcher's logged drop path.
var routes = map[Incoming]Route{
	InTickPrice:        {ReqIDIndex: 2},
	InTickSize:         {ReqIDIndex: 2},
	InOrderStatus:      {ReqIDIndex: -1},
	InOpenOrder:        {ReqIDIndex: -1},
	InAcctValue:        {ReqIDIndex: -1},
	InPortfolioValue:   {ReqIDIndex: -1},
	InAcctUpdateTime:   {ReqIDIndex: -1},
	InNextValidID:      {ReqIDIndex: -1},
	InContractData:     {ReqIDIndex: 2},
	InExecutionData:    {ReqIDIndex: -1},
	InMarketDepth:      {ReqIDIndex: 2},
	InNewsBulletins:    {ReqIDIndex: -1},
	InManagedAccts:     {ReqIDIndex: -1},
	InCurrentTime:      {ReqIDIndex: -1},
	InContractDataEnd:  {ReqIDIndex: 2, End: true},
	InOpenOrderEnd:     {ReqIDIndex: -1},
	InAcctDownloadEnd:  {ReqIDIndex: -1},
	InExecutionDataEnd: {ReqIDIndex: 2, End: true},
	InTickSnapshotEnd:  {ReqIDIndex: 2, End: true},
	InCommissionReport: {ReqIDIndex: -1},
	InPnL:              {ReqIDIndex: 1},
	InPnLSingle:        {ReqIDIndex: 1},
	InTickByTick:       {ReqIDIndex: 1},
}

// RouteFor returns the dispatch metadata for an incoming message type.
func RouteFor(in Incoming) (Route, bool) {
	r, ok := routes[in]
	return r, ok
}

// ServerError is an application-level error frame (ERR_MSG) from the
// gateway, e.g. an order rejection or an invalid contract. It is routed like
// any other payload and is never a transport failure.
type ServerError struct {
	// ReqID correlates the error to a request; -1 means the error is scoped
	// to the connection as a whole.
	ReqID int32
	Code  int
	Msg   string
}

func (e *ServerError) Error() string {
	if e.ReqID >= 0 {
		return fmt.Sprintf("Gateway error %d for request %d: %s", e.Code, e.ReqID, e.Msg)
	}

	return fmt.Sprintf("Gateway error %d: %s", e.Code, e.Msg)
}
