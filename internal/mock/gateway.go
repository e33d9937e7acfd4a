package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/eddiefleurent/spx_straddler/internal/broker"
	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// Never disables the fill in a FillScript.
const Never = -1

// FillScript describes how the simulated broker treats one submitted order.
type FillScript struct {
	// RejectOnSubmit makes PlaceOrder fail with models.ErrOrderRejected.
	RejectOnSubmit bool
	// RejectAfterSubmit reports the order as rejected on the first poll.
	RejectAfterSubmit bool
	// FillAfterPolls is the number of status polls that report the order
	// working before it fills. Never keeps it working until cancelled.
	FillAfterPolls int
	// PartialQty is reported as filled while the order is working.
	PartialQty int
	// FillOnCancel fills the order when a cancel arrives.
	FillOnCancel bool
	// FillPrice overrides the limit price as the execution price.
	FillPrice float64
}

// PlacedOrder records a PlaceOrder call.
type PlacedOrder struct {
	ID    string
	Code  string
	Side  models.Side
	Qty   int
	Price float64
}

type simOrder struct {
	PlacedOrder
	script FillScript
	state  broker.OrderStatusState
	polls  int
	filled int
	avg    float64
}

// Gateway is an in-memory broker.Gateway. Order outcomes follow per-code
// FillScripts consumed in submission order; codes without a script use
// DefaultScript.
type Gateway struct {
	mu sync.Mutex

	quotes    map[string]models.OptionQuote
	account   models.AccountSnapshot
	positions map[string]*broker.Position
	scripts   map[string][]FillScript
	failures  map[string]error
	orders    map[string]*simOrder
	placed    []PlacedOrder
	cancelled []string
	calls     map[string]int
	nextID    int

	DefaultScript FillScript
}

// Ensure Gateway implements broker.Gateway at compile time.
var _ broker.Gateway = (*Gateway)(nil)

// NewGateway returns an empty simulated gateway that fills every order on
// its first status poll.
func NewGateway() *Gateway {
	return &Gateway{
		quotes:    make(map[string]models.OptionQuote),
		positions: make(map[string]*broker.Position),
		scripts:   make(map[string][]FillScript),
		failures:  make(map[string]error),
		orders:    make(map[string]*simOrder),
		calls:     make(map[string]int),
		nextID:    1000,
	}
}

// SetQuotes merges quotes into the simulated market.
func (g *Gateway) SetQuotes(quotes map[string]models.OptionQuote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, v := range quotes {
		g.quotes[k] = v
	}
}

// SetQuote sets a single quote.
func (g *Gateway) SetQuote(q models.OptionQuote) {
	g.SetQuotes(map[string]models.OptionQuote{q.Code: q})
}

// SetAccount replaces the account snapshot. Positions in the snapshot
// seed the simulated positions.
func (g *Gateway) SetAccount(acct models.AccountSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.account = acct
	g.positions = make(map[string]*broker.Position)
	for _, h := range acct.Positions {
		g.positions[h.Code] = &broker.Position{Code: h.Code, Qty: h.Qty, CostBasis: h.CostBasis}
	}
}

// Script queues fill behaviour for the next orders on code.
func (g *Gateway) Script(code string, scripts ...FillScript) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[code] = append(g.scripts[code], scripts...)
}

// Fail makes every call to method (e.g. "GetAccountInfo") return err.
// A nil err clears the failure.
func (g *Gateway) Fail(method string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failures, method)
		return
	}
	g.failures[method] = err
}

// Placed returns every PlaceOrder call accepted so far.
func (g *Gateway) Placed() []PlacedOrder {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]PlacedOrder(nil), g.placed...)
}

// Cancelled returns the ids passed to CancelOrder.
func (g *Gateway) Cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

// Calls returns how many times method was invoked.
func (g *Gateway) Calls(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[method]
}

// enter counts the call and returns any injected failure. Caller holds mu.
func (g *Gateway) enter(ctx context.Context, method string) error {
	g.calls[method]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.failures[method]
}

// GetMarketSnapshot returns the known quotes among codes.
func (g *Gateway) GetMarketSnapshot(ctx context.Context, codes []string) (map[string]models.OptionQuote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "GetMarketSnapshot"); err != nil {
		return nil, err
	}
	out := make(map[string]models.OptionQuote, len(codes))
	for _, c := range codes {
		if q, ok := g.quotes[c]; ok {
			out[c] = q
		}
	}
	return out, nil
}

// GetAccountInfo returns the account with current simulated positions.
func (g *Gateway) GetAccountInfo(ctx context.Context) (models.AccountSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "GetAccountInfo"); err != nil {
		return models.AccountSnapshot{}, err
	}
	acct := g.account
	acct.Positions = nil
	for _, p := range g.positions {
		if p.Qty != 0 {
			acct.Positions = append(acct.Positions, models.Holding{Code: p.Code, Qty: p.Qty, CostBasis: p.CostBasis})
		}
	}
	return acct, nil
}

// ListPositions returns open simulated positions marked at quote mid.
func (g *Gateway) ListPositions(ctx context.Context) ([]broker.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "ListPositions"); err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(g.positions))
	for _, p := range g.positions {
		if p.Qty == 0 {
			continue
		}
		pos := *p
		if q, ok := g.quotes[p.Code]; ok && q.Valid() {
			pos.MarketValue = q.Mid() * float64(p.Qty) * models.ContractMultiplier
			pos.UnrealizedPnL = pos.MarketValue - pos.CostBasis
		}
		out = append(out, pos)
	}
	return out, nil
}

// PlaceOrder accepts or rejects an order according to its script.
func (g *Gateway) PlaceOrder(ctx context.Context, code string, side models.Side, qty int, price float64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "PlaceOrder"); err != nil {
		return "", err
	}

	script := g.DefaultScript
	if queue := g.scripts[code]; len(queue) > 0 {
		script = queue[0]
		g.scripts[code] = queue[1:]
	}
	if script.RejectOnSubmit {
		return "", fmt.Errorf("place order %s: %w: simulated rejection", code, models.ErrOrderRejected)
	}
	if qty <= 0 || price <= 0 {
		return "", fmt.Errorf("place order %s: %w: qty %d price %.2f", code, models.ErrOrderRejected, qty, price)
	}

	g.nextID++
	id := strconv.Itoa(g.nextID)
	po := PlacedOrder{ID: id, Code: code, Side: side, Qty: qty, Price: price}
	g.placed = append(g.placed, po)
	g.orders[id] = &simOrder{PlacedOrder: po, script: script, state: broker.StatusOpen}
	return id, nil
}

// GetOrderStatus advances the order's script by one poll.
func (g *Gateway) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "GetOrderStatus"); err != nil {
		return broker.OrderStatus{}, err
	}
	o, ok := g.orders[orderID]
	if !ok {
		return broker.OrderStatus{}, fmt.Errorf("order %s not found", orderID)
	}

	if !o.state.IsTerminal() {
		o.polls++
		switch {
		case o.script.RejectAfterSubmit:
			o.state = broker.StatusRejected
		case o.script.FillAfterPolls != Never && o.polls > o.script.FillAfterPolls:
			g.fill(o, o.Qty)
			o.state = broker.StatusFilled
		case o.script.PartialQty > 0:
			g.fill(o, o.script.PartialQty)
			o.state = broker.StatusPartiallyFilled
		}
	}
	return broker.OrderStatus{State: o.state, FilledQty: o.filled, AvgFillPrice: o.avg}, nil
}

// CancelOrder cancels a working order. Cancelling a finished order is a no-op.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter(ctx, "CancelOrder"); err != nil {
		return err
	}
	o, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	g.cancelled = append(g.cancelled, orderID)
	if o.state.IsTerminal() {
		return nil
	}
	if o.script.FillOnCancel {
		g.fill(o, o.Qty)
		o.state = broker.StatusFilled
		return nil
	}
	o.state = broker.StatusCancelled
	return nil
}

// fill raises o's executed quantity to qty and books the difference into
// positions and cash. Caller holds mu.
func (g *Gateway) fill(o *simOrder, qty int) {
	if qty > o.Qty {
		qty = o.Qty
	}
	delta := qty - o.filled
	if delta <= 0 {
		return
	}
	price := o.Price
	if o.script.FillPrice > 0 {
		price = o.script.FillPrice
	}
	o.avg = (o.avg*float64(o.filled) + price*float64(delta)) / float64(qty)
	o.filled = qty

	notional := price * float64(delta) * models.ContractMultiplier
	p, ok := g.positions[o.Code]
	if !ok {
		p = &broker.Position{Code: o.Code}
		g.positions[o.Code] = p
	}
	if o.Side == models.SideSellToClose {
		p.Qty -= delta
		p.CostBasis -= notional
		g.account.Cash += notional
		g.account.BuyingPower += notional
	} else {
		p.Qty += delta
		p.CostBasis += notional
		g.account.Cash -= notional
		g.account.BuyingPower -= notional
	}
}
