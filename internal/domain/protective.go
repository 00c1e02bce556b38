package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ProtectiveKind discriminates the ProtectiveOrderState variant.
type ProtectiveKind int

const (
	ProtectiveNone ProtectiveKind = iota
	// ProtectiveSingleOrder references one exchange order protecting the
	// full remaining quantity.
	ProtectiveSingleOrder
	// ProtectiveLadder references one exchange order per take-profit level.
	ProtectiveLadder
	// ProtectivePositionLevel marks a stop attached to the position itself
	// on venues that support it; there is no order id to poll, only the
	// position size.
	ProtectivePositionLevel
)

// LadderRung ties a take-profit level to the exchange order covering it.
type LadderRung struct {
	Level   int
	OrderID string
}

// ProtectiveOrderState describes how a trade's stop-loss or take-profit is
// currently represented on the exchange. The zero value means "no protective
// order" (manual price-polling mode).
type ProtectiveOrderState struct {
	Kind    ProtectiveKind
	OrderID string       // set for SingleOrder
	Rungs   []LadderRung // set for Ladder, ascending by level
}

const positionLevelSentinel = "POSITION"

// SingleOrder returns a state referencing one exchange order.
func SingleOrder(orderID string) ProtectiveOrderState {
	return ProtectiveOrderState{Kind: ProtectiveSingleOrder, OrderID: orderID}
}

// Ladder returns a state referencing one order per level.
func Ladder(rungs []LadderRung) ProtectiveOrderState {
	sorted := make([]LadderRung, len(rungs))
	copy(sorted, rungs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })
	return ProtectiveOrderState{Kind: ProtectiveLadder, Rungs: sorted}
}

// PositionLevel returns the sentinel state for position-attached stops.
func PositionLevel() ProtectiveOrderState {
	return ProtectiveOrderState{Kind: ProtectivePositionLevel}
}

// AsRungs views the state as ladder rungs; a single order is treated as a
// one-rung ladder covering level 1.
func (p ProtectiveOrderState) AsRungs() []LadderRung {
	switch p.Kind {
	case ProtectiveLadder:
		return p.Rungs
	case ProtectiveSingleOrder:
		return []LadderRung{{Level: 1, OrderID: p.OrderID}}
	default:
		return nil
	}
}

// IsNone reports whether no protective order is tracked.
func (p ProtectiveOrderState) IsNone() bool {
	return p.Kind == ProtectiveNone
}

// Encode serializes the state into the legacy order-id column format:
// empty string, a bare order id, "POSITION", or a pipe-delimited
// "level:orderId" list.
func (p ProtectiveOrderState) Encode() string {
	switch p.Kind {
	case ProtectiveSingleOrder:
		return p.OrderID
	case ProtectivePositionLevel:
		return positionLevelSentinel
	case ProtectiveLadder:
		parts := make([]string, 0, len(p.Rungs))
		for _, r := range p.Rungs {
			parts = append(parts, fmt.Sprintf("%d:%s", r.Level, r.OrderID))
		}
		return strings.Join(parts, "|")
	default:
		return ""
	}
}

// DecodeProtectiveState parses the legacy order-id column format produced by
// Encode. Unparseable ladder entries are skipped rather than failing the
// whole row; a string that is neither empty, the sentinel, nor a ladder is
// treated as a single order id.
func DecodeProtectiveState(raw string) ProtectiveOrderState {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ProtectiveOrderState{}
	}
	if raw == positionLevelSentinel {
		return PositionLevel()
	}
	if !strings.Contains(raw, ":") {
		return SingleOrder(raw)
	}
	var rungs []LadderRung
	for _, part := range strings.Split(raw, "|") {
		lv, id, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		level, err := strconv.Atoi(lv)
		if err != nil || id == "" {
			continue
		}
		rungs = append(rungs, LadderRung{Level: level, OrderID: id})
	}
	if len(rungs) == 0 {
		return SingleOrder(raw)
	}
	return Ladder(rungs)
}
