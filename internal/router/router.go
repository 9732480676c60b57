// Package router resolves the queue, lane, timeout, and policy for a single
// message against a routing snapshot. Resolution is a pure function: same
// snapshot and envelope always produce the same result.
package router

import (
	"strconv"
	"strings"

	"github.com/xpert-ai/handoffbus/internal/envelope"
	"github.com/xpert-ai/handoffbus/internal/routing"
)

// Resolution is the outcome of resolving a message against a snapshot.
type Resolution struct {
	Queue      string
	Lane       string
	TimeoutMs  int64
	HasTimeout bool
	TypePolicy routing.TypePolicy
}

// Resolve picks {queue, lane, policy, typePolicy} for msg against snap.
func Resolve(snap routing.Snapshot, msg envelope.Message) Resolution {
	typePolicy := snap.TypePolicies[msg.Type]
	matched, hasMatch := firstMatchingRoute(snap, msg)

	res := Resolution{
		Queue: resolveQueue(snap, msg, typePolicy, matched, hasMatch),
		Lane:  resolveLane(snap, msg, typePolicy, matched, hasMatch),
	}
	res.TimeoutMs, res.HasTimeout = resolveTimeout(msg, typePolicy, matched, hasMatch)
	res.TypePolicy = typePolicy
	return res
}

func resolveQueue(snap routing.Snapshot, msg envelope.Message, tp routing.TypePolicy, matched routing.Route, hasMatch bool) string {
	if header, ok := msg.Header(envelope.HeaderHandoffQueue); ok && header != "" {
		return header
	}
	if tp.Queue != "" {
		return tp.Queue
	}
	if hasMatch && matched.Target.Queue != "" {
		return matched.Target.Queue
	}
	if snap.DefaultQueue != "" {
		return snap.DefaultQueue
	}
	return routing.QueueHandoff
}

func resolveLane(snap routing.Snapshot, msg envelope.Message, tp routing.TypePolicy, matched routing.Route, hasMatch bool) string {
	if header, ok := msg.Header(envelope.HeaderRequestedLane); ok && header != "" {
		return snap.ResolveLane(header)
	}
	if tp.Lane != "" {
		return snap.ResolveLane(tp.Lane)
	}
	if hasMatch && matched.Target.Lane != "" {
		return snap.ResolveLane(matched.Target.Lane)
	}
	if snap.DefaultLane != "" {
		return snap.ResolveLane(snap.DefaultLane)
	}
	return "main"
}

func resolveTimeout(msg envelope.Message, tp routing.TypePolicy, matched routing.Route, hasMatch bool) (int64, bool) {
	if header, ok := msg.Header(envelope.HeaderPolicyTimeoutMs); ok {
		if ms, err := strconv.ParseInt(header, 10, 64); err == nil && ms > 0 {
			return ms, true
		}
	}
	if tp.TimeoutMs > 0 {
		return tp.TimeoutMs, true
	}
	if hasMatch && matched.Target.TimeoutMs > 0 {
		return matched.Target.TimeoutMs, true
	}
	return 0, false
}

// firstMatchingRoute returns the first route (in config order) whose match
// conditions are all satisfied by msg.
func firstMatchingRoute(snap routing.Snapshot, msg envelope.Message) (routing.Route, bool) {
	organizationID, _ := msg.Header(envelope.HeaderOrganizationID)
	source, _ := msg.Header(envelope.HeaderSource)

	for _, route := range snap.Routes {
		m := route.Match
		if m.Type != "" && m.Type != msg.Type {
			continue
		}
		if m.TypePrefix != "" && !strings.HasPrefix(msg.Type, m.TypePrefix) {
			continue
		}
		if m.TenantID != "" && m.TenantID != msg.TenantID {
			continue
		}
		if m.OrganizationID != "" && m.OrganizationID != organizationID {
			continue
		}
		if m.Source != "" && m.Source != source {
			continue
		}
		return route, true
	}
	return routing.Route{}, false
}
