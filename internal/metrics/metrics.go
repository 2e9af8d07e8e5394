// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Checkins counts ledger writes by item type and result (recorded|duplicate|error).
	Checkins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expo_checkins_total",
		Help: "Check-in ledger writes by item type and result.",
	}, []string{"type", "result"})

	// CheckinLinks counts signed link visits by outcome.
	CheckinLinks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expo_checkin_links_total",
		Help: "Signed check-in link visits by outcome.",
	}, []string{"outcome"})

	NurseryTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expo_nursery_transitions_total",
		Help: "Nursery custody transitions by action.",
	}, []string{"action"})

	NurseryScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expo_nursery_scans_total",
		Help: "Nursery label scans by token type and outcome.",
	}, []string{"type", "outcome"})

	LeaderboardCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expo_leaderboard_cache_total",
		Help: "Leaderboard cache lookups by result (hit|miss).",
	}, []string{"result"})
)
