// Package metrics holds the prometheus collectors for the connection lifecycle.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultSuccess   = "success"
	ResultPermanent = "permanent"
	ResultTransient = "transient"
	ResultFailed    = "failed"
)

var (
	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_token_refresh_total",
		Help: "Provider token refresh attempts by outcome",
	}, []string{"provider", "result"})

	Callbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_callbacks_total",
		Help: "Authorization callbacks handled by outcome",
	}, []string{"provider", "result"})

	FlowsInitiated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_flows_initiated_total",
		Help: "Authorization flows started",
	}, []string{"provider"})

	StatesSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oauth_states_swept_total",
		Help: "Expired authorization states deleted by the sweeper",
	})
)

// Register adds every collector to reg. Collectors that are already registered are ignored.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{TokenRefreshes, Callbacks, FlowsInitiated, StatesSwept} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
