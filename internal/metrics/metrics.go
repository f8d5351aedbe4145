package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for wallet, DID and identity node operations.
type Metrics struct {
	WalletConnects      *prometheus.CounterVec
	AccountChanges      *prometheus.CounterVec
	WalletConnected     prometheus.Gauge
	DIDAuthentications  *prometheus.CounterVec
	DIDAuthDuration     prometheus.Histogram
	DIDStaleCompletions prometheus.Counter
	ChallengesIssued    prometheus.Counter
	Logins              *prometheus.CounterVec
	ProfileMerges       prometheus.Counter
}

// New registers the collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WalletConnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "didconnect_wallet_connects_total",
			Help: "Wallet connect attempts by result",
		}, []string{"result"}),
		AccountChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "didconnect_account_changes_total",
			Help: "accountsChanged notifications by kind",
		}, []string{"kind"}),
		WalletConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "didconnect_wallet_connected",
			Help: "1 while a wallet address is connected",
		}),
		DIDAuthentications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "didconnect_did_authentications_total",
			Help: "DID authentication attempts by result",
		}, []string{"result"}),
		DIDAuthDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "didconnect_did_auth_duration_seconds",
			Help:    "Time from authenticate to a settled viewer session",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		DIDStaleCompletions: f.NewCounter(prometheus.CounterOpts{
			Name: "didconnect_did_stale_completions_total",
			Help: "Authentications dropped because a newer address superseded them",
		}),
		ChallengesIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "didconnect_challenges_issued_total",
			Help: "Challenges issued by the identity node",
		}),
		Logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "didconnect_logins_total",
			Help: "Identity node logins by result",
		}, []string{"result"}),
		ProfileMerges: f.NewCounter(prometheus.CounterOpts{
			Name: "didconnect_profile_merges_total",
			Help: "Profile merges accepted by the identity node",
		}),
	}
}

// NewNop returns collectors registered on a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
