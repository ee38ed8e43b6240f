package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_paste_deleted_total",
		Help: "no. of pastes removed by their owner",
	})
	SlugLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slugbin_slug_lookups_total",
			Help: "no. of slug resolutions by result",
		},
		[]string{"result"},
	)
	SlugTaken = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_slug_taken_total",
		Help: "no. of inserts rejected because the custom url was taken",
	})
	SlugSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_slug_skipped_ids_total",
		Help: "no. of ids skipped because their derived slug was claimed as a custom url",
	})
	PastesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_pastes_swept_total",
		Help: "no. of expired pastes removed by sweeps",
	})
	RegistrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slugbin_registry_pastes",
		Help: "no. of live pastes held in the registry",
	})
	RegistryLockHold = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slugbin_registry_lock_hold_seconds",
			Help:    "time registry operations hold the registry lock",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
		[]string{"op"},
	)
	CodecCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_codec_cache_hits_total",
		Help: "no. of slug encodes served from the memo",
	})
	CodecCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_codec_cache_misses_total",
		Help: "no. of slug encodes computed",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slugbin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slugbin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugbin_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slugbin_encryption_operations_total",
			Help: "no. of encryption/decryption operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slugbin_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
