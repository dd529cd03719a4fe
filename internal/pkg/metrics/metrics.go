// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lending"

var (
	// Operations 统计借还操作的结果，outcome 为 ok 或错误类别
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Borrow/return operations partitioned by outcome.",
	}, []string{"op", "outcome"})

	// CacheLookups 统计缓存命中情况，result 为 hit / miss / error
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Read-through cache lookups partitioned by entity kind and result.",
	}, []string{"kind", "result"})

	// Compensations 统计补偿动作，result 为 ok / failed / skipped（写入结果未知，不补偿）
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compensations_total",
		Help:      "Stock compensations executed after a failed ledger write.",
	}, []string{"op", "result"})

	// StockDriftTitles 是最近一次盘点发现的库存漂移书目数量
	StockDriftTitles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stock_drift_titles",
		Help:      "Number of titles whose available copies disagree with active loans in the last audit.",
	})
)
