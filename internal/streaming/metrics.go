package streaming

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgateway_streams_created_total",
		Help: "Total number of streams created by the Registry.",
	})

	streamsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgateway_streams_reaped_total",
		Help: "Total number of terminal streams removed by the janitor.",
	})

	streamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatgateway_streams_active",
		Help: "Number of streams currently in the Running status.",
	})

	chunksDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgateway_chunks_delivered_total",
		Help: "Total number of message_chunk/meta_info_update frames successfully delivered to a subscriber.",
	})

	subscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgateway_subscribers_dropped_total",
		Help: "Total number of subscribers removed from a Stream State after a failed send.",
	})

	busyChatRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgateway_busy_chat_rejections_total",
		Help: "Total number of stream creations rejected because the chat already had a Running stream.",
	})
)
