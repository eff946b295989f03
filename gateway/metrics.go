package gateway

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharder_reconnects_total",
		Help: "Number of IDENTIFY handshakes performed, by shard.",
	}, []string{"shard"})

	resumesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharder_resumes_total",
		Help: "Number of RESUME handshakes performed, by shard.",
	}, []string{"shard"})

	decompressedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharder_decompressed_bytes_total",
		Help: "Bytes produced by the zlib-stream inflater, by shard.",
	}, []string{"shard"})
)

func shardLabel(shardId int) string {
	return strconv.Itoa(shardId)
}
