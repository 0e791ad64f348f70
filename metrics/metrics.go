package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for pagevault metrics.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors for kernel read/write path metrics.
var (
	PageReadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagevault_page_reads_total",
		Help: "Cumulative number of page reads, by source (cache or remote).",
	}, []string{"source"})
	PageWritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagevault_page_writes_total",
		Help: "Cumulative number of staged page writes.",
	})
	CommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagevault_commits_total",
		Help: "Cumulative number of local commit attempts, by status.",
	}, []string{"status"})
	CommitDurationTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagevault_commit_duration_seconds_total",
		Help: "Cumulative number of seconds spent committing.",
	})
)

// Collectors for remote store metrics.
var (
	RemoteCommitsPushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagevault_remote_commits_pushed_total",
		Help: "Cumulative number of commits pushed to the remote log.",
	})
	RemoteCommitsFetchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagevault_remote_commits_fetched_total",
		Help: "Cumulative number of commits fetched from the remote log.",
	})
	RemoteSegmentBytesPushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagevault_remote_segment_bytes_pushed_total",
		Help: "Cumulative number of encoded segment bytes pushed.",
	})
	RemoteFrameBytesFetchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagevault_remote_frame_bytes_fetched_total",
		Help: "Cumulative number of compressed frame bytes fetched.",
	})
	PushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagevault_push_total",
		Help: "Cumulative number of push operations, by status.",
	}, []string{"status"})
	PullTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagevault_pull_total",
		Help: "Cumulative number of pull operations, by status.",
	}, []string{"status"})
)

// KernelCollectors returns the metrics collectors of the kernel, for
// registration with a prometheus registry.
func KernelCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		PageReadsTotal,
		PageWritesTotal,
		CommitsTotal,
		CommitDurationTotal,
		RemoteCommitsPushedTotal,
		RemoteCommitsFetchedTotal,
		RemoteSegmentBytesPushedTotal,
		RemoteFrameBytesFetchedTotal,
		PushTotal,
		PullTotal,
	}
}
